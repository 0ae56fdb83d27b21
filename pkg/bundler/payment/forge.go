package payment

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/priofree/bundler/pkg/bundler/bundlerr"
)

// Tx2Gas is the constant gas limit for tx2: a pure ETH value transfer.
const Tx2Gas = 21_000

// ForgeRequest bundles what Forge needs to build one builder's companion
// transaction, per spec.md §4.3.
type ForgeRequest struct {
	PaymentAddress common.Address
	AmountWei      *big.Int
	ChainID        *big.Int
	BaseFee        *big.Int
	Tip            *big.Int
}

// Forged is a signed tx2 plus the bookkeeping the Dispatcher needs to resolve its
// reserved nonce once the relay outcome is known.
type Forged struct {
	Tx    *types.Transaction
	Raw   []byte
	Hash  common.Hash
	Nonce uint64
}

// Forge builds, signs, and serializes one builder's tx2 using the Signer's
// reserve+sign critical section. Each call reserves a fresh nonce (spec.md §4.3:
// "each (builder, tx2) pair uses a distinct reserved nonce").
func Forge(signer *Signer, req ForgeRequest) (*Forged, error) {
	maxFeePerGas := new(big.Int).Add(new(big.Int).Mul(req.BaseFee, big.NewInt(2)), req.Tip)

	signed, nonce, err := signer.ReserveAndSign(func(nonce uint64) *types.Transaction {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   req.ChainID,
			Nonce:     nonce,
			GasTipCap: new(big.Int).Set(req.Tip),
			GasFeeCap: maxFeePerGas,
			Gas:       Tx2Gas,
			To:        &req.PaymentAddress,
			Value:     new(big.Int).Set(req.AmountWei),
			Data:      nil,
		})
	})
	if err != nil {
		return nil, err
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.Internal, "failed to serialize forged tx2", err)
	}

	return &Forged{Tx: signed, Raw: raw, Hash: signed.Hash(), Nonce: nonce}, nil
}
