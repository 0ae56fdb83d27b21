// Package bundler implements the bundle processing pipeline: signed-transaction
// decoding, the payment-bounded bundle state machine, and the types shared by every
// stage (Pipeline Controller, Payment Engine, Ledger, Relay Client, Dispatcher,
// Tracker). Chain I/O and simulation are pluggable capabilities defined in the
// sibling oracle/simulator packages; this package only depends on their interfaces.
package bundler

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/priofree/bundler/pkg/bundler/bundlerr"
)

// DecodedTx1 is the validated, parsed form of the caller-supplied user transaction.
// It is deliberately narrow: the pipeline never needs more than these fields, and
// keeping it narrow is what makes the round-trip property in spec.md §8 checkable
// (decode then re-encode the original raw bytes, not a reconstruction from fields).
type DecodedTx1 struct {
	Raw     []byte
	Hash    common.Hash
	Tx      *types.Transaction
	From    common.Address
	To      *common.Address
	GasUsed uint64 // left zero by DecodeTx1; the Pipeline Controller takes gas used from the Simulator's Result
}

// DecodeTx1 parses raw EIP-1559 (type 0x02) transaction bytes, recovers the sender,
// and enforces the validation rules of spec.md §4.1 stage 1. It performs no RPC or
// simulator calls — those are later pipeline stages.
func DecodeTx1(raw []byte, chainID *big.Int, minGas, maxGas uint64) (*DecodedTx1, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, bundlerr.Wrap(bundlerr.InvalidTransaction, "failed to decode transaction", err)
	}
	if tx.Type() != types.DynamicFeeTxType {
		return nil, bundlerr.New(bundlerr.InvalidTransaction, "transaction must be EIP-1559 (type 0x02)")
	}
	if tx.GasTipCap().Sign() != 0 {
		return nil, bundlerr.New(bundlerr.PriorityFeeNonZero, "max_priority_fee_per_gas must be zero")
	}
	if tx.ChainId() == nil || tx.ChainId().Cmp(chainID) != 0 {
		return nil, bundlerr.New(bundlerr.ChainIDMismatch, "transaction chain id does not match configured network")
	}
	if tx.Gas() < minGas || tx.Gas() > maxGas {
		return nil, bundlerr.New(bundlerr.InvalidTransaction, "gas_limit out of configured bounds")
	}

	signer := types.LatestSignerForChainID(chainID)
	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.InvalidTransaction, "signature does not recover to a valid address", err)
	}

	reencoded, err := tx.MarshalBinary()
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.Internal, "failed to re-encode decoded transaction", err)
	}
	if !bytesEqual(reencoded, raw) {
		return nil, bundlerr.New(bundlerr.InvalidTransaction, "transaction did not round-trip through RLP decode/encode")
	}

	return &DecodedTx1{
		Raw:  raw,
		Hash: tx.Hash(),
		Tx:   tx,
		From: from,
		To:   tx.To(),
	}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
