package payment

import (
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/priofree/bundler/pkg/bundler/bundlerr"
)

// Signer owns the operator's payment signing key. The single mutex covers "reserve
// nonce + sign" as one critical section, per spec.md §5's shared-resource model —
// this is the idiomatic-for-the-teacher analogue of chainadapter.Signer
// (_examples/Jason-chen-taiwan-arcSignv2/src/chainadapter/ethereum/signer.go), scoped to exactly one key rather than one
// per wallet.
type Signer struct {
	mu         sync.Mutex
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	nonces     *NoncePool
}

// NewSignerFromHex builds a Signer from a hex-encoded private key (as read from
// PAYMENT_SIGNER_PRIVATE_KEY) and the on-chain nonce to start the reservation queue
// from.
func NewSignerFromHex(privateKeyHex string, chainID *big.Int, startNonce uint64) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	keyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.SignerFailure, "invalid private key hex", err)
	}
	privKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.SignerFailure, "invalid private key", err)
	}
	return &Signer{
		privateKey: privKey,
		address:    crypto.PubkeyToAddress(privKey.PublicKey),
		chainID:    new(big.Int).Set(chainID),
		nonces:     NewNoncePool(startNonce),
	}, nil
}

// Address returns the operator's payment address (tx2's `from`).
func (s *Signer) Address() common.Address { return s.address }

// ReserveAndSign takes the next nonce and signs a forged tx2 in one critical
// section, so no other caller can observe a reserved-but-unsigned nonce.
func (s *Signer) ReserveAndSign(build func(nonce uint64) *types.Transaction) (*types.Transaction, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce := s.nonces.Reserve()
	unsigned := build(nonce)

	signer := types.LatestSignerForChainID(s.chainID)
	signed, err := types.SignTx(unsigned, signer, s.privateKey)
	if err != nil {
		s.nonces.Release(nonce)
		return nil, 0, bundlerr.Wrap(bundlerr.SignerFailure, "failed to sign tx2", err)
	}
	return signed, nonce, nil
}

// Consume marks a reserved nonce as permanently used.
func (s *Signer) Consume(nonce uint64) { s.nonces.Consume(nonce) }

// Release returns a reserved nonce to the pool; see NoncePool.Release.
func (s *Signer) Release(nonce uint64) bool { return s.nonces.Release(nonce) }

// PendingGaps exposes unresolved reservations for filler-transaction repair.
func (s *Signer) PendingGaps() []uint64 { return s.nonces.PendingGaps() }
