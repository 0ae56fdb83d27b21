// Package simulator defines the Simulator capability of spec.md §4.8: a pluggable
// producer of {gas_used, success, revert_reason?} for tx1 against the latest state.
// It follows the same "tagged variant behind an interface" shape the teacher uses
// for ChainAdapter implementations — Stub here plays the role EthereumAdapter plays
// there, with an Rpc variant as the production-grade alternative.
package simulator

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"
)

// Result is the outcome shape of spec.md §4.8. The Pipeline Controller must not
// assume any richer semantics than these three fields.
type Result struct {
	GasUsed      uint64
	Success      bool
	RevertReason string // empty unless Success is false
}

// Simulator is the capability parameter on the Pipeline Controller.
type Simulator interface {
	Simulate(ctx context.Context, tx *types.Transaction) (*Result, error)
}

// Stub is the default implementation: it returns the transaction's own gas limit
// as gas_used and always reports success, per spec.md §4.8.
type Stub struct{}

func NewStub() *Stub { return &Stub{} }

func (Stub) Simulate(ctx context.Context, tx *types.Transaction) (*Result, error) {
	return &Result{GasUsed: tx.Gas(), Success: true}, nil
}
