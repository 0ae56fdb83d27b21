// Package oracle defines the Chain Oracle capability: the narrow slice of on-chain
// read access the pipeline needs (latest block/base fee, chain id, receipt lookup).
// It mirrors the teacher's RPCClient/RPCHealthTracker split (_examples/Jason-chen-taiwan-arcSignv2/src/chainadapter/rpc) —
// a small interface at the point of use, with a concrete client (EthClientOracle)
// that talks to a single endpoint and does not fail over.
package oracle

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Receipt is the subset of an on-chain transaction receipt the Tracker needs to
// confirm same-block inclusion (spec.md §4.7).
type Receipt struct {
	TxHash      common.Hash
	BlockHash   common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// ChainOracle is the capability the Pipeline Controller and Tracker depend on.
// Implementations MUST be safe for concurrent use; the Tracker calls this from its
// own goroutine while the Pipeline Controller calls it from request goroutines.
type ChainOracle interface {
	// ChainID returns the configured network's chain id.
	ChainID(ctx context.Context) (*big.Int, error)

	// BlockNumber returns the latest known block number.
	BlockNumber(ctx context.Context) (uint64, error)

	// BaseFee returns the latest block's base fee per gas.
	BaseFee(ctx context.Context) (*big.Int, error)

	// TransactionReceipt looks up a receipt by hash. It returns (nil, nil) when
	// the transaction is not yet mined, reserving the error return for actual
	// oracle failures (spec.md §7: Tracker errors are logged and retried, never
	// surfaced as a semantic atomicity violation).
	TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}
