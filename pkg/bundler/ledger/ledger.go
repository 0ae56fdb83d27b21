// Package ledger implements the persistent store of spec.md §4.4: bundles, relay
// submissions, and per-day spending counters, with the atomic spend accounting and
// per-bundle linearizability spec.md §3 and §5 require. It plays the role the
// teacher's storage.TransactionStateStore interface plays for chainadapter
// (_examples/Jason-chen-taiwan-arcSignv2/src/chainadapter/storage/store.go) — a small interface at the point of use, with
// a concrete backing store behind it.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/priofree/bundler/pkg/bundler"
)

// Ledger is the interface the Pipeline Controller, Dispatcher, and Tracker depend
// on. All operations are linearizable per bundle id (spec.md §5); ReserveAndInsert
// additionally serializes with every other writer for the same UTC date.
type Ledger interface {
	// ReserveAndInsert performs the atomic spend check + bundle insert + daily
	// increment of spec.md §4.1 stage 5, failing DailyCapExceeded with no side
	// effect if the day's cap would be exceeded.
	ReserveAndInsert(ctx context.Context, b *bundler.Bundle, dailyCapWei *big.Int) error

	// UpdateForged records the forged tx2 fields after stage 6.
	UpdateForged(ctx context.Context, id bundler.BundleID, tx2Raw []byte, tx2Hash common.Hash) error

	// Transition moves a bundle from one guarded state to another, applying patch
	// fields atomically with the transition. It fails StateConflict if the
	// bundle's current state does not equal from.
	Transition(ctx context.Context, id bundler.BundleID, from, to bundler.State, patch Patch) error

	// RefundAndTransition decrements the DailySpend row of the bundle's creation
	// date (UTC) by amount, in the same transaction as recording the bundle's
	// transition to failed (spec.md §4.1 stage 7).
	RefundAndTransition(ctx context.Context, id bundler.BundleID, from bundler.State, amount *big.Int) error

	// RecordSubmission appends (or upserts, keyed by bundle+relay) a relay
	// submission outcome.
	RecordSubmission(ctx context.Context, s bundler.RelaySubmission) error

	// Get returns a full projection of a bundle, including its submissions.
	Get(ctx context.Context, id bundler.BundleID) (*bundler.View, error)

	// ListActive returns every bundle in a non-terminal state, for the Tracker.
	ListActive(ctx context.Context) ([]*bundler.Bundle, error)

	// DailySpent returns the cumulative spend of the given UTC date (YYYY-MM-DD),
	// zero if none is recorded, for diagnostics and tests.
	DailySpent(ctx context.Context, date string) (*big.Int, error)

	Close() error
}

// Patch carries the fields a state transition may update alongside the state
// itself (e.g. landed block info), keeping Transition's signature stable as the
// set of patchable fields grows.
type Patch struct {
	BlockHash   *common.Hash
	BlockNumber *uint64
	GasUsed     *uint64
}
