// Package tracker implements the background reconciliation loop of spec.md §4.7:
// advancing bundles from sent to landed/expired by polling the Chain Oracle. The
// ticker-plus-ctx.Done select loop is the teacher's own idiom for background
// polling (EthereumAdapter.SubscribeStatus, _examples/Jason-chen-taiwan-arcSignv2/src/chainadapter/ethereum/adapter.go),
// narrowed here to a fixed interval since the Tracker has no per-subscriber
// backoff state to track — its failure mode is "retry next tick", not "escalate a
// single subscription's backoff".
package tracker

import (
	"context"
	"time"

	"github.com/priofree/bundler/pkg/bundler"
	"github.com/priofree/bundler/pkg/bundler/ledger"
	"github.com/priofree/bundler/pkg/bundler/oracle"
)

// DefaultInterval is T_track from spec.md §4.7.
const DefaultInterval = 3 * time.Second

// Logger is the minimal surface the Tracker needs from internal/obslog, kept as an
// interface here so this package does not import zap directly.
type Logger interface {
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// Tracker reconciles every bundle in state sent once per tick; queued bundles are
// skipped.
type Tracker struct {
	led      ledger.Ledger
	oracle   oracle.ChainOracle
	log      Logger
	interval time.Duration
}

func New(led ledger.Ledger, oc oracle.ChainOracle, log Logger) *Tracker {
	return &Tracker{led: led, oracle: oc, log: log, interval: DefaultInterval}
}

// WithInterval overrides the default tick interval (tests use a short interval to
// avoid sleeping the full production default).
func (t *Tracker) WithInterval(d time.Duration) *Tracker {
	t.interval = d
	return t
}

// Run blocks until ctx is cancelled, ticking every t.interval. It never returns an
// error: every failure is logged and retried on the next tick, since the Tracker
// never writes outside guarded Ledger transitions and is therefore safe to restart
// from persisted state at any point (spec.md §4.7).
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Tracker) tick(ctx context.Context) {
	active, err := t.led.ListActive(ctx)
	if err != nil {
		t.log.Errorw("tracker: failed to list active bundles", "error", err)
		return
	}

	for _, b := range active {
		if b.State != bundler.StateSent {
			continue
		}
		if err := t.reconcileOne(ctx, b); err != nil {
			t.log.Warnw("tracker: failed to reconcile bundle", "bundle_id", b.ID, "error", err)
		}
	}
}

func (t *Tracker) reconcileOne(ctx context.Context, b *bundler.Bundle) error {
	if time.Now().After(b.ExpiresAt) {
		return t.led.Transition(ctx, b.ID, bundler.StateSent, bundler.StateExpired, ledger.Patch{})
	}

	tx1Receipt, err := t.oracle.TransactionReceipt(ctx, b.Tx1Hash)
	if err != nil {
		return err
	}
	if tx1Receipt == nil || !tx1Receipt.Success || !inTargetWindow(tx1Receipt.BlockNumber, b.TargetBlocks) {
		return nil
	}

	tx2Receipt, err := t.oracle.TransactionReceipt(ctx, b.Tx2Hash)
	if err != nil {
		return err
	}
	if tx2Receipt == nil || tx2Receipt.BlockHash != tx1Receipt.BlockHash {
		// tx1 landed but tx2 did not land in the same block: failed_inconsistent
		// per spec.md §4.7, folded into failed with no refund since spend was
		// already committed at reservation time.
		return t.led.Transition(ctx, b.ID, bundler.StateSent, bundler.StateFailed, ledger.Patch{})
	}

	blockHash := tx1Receipt.BlockHash
	blockNumber := tx1Receipt.BlockNumber
	gasUsed := tx1Receipt.GasUsed + tx2Receipt.GasUsed
	return t.led.Transition(ctx, b.ID, bundler.StateSent, bundler.StateLanded, ledger.Patch{
		BlockHash:   &blockHash,
		BlockNumber: &blockNumber,
		GasUsed:     &gasUsed,
	})
}

// inTargetWindow reports whether blockNumber is one of the bundle's target blocks
// or within a one-block lookback of them, per spec.md §3 invariant 4's "target_blocks
// ∪ neighboring lookback window".
func inTargetWindow(blockNumber uint64, targetBlocks []uint64) bool {
	for _, tb := range targetBlocks {
		if blockNumber == tb || blockNumber+1 == tb {
			return true
		}
	}
	return false
}
