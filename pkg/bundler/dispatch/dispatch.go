// Package dispatch fans a single bundle out to every enabled builder concurrently
// and aggregates their outcomes into the queued -> {sent, failed} decision of
// spec.md §4.6. It promotes golang.org/x/sync/errgroup, already pulled in
// transitively by the teacher's own go.mod, to a direct, exercised dependency —
// the concurrent-fan-out-with-bounded-completion idiom the teacher reaches for
// with raw goroutines and sync.WaitGroup elsewhere (e.g. SubscribeStatus's polling
// goroutines in _examples/Jason-chen-taiwan-arcSignv2/src/chainadapter/ethereum/adapter.go) is a natural fit for
// errgroup.Group here, since every builder call must report its outcome (not just
// its error) for aggregation. It also implements spec.md §5's Backpressure bound on
// concurrent outbound relay calls (see reserve).
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/priofree/bundler/pkg/bundler"
	"github.com/priofree/bundler/pkg/bundler/bundlerr"
	"github.com/priofree/bundler/pkg/bundler/ledger"
	"github.com/priofree/bundler/pkg/bundler/payment"
	"github.com/priofree/bundler/pkg/bundler/relay"
)

// Builder is one enabled relay target: its client and its per-builder payment
// address, since tx2 is forged per builder (spec.md §4.3).
type Builder struct {
	Client         relay.Client
	PaymentAddress common.Address
}

// Outcome is one builder's fully-processed result, folded into the aggregate
// decision after every builder call completes.
type Outcome struct {
	BuilderName string
	Result      relay.Result
	Nonce       uint64
	Tx2Raw      []byte
	Tx2Hash     common.Hash
	HadForge    bool // false if forging itself failed before any relay call was made
}

// Dispatcher concurrently submits a bundle's tx1 plus each builder's forged tx2,
// records every submission in the Ledger, and reports whether the bundle should
// transition to sent or failed. It also bounds the number of outbound relay calls
// in flight at once across every bundle it serves, per spec.md §5's Backpressure
// requirement.
type Dispatcher struct {
	signer *payment.Signer
	led    ledger.Ledger

	maxInflightPerBuilder int
	maxQueue              int

	mu       sync.Mutex
	cond     *sync.Cond
	inflight int
	queued   int
}

// New builds a Dispatcher. maxInflightPerBuilder and maxQueue implement spec.md
// §5's Backpressure bound: at most maxInflightPerBuilder*len(builders) outbound
// relay calls run concurrently across the whole Dispatcher; a Dispatch call beyond
// that capacity queues, and fails Overloaded outright once maxQueue calls are
// already queued rather than queuing indefinitely. A non-positive
// maxInflightPerBuilder disables the bound entirely (used by tests that exercise
// Dispatch in isolation).
func New(signer *payment.Signer, led ledger.Ledger, maxInflightPerBuilder, maxQueue int) *Dispatcher {
	d := &Dispatcher{signer: signer, led: led, maxInflightPerBuilder: maxInflightPerBuilder, maxQueue: maxQueue}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// reserve blocks until n outbound relay-call slots are free, honoring the
// max_inflight_per_builder × builders bound. If the wait would add to an already
// full queue (maxQueue calls already waiting), it fails fast with Overloaded
// instead of queuing further.
func (d *Dispatcher) reserve(n int) (release func(), err error) {
	if d.maxInflightPerBuilder <= 0 {
		return func() {}, nil
	}

	capacity := d.maxInflightPerBuilder * n

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inflight+n > capacity {
		if d.queued >= d.maxQueue {
			return nil, bundlerr.New(bundlerr.Overloaded, "dispatcher queue depth exceeds max_queue")
		}
		d.queued++
		for d.inflight+n > capacity {
			d.cond.Wait()
		}
		d.queued--
	}

	d.inflight += n
	return func() {
		d.mu.Lock()
		d.inflight -= n
		d.cond.Broadcast()
		d.mu.Unlock()
	}, nil
}

// Dispatch forges one tx2 per builder, submits concurrently, records every
// submission, and releases nonces for builders that did not land an acceptance.
// It returns true iff at least one builder accepted (spec.md §4.6).
func (d *Dispatcher) Dispatch(ctx context.Context, b *bundler.Bundle, builders []Builder, forgeReq func(common.Address) payment.ForgeRequest) (accepted bool, err error) {
	release, err := d.reserve(len(builders))
	if err != nil {
		return false, err
	}
	defer release()

	outcomes := make([]Outcome, len(builders))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, builder := range builders {
		i, builder := i, builder
		g.Go(func() error {
			forged, ferr := payment.Forge(d.signer, forgeReq(builder.PaymentAddress))
			if ferr != nil {
				mu.Lock()
				outcomes[i] = Outcome{BuilderName: builder.Client.Name(), HadForge: false}
				mu.Unlock()
				return nil // a single builder's forge failure does not abort the fan-out
			}

			result := builder.Client.SendBundle(gctx, [][]byte{b.Tx1Raw, forged.Raw}, b.TargetBlocks)

			mu.Lock()
			outcomes[i] = Outcome{
				BuilderName: builder.Client.Name(),
				Result:      result,
				Nonce:       forged.Nonce,
				Tx2Raw:      forged.Raw,
				Tx2Hash:     forged.Hash,
				HadForge:    true,
			}
			mu.Unlock()

			_ = d.led.RecordSubmission(ctx, bundler.RelaySubmission{
				BundleID:     b.ID,
				RelayName:    builder.Client.Name(),
				SubmittedAt:  time.Now().UTC(),
				Status:       submissionStatus(result.Outcome),
				ResponseData: result.ResponseData,
			})

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	var acceptedTx2 *Outcome
	for i, o := range outcomes {
		if o.HadForge && o.Result.Outcome == relay.OutcomeAccepted {
			accepted = true
			if acceptedTx2 == nil {
				acceptedTx2 = &outcomes[i]
			}
		}
	}

	for _, o := range outcomes {
		if !o.HadForge {
			continue
		}
		if o.Result.Outcome != relay.OutcomeAccepted {
			d.signer.Release(o.Nonce)
		} else {
			d.signer.Consume(o.Nonce)
		}
	}

	// Persist the tx2 of whichever builder accepted so Tracker.reconcileOne has a
	// real hash to poll for a receipt with; without this the bundle would sit at a
	// permanently NULL tx2_hash and never reconcile to landed (spec.md §4.1 stage 6,
	// §8 invariant 4/5).
	if acceptedTx2 != nil {
		if err := d.led.UpdateForged(ctx, b.ID, acceptedTx2.Tx2Raw, acceptedTx2.Tx2Hash); err != nil {
			return false, err
		}
	}

	return accepted, nil
}

func submissionStatus(o relay.Outcome) bundler.SubmissionStatus {
	switch o {
	case relay.OutcomeAccepted:
		return bundler.SubmissionAccepted
	case relay.OutcomeRejected:
		return bundler.SubmissionRejected
	default:
		return bundler.SubmissionError
	}
}
