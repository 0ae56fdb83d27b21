package dispatch

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priofree/bundler/pkg/bundler"
	"github.com/priofree/bundler/pkg/bundler/bundlerr"
	"github.com/priofree/bundler/pkg/bundler/ledger"
	"github.com/priofree/bundler/pkg/bundler/payment"
	"github.com/priofree/bundler/pkg/bundler/relay"
)

const testPrivKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func ledgerForTest(t *testing.T) *ledger.SQLiteLedger {
	t.Helper()
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	return l
}

func newTestSigner(t *testing.T) *payment.Signer {
	t.Helper()
	s, err := payment.NewSignerFromHex(testPrivKeyHex, big.NewInt(1), 0)
	require.NoError(t, err)
	return s
}

func newTestLedgerBundle(t *testing.T, l ledger.Ledger) *bundler.Bundle {
	t.Helper()
	now := time.Now().UTC()
	b := &bundler.Bundle{
		ID:               bundler.NewBundleID(),
		Tx1Raw:           []byte{0x01},
		Tx1Hash:          common.HexToHash("0x01"),
		PaymentAmountWei: big.NewInt(1000),
		TargetBlocks:     []uint64{100},
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(time.Minute),
		ConfigSnapshotID: "snap",
	}
	require.NoError(t, l.ReserveAndInsert(context.Background(), b, big.NewInt(1_000_000)))
	return b
}

func forgeReqFor(b *bundler.Bundle) func(common.Address) payment.ForgeRequest {
	return func(addr common.Address) payment.ForgeRequest {
		return payment.ForgeRequest{
			PaymentAddress: addr,
			AmountWei:      b.PaymentAmountWei,
			ChainID:        big.NewInt(1),
			BaseFee:        big.NewInt(30_000_000_000),
			Tip:            big.NewInt(1_000_000_000),
		}
	}
}

func TestDispatch_OneAcceptanceIsEnoughToAccept(t *testing.T) {
	l := ledgerForTest(t)
	defer l.Close()
	signer := newTestSigner(t)
	b := newTestLedgerBundle(t, l)

	builders := []Builder{
		{Client: relay.NewMock("flashbots", relay.Result{Outcome: relay.OutcomeRejected}), PaymentAddress: common.HexToAddress("0xaa")},
		{Client: relay.NewMock("titan", relay.Result{Outcome: relay.OutcomeAccepted}), PaymentAddress: common.HexToAddress("0xbb")},
	}

	d := New(signer, l, 0, 0)
	accepted, err := d.Dispatch(context.Background(), b, builders, forgeReqFor(b))
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestDispatch_AllRejectedFails(t *testing.T) {
	l := ledgerForTest(t)
	defer l.Close()
	signer := newTestSigner(t)
	b := newTestLedgerBundle(t, l)

	builders := []Builder{
		{Client: relay.NewMock("flashbots", relay.Result{Outcome: relay.OutcomeRejected}), PaymentAddress: common.HexToAddress("0xaa")},
		{Client: relay.NewMock("titan", relay.Result{Outcome: relay.OutcomeError}), PaymentAddress: common.HexToAddress("0xbb")},
	}

	d := New(signer, l, 0, 0)
	accepted, err := d.Dispatch(context.Background(), b, builders, forgeReqFor(b))
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestDispatch_RecordsOneSubmissionPerBuilder(t *testing.T) {
	l := ledgerForTest(t)
	defer l.Close()
	signer := newTestSigner(t)
	b := newTestLedgerBundle(t, l)

	builders := []Builder{
		{Client: relay.NewMock("flashbots", relay.Result{Outcome: relay.OutcomeAccepted}), PaymentAddress: common.HexToAddress("0xaa")},
		{Client: relay.NewMock("titan", relay.Result{Outcome: relay.OutcomeRejected}), PaymentAddress: common.HexToAddress("0xbb")},
	}

	d := New(signer, l, 0, 0)
	_, err := d.Dispatch(context.Background(), b, builders, forgeReqFor(b))
	require.NoError(t, err)

	v, err := l.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Len(t, v.Submissions, 2)
}

func TestDispatch_ReleasesNonceForRejectedBuilder(t *testing.T) {
	l := ledgerForTest(t)
	defer l.Close()
	signer := newTestSigner(t)
	b := newTestLedgerBundle(t, l)

	builders := []Builder{
		{Client: relay.NewMock("flashbots", relay.Result{Outcome: relay.OutcomeAccepted}), PaymentAddress: common.HexToAddress("0xaa")},
		{Client: relay.NewMock("titan", relay.Result{Outcome: relay.OutcomeRejected}), PaymentAddress: common.HexToAddress("0xbb")},
	}

	d := New(signer, l, 0, 0)
	_, err := d.Dispatch(context.Background(), b, builders, forgeReqFor(b))
	require.NoError(t, err)
	assert.Empty(t, signer.PendingGaps(), "every reserved nonce should resolve to either consumed or released by the time Dispatch returns")

	// One of the two reserved nonces (0, 1) was consumed, the other released back
	// to the pool — the pool's next reservation must reuse the released slot
	// rather than skip ahead to 2, regardless of which builder's goroutine
	// reserved first.
	next, err := payment.Forge(signer, forgeReqFor(b)(common.HexToAddress("0xcc")))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Nonce)
}

// TestDispatch_QueueOverflowFailsOverloaded exercises spec.md §5's Backpressure
// bound: with a single in-flight slot already held and no queue capacity, a second
// Dispatch call must fail Overloaded immediately rather than block.
func TestDispatch_QueueOverflowFailsOverloaded(t *testing.T) {
	l := ledgerForTest(t)
	defer l.Close()
	signer := newTestSigner(t)

	d := New(signer, l, 1, 0) // capacity = 1 inflight per builder * 1 builder, no queue

	slowBuilder := func() []Builder {
		return []Builder{
			{Client: relay.NewMock("flashbots", relay.Result{Outcome: relay.OutcomeAccepted}).WithDelay(80 * time.Millisecond), PaymentAddress: common.HexToAddress("0xaa")},
		}
	}

	b1 := newTestLedgerBundle(t, l)
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		_, _ = d.Dispatch(context.Background(), b1, slowBuilder(), forgeReqFor(b1))
		close(done)
	}()
	<-started
	time.Sleep(10 * time.Millisecond) // let the first call's reserve() claim the only slot

	b2 := newTestLedgerBundle(t, l)
	_, err := d.Dispatch(context.Background(), b2, slowBuilder(), forgeReqFor(b2))
	require.Error(t, err)
	assert.True(t, bundlerr.Is(err, bundlerr.Overloaded))

	<-done
}

// TestDispatch_QueuedCallProceedsOnceSlotFrees confirms a call within max_queue
// blocks for a free slot instead of failing, and completes once one opens up.
func TestDispatch_QueuedCallProceedsOnceSlotFrees(t *testing.T) {
	l := ledgerForTest(t)
	defer l.Close()
	signer := newTestSigner(t)

	d := New(signer, l, 1, 1) // capacity = 1, one call may queue

	slowBuilder := func() []Builder {
		return []Builder{
			{Client: relay.NewMock("flashbots", relay.Result{Outcome: relay.OutcomeAccepted}).WithDelay(60 * time.Millisecond), PaymentAddress: common.HexToAddress("0xaa")},
		}
	}

	b1 := newTestLedgerBundle(t, l)
	var wg sync.WaitGroup
	wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer wg.Done()
		close(started)
		accepted, err := d.Dispatch(context.Background(), b1, slowBuilder(), forgeReqFor(b1))
		assert.NoError(t, err)
		assert.True(t, accepted)
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	b2 := newTestLedgerBundle(t, l)
	start := time.Now()
	accepted, err := d.Dispatch(context.Background(), b2, slowBuilder(), forgeReqFor(b2))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "queued call must have waited for the first call's slot to free")

	wg.Wait()
}
