package tracker

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priofree/bundler/pkg/bundler"
	"github.com/priofree/bundler/pkg/bundler/ledger"
	"github.com/priofree/bundler/pkg/bundler/oracle"
)

type testLogger struct{}

func (testLogger) Warnw(msg string, kv ...interface{})  {}
func (testLogger) Errorw(msg string, kv ...interface{}) {}

func sentBundle(t *testing.T, l *ledger.SQLiteLedger, expiresIn time.Duration) *bundler.Bundle {
	t.Helper()
	now := time.Now().UTC()
	b := &bundler.Bundle{
		ID:               bundler.NewBundleID(),
		Tx1Raw:           []byte{0x1},
		Tx1Hash:          common.HexToHash("0x01"),
		Tx2Hash:          common.HexToHash("0x02"),
		PaymentAmountWei: big.NewInt(1000),
		TargetBlocks:     []uint64{100},
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(expiresIn),
		ConfigSnapshotID: "snap",
	}
	require.NoError(t, l.ReserveAndInsert(context.Background(), b, big.NewInt(1_000_000)))
	require.NoError(t, l.UpdateForged(context.Background(), b.ID, []byte{0x2}, b.Tx2Hash))
	require.NoError(t, l.Transition(context.Background(), b.ID, bundler.StateQueued, bundler.StateSent, ledger.Patch{}))
	return b
}

func TestTick_ExpiresBundlePastDeadline(t *testing.T) {
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	b := sentBundle(t, l, -time.Minute) // already expired
	oc := oracle.NewMock(big.NewInt(1), 100, big.NewInt(1))

	tr := New(l, oc, testLogger{})
	tr.tick(context.Background())

	v, err := l.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, bundler.StateExpired, v.State)
}

func TestTick_LandsBundleWhenBothReceiptsMatch(t *testing.T) {
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	b := sentBundle(t, l, time.Hour)
	blockHash := common.HexToHash("0xblock")
	oc := oracle.NewMock(big.NewInt(1), 100, big.NewInt(1))
	oc.SetReceipt(b.Tx1Hash, &oracle.Receipt{TxHash: b.Tx1Hash, BlockHash: blockHash, BlockNumber: 100, GasUsed: 21000, Success: true})
	oc.SetReceipt(b.Tx2Hash, &oracle.Receipt{TxHash: b.Tx2Hash, BlockHash: blockHash, BlockNumber: 100, GasUsed: 21000, Success: true})

	tr := New(l, oc, testLogger{})
	tr.tick(context.Background())

	v, err := l.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, bundler.StateLanded, v.State)
	assert.Equal(t, blockHash, v.BlockHash)
	assert.Equal(t, uint64(42000), v.GasUsed)
}

func TestTick_FailsWhenTx2MissingFromTx1Block(t *testing.T) {
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	b := sentBundle(t, l, time.Hour)
	oc := oracle.NewMock(big.NewInt(1), 100, big.NewInt(1))
	oc.SetReceipt(b.Tx1Hash, &oracle.Receipt{TxHash: b.Tx1Hash, BlockHash: common.HexToHash("0xblock"), BlockNumber: 100, Success: true})
	// tx2 never set — receipts map lookup returns nil

	tr := New(l, oc, testLogger{})
	tr.tick(context.Background())

	v, err := l.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, bundler.StateFailed, v.State)
}

func TestTick_LeavesBundleSentWhenNotYetMined(t *testing.T) {
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	b := sentBundle(t, l, time.Hour)
	oc := oracle.NewMock(big.NewInt(1), 100, big.NewInt(1)) // no receipts registered

	tr := New(l, oc, testLogger{})
	tr.tick(context.Background())

	v, err := l.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, bundler.StateSent, v.State)
}

func TestInTargetWindow_AcceptsOneBlockLookback(t *testing.T) {
	assert.True(t, inTargetWindow(99, []uint64{100}))
	assert.True(t, inTargetWindow(100, []uint64{100}))
	assert.False(t, inTargetWindow(98, []uint64{100}))
}
