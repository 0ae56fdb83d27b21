package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMock_QueueReturnsInOrder(t *testing.T) {
	m := NewMock("flashbots", Result{})
	m.Queue(Result{Outcome: OutcomeRejected}, Result{Outcome: OutcomeAccepted})

	r1 := m.SendBundle(context.Background(), nil, []uint64{100})
	r2 := m.SendBundle(context.Background(), nil, []uint64{100})
	r3 := m.SendBundle(context.Background(), nil, []uint64{100})

	assert.Equal(t, OutcomeRejected, r1.Outcome)
	assert.Equal(t, OutcomeAccepted, r2.Outcome)
	assert.Equal(t, OutcomeAccepted, r3.Outcome, "last queued result repeats once exhausted")
	assert.Equal(t, 3, m.CallCount())
}
