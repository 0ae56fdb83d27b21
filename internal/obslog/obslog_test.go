package obslog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_BuildsAUsableLogger(t *testing.T) {
	log, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, log)

	log.Infow("test message", "bundle_id", "abc")
	log.Warnw("test warning")
	log.Errorw("test error")
	log.Sync()
}

func TestWith_ReturnsAnIndependentChildLogger(t *testing.T) {
	base := NewNop()
	child := base.With("bundle_id", "abc")
	assert.NotSame(t, base, child)

	child.Infow("still works")
}
