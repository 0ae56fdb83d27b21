package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyJitter_WithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := applyJitter(base)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestBlockHex_Encoding(t *testing.T) {
	assert.Equal(t, "0x64", blockHex(100))
	assert.Equal(t, "0x0", blockHex(0))
}

func TestToHexTxs_PrefixesEachEntry(t *testing.T) {
	out := toHexTxs([][]byte{{0xde, 0xad}, {0xbe, 0xef}})
	assert.Equal(t, []string{"0xdead", "0xbeef"}, out)
}

func TestRejectCodes_OnlySpecifiedCodesClassifyAsReject(t *testing.T) {
	assert.True(t, rejectCodes[-32000])
	assert.True(t, rejectCodes[-32602])
	assert.False(t, rejectCodes[-32601])
}
