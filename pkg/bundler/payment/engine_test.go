package payment

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scaled(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), fixedPointScale)
}

func TestCompute_Flat(t *testing.T) {
	amount, err := Compute(Params{
		Formula: FormulaFlat,
		K1:      big.NewInt(0),
		K2:      big.NewInt(200_000_000_000_000),
	}, Caps{PerBundleCap: big.NewInt(1_000_000_000_000_000_000)})

	require.NoError(t, err)
	assert.Equal(t, big.NewInt(200_000_000_000_000), amount)
}

func TestCompute_Gas(t *testing.T) {
	// k1 = 0.5 (fixed point), gas_used = 100_000, k2 = 1000
	amount, err := Compute(Params{
		Formula: FormulaGas,
		K1:      new(big.Int).Div(fixedPointScale, big.NewInt(2)),
		K2:      big.NewInt(1000),
		GasUsed: 100_000,
	}, Caps{})

	require.NoError(t, err)
	assert.Equal(t, big.NewInt(51_000), amount)
}

func TestCompute_BaseFee(t *testing.T) {
	amount, err := Compute(Params{
		Formula: FormulaBaseFee,
		K1:      fixedPointScale, // k1 = 1
		K2:      big.NewInt(0),
		Tip:     big.NewInt(1_000_000_000),
		GasUsed: 21_000,
		BaseFee: big.NewInt(30_000_000_000),
	}, Caps{})

	require.NoError(t, err)
	expected := new(big.Int).Mul(big.NewInt(21_000), big.NewInt(31_000_000_000))
	assert.Equal(t, expected, amount)
}

func TestCompute_CallerCapExceeded(t *testing.T) {
	_, err := Compute(Params{
		Formula: FormulaFlat,
		K1:      big.NewInt(0),
		K2:      big.NewInt(200_000_000_000_000),
	}, Caps{CallerMaxWei: big.NewInt(100)})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "PaymentCapExceeded")
}

func TestCompute_OperatorCapClampsWithoutFailure(t *testing.T) {
	amount, err := Compute(Params{
		Formula: FormulaFlat,
		K1:      big.NewInt(0),
		K2:      big.NewInt(200_000_000_000_000),
	}, Caps{OperatorMaxWei: big.NewInt(50_000_000_000_000)})

	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50_000_000_000_000), amount)
}

func TestCompute_OverflowRejectedAsInternal(t *testing.T) {
	hugeK1 := new(big.Int).Lsh(big.NewInt(1), 255)
	_, err := Compute(Params{
		Formula: FormulaGas,
		K1:      hugeK1,
		K2:      big.NewInt(0),
		GasUsed: ^uint64(0),
	}, Caps{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Internal")
}

func TestCompute_Deterministic(t *testing.T) {
	p := Params{
		Formula: FormulaBaseFee,
		K1:      scaled(2),
		K2:      big.NewInt(500),
		Tip:     big.NewInt(1_000_000_000),
		GasUsed: 50_000,
		BaseFee: big.NewInt(20_000_000_000),
	}
	a1, err1 := Compute(p, Caps{})
	a2, err2 := Compute(p, Caps{})
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, a1, a2)
}

func TestNoncePool_ReserveReleaseInOrder(t *testing.T) {
	pool := NewNoncePool(5)
	n1 := pool.Reserve()
	n2 := pool.Reserve()
	assert.Equal(t, uint64(5), n1)
	assert.Equal(t, uint64(6), n2)

	inOrder := pool.Release(n2)
	assert.True(t, inOrder)

	n3 := pool.Reserve()
	assert.Equal(t, uint64(6), n3, "released nonce should be reusable")
}

func TestNoncePool_ConsumePreventsGapRepeat(t *testing.T) {
	pool := NewNoncePool(0)
	n := pool.Reserve()
	pool.Consume(n)
	assert.Empty(t, pool.PendingGaps())
}

func TestNoncePool_OutOfOrderReleaseLeavesGap(t *testing.T) {
	pool := NewNoncePool(0)
	n1 := pool.Reserve()
	n2 := pool.Reserve()
	_ = n2

	inOrder := pool.Release(n1) // releasing the older reservation while n2 is still open
	assert.False(t, inOrder)
	assert.Contains(t, pool.PendingGaps(), n1)
}
