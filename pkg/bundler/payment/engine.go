// Package payment implements the Payment Engine: computing the builder payment
// amount from spec.md §4.2's formula table, and forging + signing the per-builder
// companion transaction (tx2) per spec.md §4.3. It is the sole owner of the
// operator's payment signing key material, mirroring the teacher's chainadapter.Signer
// ownership boundary (_examples/Jason-chen-taiwan-arcSignv2/src/chainadapter/ethereum/signer.go): nothing outside this
// package ever touches the private key.
package payment

import (
	"math/big"

	"github.com/priofree/bundler/pkg/bundler/bundlerr"
)

// Formula selects the amount computation of spec.md §4.2.
type Formula string

const (
	FormulaFlat    Formula = "flat"
	FormulaGas     Formula = "gas"
	FormulaBaseFee Formula = "basefee"
)

// fixedPointScale is the 18-decimal fixed-point scale k1 is expressed in.
var fixedPointScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Params bundles the formula inputs of spec.md §4.2, all already in wei / 18-decimal
// fixed point as configured.
type Params struct {
	Formula Formula
	K1      *big.Int // fixed-point, scale 1e18
	K2      *big.Int // wei
	Tip     *big.Int // wei
	GasUsed uint64
	BaseFee *big.Int
}

// Caps bounds the computed amount per spec.md §4.2: caller max, operator max, and
// the per-bundle cap, clamped to the minimum of the three — except the caller's max,
// which must not be silently clamped: exceeding only the caller's bound is a hard
// failure (PaymentCapExceeded), exceeding only the operator-side caps clamps.
type Caps struct {
	CallerMaxWei   *big.Int // may be nil: caller did not set a cap
	OperatorMaxWei *big.Int // config.payment.max_amount_wei
	PerBundleCap   *big.Int // config.limits.per_bundle_cap_wei
}

// Compute evaluates the configured formula and applies the clamp/fail rule of
// spec.md §4.2. All arithmetic is in 256-bit unsigned integers (big.Int here always
// holds a non-negative value); rounding is toward zero, which is big.Int.Div's
// default behavior for non-negative operands.
func Compute(p Params, caps Caps) (*big.Int, error) {
	if p.K1 == nil || p.K2 == nil {
		return nil, bundlerr.New(bundlerr.Internal, "payment params missing k1/k2")
	}

	var unclamped *big.Int
	switch p.Formula {
	case FormulaFlat:
		unclamped = new(big.Int).Set(p.K2)

	case FormulaGas:
		gas, err := mulK1(p.K1, p.GasUsed)
		if err != nil {
			return nil, err
		}
		unclamped = new(big.Int).Add(gas, p.K2)

	case FormulaBaseFee:
		if p.BaseFee == nil || p.Tip == nil {
			return nil, bundlerr.New(bundlerr.Internal, "basefee formula requires base_fee and tip")
		}
		perGas := new(big.Int).Add(p.BaseFee, p.Tip)
		gasCost := new(big.Int).Mul(perGas, new(big.Int).SetUint64(p.GasUsed))
		scaled, err := mulK1Big(p.K1, gasCost)
		if err != nil {
			return nil, err
		}
		unclamped = new(big.Int).Add(scaled, p.K2)

	default:
		return nil, bundlerr.New(bundlerr.Internal, "unknown payment formula")
	}

	if unclamped.Sign() < 0 {
		return nil, bundlerr.New(bundlerr.Internal, "computed payment amount is negative")
	}

	if caps.CallerMaxWei != nil && unclamped.Cmp(caps.CallerMaxWei) > 0 {
		return nil, bundlerr.New(bundlerr.PaymentCapExceeded, "computed amount exceeds caller's maxAmountWei")
	}

	amount := new(big.Int).Set(unclamped)
	for _, cap := range []*big.Int{caps.OperatorMaxWei, caps.PerBundleCap} {
		if cap != nil && amount.Cmp(cap) > 0 {
			amount = new(big.Int).Set(cap)
		}
	}

	return amount, nil
}

// mulK1 computes round(k1 * gasUsed) with k1 at 1e18 fixed-point scale, detecting
// overflow-adjacent results the way spec.md §8's boundary test requires (parameters
// near 2^256 must fail Internal rather than silently wrap).
func mulK1(k1 *big.Int, gasUsed uint64) (*big.Int, error) {
	return mulK1Big(k1, new(big.Int).SetUint64(gasUsed))
}

func mulK1Big(k1 *big.Int, x *big.Int) (*big.Int, error) {
	product := new(big.Int).Mul(k1, x)
	result := new(big.Int).Div(product, fixedPointScale)
	if result.BitLen() > 256 {
		return nil, bundlerr.New(bundlerr.Internal, "payment amount computation overflowed 256 bits")
	}
	return result, nil
}
