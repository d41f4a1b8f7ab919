package stable

import (
	"math/big"

	ethmath "github.com/ethereum/go-ethereum/common/math"
)

var (
	// precision is the fixed-point scale for internal USD accounting (18 decimals).
	precision = big.NewInt(1_000_000_000_000_000_000)
	// minHealthFactor is the solvency floor: a position at exactly 1e18 is solvent.
	minHealthFactor = big.NewInt(1_000_000_000_000_000_000)
	// feedPrecision is the fixed-point scale of oracle answers (8 decimals).
	feedPrecision = big.NewInt(100_000_000)
	// additionalFeedPrecision rescales an 8-decimal feed answer to 18 decimals.
	additionalFeedPrecision = big.NewInt(10_000_000_000)
	// liquidationBonus is the percentage of extra collateral paid to a liquidator.
	liquidationBonus = big.NewInt(10)
	// liquidationThreshold and liquidationPrecision are exposed through getters
	// for integrators but are not applied by HealthFactor, which returns the raw
	// collateral-to-debt ratio. Downstream consumers rely on the published
	// values, so they stay exported even though the formula ignores them.
	liquidationThreshold = big.NewInt(50)
	liquidationPrecision = big.NewInt(100)

	oneHundred = big.NewInt(100)
)

// HealthFactor returns the ratio of collateral value to debt, scaled by 1e18 and
// truncated toward zero. A position with no debt is infinitely solvent and
// reports the maximum representable 256-bit value.
func HealthFactor(collateralUsd, debt *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Int).Set(ethmath.MaxBig256)
	}
	if collateralUsd == nil {
		return big.NewInt(0)
	}
	factor := new(big.Int).Mul(collateralUsd, precision)
	return factor.Quo(factor, debt)
}

// Healthy reports whether the supplied factor meets the solvency floor.
func Healthy(factor *big.Int) bool {
	return factor != nil && factor.Cmp(minHealthFactor) >= 0
}
