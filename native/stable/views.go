package stable

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// The read-only surface never mutates state and fails only when a valuation
// depends on a stale price.

// GetUsdValue returns the 18-decimal USD value of the asset quantity.
func (e *Engine) GetUsdValue(asset common.Address, amount *big.Int) (*big.Int, error) {
	return e.oracle.ValueOf(asset, amount)
}

// GetTokenAmountFromUsd returns the asset quantity equivalent to the supplied
// 18-decimal USD value.
func (e *Engine) GetTokenAmountFromUsd(asset common.Address, usdValue *big.Int) (*big.Int, error) {
	return e.oracle.AmountFor(asset, usdValue)
}

// GetAccountInformation reports the user's total collateral value and debt.
func (e *Engine) GetAccountInformation(user common.Address) (AccountInformation, error) {
	collateralValue, err := e.totalCollateralValue(user)
	if err != nil {
		return AccountInformation{}, err
	}
	return AccountInformation{
		CollateralValueUsd: collateralValue,
		Debt:               e.ledger.Debt(user),
	}, nil
}

// GetHealthFactor reports the user's current health factor.
func (e *Engine) GetHealthFactor(user common.Address) (*big.Int, error) {
	return e.healthFactor(user)
}

// CalculateHealthFactor is the pure ratio calculation, exposed for callers
// that already hold a valuation.
func (e *Engine) CalculateHealthFactor(collateralUsd, debt *big.Int) *big.Int {
	return HealthFactor(collateralUsd, debt)
}

// CollateralBalanceOf reports the deposited amount for (user, asset).
func (e *Engine) CollateralBalanceOf(user, asset common.Address) *big.Int {
	return e.ledger.Collateral(user, asset)
}

// DebtOf reports the user's minted debt.
func (e *Engine) DebtOf(user common.Address) *big.Int {
	return e.ledger.Debt(user)
}

// CollateralTokens returns the supported assets in registration order.
func (e *Engine) CollateralTokens() []common.Address {
	tokens := make([]common.Address, 0, len(e.assets))
	for _, asset := range e.assets {
		tokens = append(tokens, asset.Token)
	}
	return tokens
}

// IsSupported reports whether the asset belongs to the supported set.
func (e *Engine) IsSupported(asset common.Address) bool {
	_, ok := e.supported[asset]
	return ok
}

// StalenessTimeout returns the maximum tolerated price age.
func (e *Engine) StalenessTimeout() time.Duration { return e.oracle.MaxAge() }

// MinHealthFactor returns the solvency floor (1e18).
func (e *Engine) MinHealthFactor() *big.Int { return new(big.Int).Set(minHealthFactor) }

// Precision returns the internal 18-decimal fixed-point scale.
func (e *Engine) Precision() *big.Int { return new(big.Int).Set(precision) }

// FeedPrecision returns the oracle answer scale (1e8).
func (e *Engine) FeedPrecision() *big.Int { return new(big.Int).Set(feedPrecision) }

// AdditionalFeedPrecision returns the 8dp-to-18dp rescale factor (1e10).
func (e *Engine) AdditionalFeedPrecision() *big.Int {
	return new(big.Int).Set(additionalFeedPrecision)
}

// LiquidationBonus returns the liquidator bonus percentage (10).
func (e *Engine) LiquidationBonus() *big.Int { return new(big.Int).Set(liquidationBonus) }

// LiquidationThreshold and LiquidationPrecision are published for integrators.
// The health factor formula does not apply them; see HealthFactor.
func (e *Engine) LiquidationThreshold() *big.Int { return new(big.Int).Set(liquidationThreshold) }

// LiquidationPrecision returns the denominator paired with the threshold.
func (e *Engine) LiquidationPrecision() *big.Int { return new(big.Int).Set(liquidationPrecision) }
