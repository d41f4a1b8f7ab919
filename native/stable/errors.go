package stable

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrZeroAmount indicates a mutating call was made with a non-positive amount.
	ErrZeroAmount = errors.New("stable engine: amount must be positive")
	// ErrTokenNotAllowed indicates the asset is not part of the supported set.
	ErrTokenNotAllowed = errors.New("stable engine: collateral token not allowed")
	// ErrTokenFeedMismatch indicates the token and feed lists differ in length.
	ErrTokenFeedMismatch = errors.New("stable engine: token and price feed lists must have equal length")
	// ErrFeedNotConfigured indicates no price feed was registered for the asset.
	ErrFeedNotConfigured = errors.New("stable engine: price feed not configured")
	// ErrStalePrice indicates the feed answer exceeded the staleness timeout.
	ErrStalePrice = errors.New("stable engine: oracle price stale")
	// ErrInvalidPrice indicates a conversion that requires a positive price
	// observed a zero or negative answer.
	ErrInvalidPrice = errors.New("stable engine: oracle price not positive")
	// ErrTransferFailed indicates the collateral token service reported failure.
	ErrTransferFailed = errors.New("stable engine: collateral transfer failed")
	// ErrMintFailed indicates the pegged token service refused the mint.
	ErrMintFailed = errors.New("stable engine: stable token mint failed")
	// ErrBurnFailed indicates the pegged token service refused the burn.
	ErrBurnFailed = errors.New("stable engine: stable token burn failed")
	// ErrInsufficientCollateral indicates a position decrement beyond balance.
	ErrInsufficientCollateral = errors.New("stable engine: insufficient collateral")
	// ErrInsufficientDebt indicates a debt decrement beyond the minted amount.
	ErrInsufficientDebt = errors.New("stable engine: burn exceeds outstanding debt")
	// ErrHealthFactorBroken indicates a position fell below the minimum health factor.
	ErrHealthFactorBroken = errors.New("stable engine: health factor below minimum")
	// ErrHealthFactorOK indicates a liquidation target is still healthy.
	ErrHealthFactorOK = errors.New("stable engine: health factor above minimum")
	// ErrHealthFactorNotImproved indicates a liquidation failed to raise the
	// debtor's health factor.
	ErrHealthFactorNotImproved = errors.New("stable engine: liquidation did not improve health factor")
	// ErrReentrantCall indicates a mutating call arrived while another was in flight.
	ErrReentrantCall = errors.New("stable engine: reentrant call")
)

// HealthFactorError reports the factor that caused a solvency check to fail.
// errors.Is matches it against ErrHealthFactorBroken.
type HealthFactorError struct {
	Factor *big.Int
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("stable engine: health factor %s below minimum", e.Factor)
}

func (e *HealthFactorError) Is(target error) bool {
	return target == ErrHealthFactorBroken
}
