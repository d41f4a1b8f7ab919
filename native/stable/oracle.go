package stable

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// stalenessTimeout is the maximum tolerated age of a price answer. A feed that
// has not updated within this window halts every valuation-dependent operation
// for its asset until fresh data arrives.
const stalenessTimeout = 3 * time.Hour

// RoundData mirrors the answer shape of an aggregator-style price feed. Answer
// is a signed 8-decimal fixed-point price.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound *big.Int
}

// PriceFeed resolves the latest price observation for a single asset.
type PriceFeed interface {
	LatestRoundData() (RoundData, error)
}

// FeedAdapter wraps the per-asset price feeds and converts between asset
// quantities and 18-decimal USD values, enforcing the staleness bound on every
// read. Prices are read fresh on each call and never cached.
type FeedAdapter struct {
	feeds  map[common.Address]PriceFeed
	maxAge time.Duration
	now    func() time.Time
}

// NewFeedAdapter constructs an adapter with the default staleness timeout.
func NewFeedAdapter() *FeedAdapter {
	return &FeedAdapter{
		feeds:  make(map[common.Address]PriceFeed),
		maxAge: stalenessTimeout,
		now:    time.Now,
	}
}

// Register wires the price feed used to value the supplied asset.
func (a *FeedAdapter) Register(asset common.Address, feed PriceFeed) {
	if a == nil || feed == nil {
		return
	}
	a.feeds[asset] = feed
}

// SetClock overrides the time source used for staleness checks.
func (a *FeedAdapter) SetClock(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.now = now
}

// MaxAge returns the staleness timeout enforced by the adapter.
func (a *FeedAdapter) MaxAge() time.Duration {
	if a == nil {
		return 0
	}
	return a.maxAge
}

// freshAnswer reads the latest round for the asset and rejects answers older
// than the staleness window. The answer is returned unscaled (8 decimals).
func (a *FeedAdapter) freshAnswer(asset common.Address) (*big.Int, error) {
	feed, ok := a.feeds[asset]
	if !ok {
		return nil, ErrFeedNotConfigured
	}
	round, err := feed.LatestRoundData()
	if err != nil {
		return nil, fmt.Errorf("stable engine: read price feed: %w", err)
	}
	if round.UpdatedAt.IsZero() {
		return nil, ErrStalePrice
	}
	if age := a.now().Sub(round.UpdatedAt); age > a.maxAge {
		return nil, ErrStalePrice
	}
	if round.Answer == nil {
		return big.NewInt(0), nil
	}
	return round.Answer, nil
}

// ValueOf converts an 18-decimal asset quantity into its 18-decimal USD value.
// Non-positive answers value to zero. Division truncates toward zero so the
// reported value never overstates solvency.
func (a *FeedAdapter) ValueOf(asset common.Address, amount *big.Int) (*big.Int, error) {
	answer, err := a.freshAnswer(asset)
	if err != nil {
		return nil, err
	}
	if answer.Sign() <= 0 || amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	value := new(big.Int).Mul(answer, additionalFeedPrecision)
	value.Mul(value, amount)
	return value.Quo(value, precision), nil
}

// AmountFor converts an 18-decimal USD value into the equivalent asset
// quantity at the current price, truncating toward zero. A non-positive price
// cannot be inverted and fails with ErrInvalidPrice.
func (a *FeedAdapter) AmountFor(asset common.Address, usdValue *big.Int) (*big.Int, error) {
	answer, err := a.freshAnswer(asset)
	if err != nil {
		return nil, err
	}
	if answer.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if usdValue == nil || usdValue.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int).Mul(usdValue, precision)
	scaled := new(big.Int).Mul(answer, additionalFeedPrecision)
	return amount.Quo(amount, scaled), nil
}
