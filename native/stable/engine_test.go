package stable

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"

	"stablemint/core/events"
)

var (
	wethToken   = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	wbtcToken   = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	custodyAddr = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	alice       = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob         = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

// scriptFeed answers with the scripted prices in call order, repeating the
// last one once the script runs out.
type scriptFeed struct {
	answers   []*big.Int
	updatedAt time.Time
	err       error
	calls     int
}

func newScriptFeed(updatedAt time.Time, answers ...*big.Int) *scriptFeed {
	return &scriptFeed{answers: answers, updatedAt: updatedAt}
}

func (f *scriptFeed) LatestRoundData() (RoundData, error) {
	if f.err != nil {
		return RoundData{}, f.err
	}
	idx := f.calls
	if idx >= len(f.answers) {
		idx = len(f.answers) - 1
	}
	f.calls++
	return RoundData{
		RoundID:         big.NewInt(int64(f.calls)),
		Answer:          f.answers[idx],
		StartedAt:       f.updatedAt,
		UpdatedAt:       f.updatedAt,
		AnsweredInRound: big.NewInt(int64(f.calls)),
	}, nil
}

type transferCall struct {
	asset  common.Address
	owner  common.Address
	to     common.Address
	amount *big.Int
}

// mockCollateral records the transfer instructions the engine issues.
type mockCollateral struct {
	pulls        []transferCall
	payouts      []transferCall
	refusePull   bool
	refusePayout bool
	pullErr      error
}

func (m *mockCollateral) TransferFrom(asset, owner, recipient common.Address, amount *big.Int) (bool, error) {
	if m.pullErr != nil {
		return false, m.pullErr
	}
	if m.refusePull {
		return false, nil
	}
	m.pulls = append(m.pulls, transferCall{asset: asset, owner: owner, to: recipient, amount: new(big.Int).Set(amount)})
	return true, nil
}

func (m *mockCollateral) Transfer(asset, recipient common.Address, amount *big.Int) (bool, error) {
	if m.refusePayout {
		return false, nil
	}
	m.payouts = append(m.payouts, transferCall{asset: asset, to: recipient, amount: new(big.Int).Set(amount)})
	return true, nil
}

// mockStable tracks pegged-token balances so burns can fail exactly the way
// the external token service would.
type mockStable struct {
	balances   map[common.Address]*big.Int
	refuseMint bool
	mintErr    error
}

func newMockStable() *mockStable {
	return &mockStable{balances: make(map[common.Address]*big.Int)}
}

func (m *mockStable) balance(holder common.Address) *big.Int {
	if amount, ok := m.balances[holder]; ok {
		return amount
	}
	zero := big.NewInt(0)
	m.balances[holder] = zero
	return zero
}

func (m *mockStable) Mint(to common.Address, amount *big.Int) (bool, error) {
	if m.mintErr != nil {
		return false, m.mintErr
	}
	if m.refuseMint {
		return false, nil
	}
	balance := m.balance(to)
	balance.Add(balance, amount)
	return true, nil
}

func (m *mockStable) Burn(from common.Address, amount *big.Int) error {
	balance := m.balance(from)
	if balance.Cmp(amount) < 0 {
		return errors.New("pegged token: balance below burn amount")
	}
	balance.Sub(balance, amount)
	return nil
}

type capturedEvents struct {
	payloads []events.Payload
}

func (c *capturedEvents) Emit(payload events.Payload) {
	c.payloads = append(c.payloads, payload)
}

type harness struct {
	engine     *Engine
	wethFeed   *scriptFeed
	wbtcFeed   *scriptFeed
	collateral *mockCollateral
	stableTok  *mockStable
	emitted    *capturedEvents
	now        time.Time
}

// newHarness builds a two-asset engine with a fixed clock and fresh feeds. The
// scripted answers apply to the WETH feed; WBTC answers a constant 30000e8.
func newHarness(t *testing.T, wethAnswers ...*big.Int) *harness {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	if len(wethAnswers) == 0 {
		wethAnswers = []*big.Int{feedPrice(2000)}
	}
	h := &harness{
		wethFeed:   newScriptFeed(now, wethAnswers...),
		wbtcFeed:   newScriptFeed(now, feedPrice(30000)),
		collateral: &mockCollateral{},
		stableTok:  newMockStable(),
		emitted:    &capturedEvents{},
		now:        now,
	}
	engine, err := NewEngine(
		custodyAddr,
		[]common.Address{wethToken, wbtcToken},
		[]PriceFeed{h.wethFeed, h.wbtcFeed},
		h.collateral,
		h.stableTok,
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetClock(func() time.Time { return h.now })
	engine.SetEmitter(h.emitted)
	h.engine = engine
	return h
}

// feedPrice scales a whole-dollar price to the 8-decimal feed representation.
func feedPrice(dollars int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), feedPrecision)
}

// units scales a whole number to 18-decimal fixed point.
func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), precision)
}

func TestNewEngineValidatesConfiguration(t *testing.T) {
	feed := newScriptFeed(time.Unix(1_700_000_000, 0), feedPrice(2000))

	if _, err := NewEngine(custodyAddr, []common.Address{wethToken}, nil, &mockCollateral{}, newMockStable()); !errors.Is(err, ErrTokenFeedMismatch) {
		t.Fatalf("expected ErrTokenFeedMismatch, got %v", err)
	}
	if _, err := NewEngine(custodyAddr, []common.Address{wethToken}, []PriceFeed{nil}, &mockCollateral{}, newMockStable()); !errors.Is(err, ErrFeedNotConfigured) {
		t.Fatalf("expected ErrFeedNotConfigured, got %v", err)
	}
	if _, err := NewEngine(custodyAddr, []common.Address{wethToken}, []PriceFeed{feed}, &mockCollateral{}, newMockStable()); err != nil {
		t.Fatalf("valid configuration rejected: %v", err)
	}
}

func TestGetUsdValue(t *testing.T) {
	h := newHarness(t)

	value, err := h.engine.GetUsdValue(wethToken, units(10))
	if err != nil {
		t.Fatalf("usd value: %v", err)
	}
	if value.Cmp(units(20000)) != 0 {
		t.Fatalf("unexpected usd value: got %s want %s", value, units(20000))
	}
}

func TestGetTokenAmountFromUsd(t *testing.T) {
	h := newHarness(t)

	amount, err := h.engine.GetTokenAmountFromUsd(wethToken, units(100))
	if err != nil {
		t.Fatalf("token amount: %v", err)
	}
	want := new(big.Int).Quo(precision, big.NewInt(20)) // 0.05 WETH
	if amount.Cmp(want) != 0 {
		t.Fatalf("unexpected token amount: got %s want %s", amount, want)
	}
}

func TestDepositCollateralValidation(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.DepositCollateral(alice, wethToken, big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount for zero, got %v", err)
	}
	if err := h.engine.DepositCollateral(alice, wethToken, big.NewInt(-1)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount for negative, got %v", err)
	}
	unsupported := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	if err := h.engine.DepositCollateral(alice, unsupported, units(1)); !errors.Is(err, ErrTokenNotAllowed) {
		t.Fatalf("expected ErrTokenNotAllowed, got %v", err)
	}
	if len(h.collateral.pulls) != 0 {
		t.Fatalf("expected no transfers, got %d", len(h.collateral.pulls))
	}
}

func TestDepositCollateralPullsIntoCustody(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.DepositCollateral(alice, wethToken, units(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if balance := h.engine.CollateralBalanceOf(alice, wethToken); balance.Cmp(units(10)) != 0 {
		t.Fatalf("unexpected collateral balance: %s", balance)
	}
	if len(h.collateral.pulls) != 1 {
		t.Fatalf("expected one pull, got %d", len(h.collateral.pulls))
	}
	pull := h.collateral.pulls[0]
	if pull.asset != wethToken || pull.owner != alice || pull.to != custodyAddr || pull.amount.Cmp(units(10)) != 0 {
		t.Fatalf("unexpected pull: %+v", pull)
	}

	info, err := h.engine.GetAccountInformation(alice)
	if err != nil {
		t.Fatalf("account information: %v", err)
	}
	if info.CollateralValueUsd.Cmp(units(20000)) != 0 {
		t.Fatalf("unexpected collateral value: %s", info.CollateralValueUsd)
	}
	if info.Debt.Sign() != 0 {
		t.Fatalf("unexpected debt: %s", info.Debt)
	}

	factor, err := h.engine.GetHealthFactor(alice)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if factor.Cmp(ethmath.MaxBig256) != 0 {
		t.Fatalf("expected infinite solvency with zero debt, got %s", factor)
	}

	if len(h.emitted.payloads) != 1 {
		t.Fatalf("expected one event, got %d", len(h.emitted.payloads))
	}
	deposited, ok := h.emitted.payloads[0].(events.CollateralDeposited)
	if !ok {
		t.Fatalf("unexpected event payload: %T", h.emitted.payloads[0])
	}
	if deposited.User != alice || deposited.Asset != wethToken || deposited.Amount.Cmp(units(10)) != 0 {
		t.Fatalf("unexpected deposit event: %+v", deposited)
	}
}

func TestDepositCollateralRollsBackFailedPull(t *testing.T) {
	h := newHarness(t)
	h.collateral.refusePull = true

	if err := h.engine.DepositCollateral(alice, wethToken, units(10)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if balance := h.engine.CollateralBalanceOf(alice, wethToken); balance.Sign() != 0 {
		t.Fatalf("expected collateral rolled back, got %s", balance)
	}
	if len(h.emitted.payloads) != 0 {
		t.Fatalf("expected no events from a failed deposit, got %d", len(h.emitted.payloads))
	}
}

func TestMintEnforcesSolvency(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.DepositCollateral(alice, wethToken, units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// $2000 of collateral supports exactly 2000 units of debt at the 1e18 floor.
	if err := h.engine.Mint(alice, units(2000)); err != nil {
		t.Fatalf("mint at the floor: %v", err)
	}
	if balance := h.stableTok.balance(alice); balance.Cmp(units(2000)) != 0 {
		t.Fatalf("unexpected pegged balance: %s", balance)
	}

	err := h.engine.Mint(alice, big.NewInt(1))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected ErrHealthFactorBroken, got %v", err)
	}
	var hfErr *HealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatalf("expected HealthFactorError, got %T", err)
	}
	if hfErr.Factor.Cmp(minHealthFactor) >= 0 {
		t.Fatalf("reported factor should be below the floor: %s", hfErr.Factor)
	}
	if debt := h.engine.DebtOf(alice); debt.Cmp(units(2000)) != 0 {
		t.Fatalf("expected debt rolled back to 2000 units, got %s", debt)
	}
	if balance := h.stableTok.balance(alice); balance.Cmp(units(2000)) != 0 {
		t.Fatalf("external mint must not run on a broken factor: %s", balance)
	}
}

func TestMintExternalFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.stableTok.refuseMint = true

	if err := h.engine.DepositCollateral(alice, wethToken, units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.engine.Mint(alice, units(100)); !errors.Is(err, ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	if debt := h.engine.DebtOf(alice); debt.Sign() != 0 {
		t.Fatalf("expected debt rolled back, got %s", debt)
	}
}

func TestDepositCollateralAndMint(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.DepositCollateralAndMint(alice, wethToken, units(1), units(1000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	if balance := h.engine.CollateralBalanceOf(alice, wethToken); balance.Cmp(units(1)) != 0 {
		t.Fatalf("unexpected collateral: %s", balance)
	}
	if debt := h.engine.DebtOf(alice); debt.Cmp(units(1000)) != 0 {
		t.Fatalf("unexpected debt: %s", debt)
	}
}

func TestDepositCollateralAndMintRollsBackAsUnit(t *testing.T) {
	h := newHarness(t)

	err := h.engine.DepositCollateralAndMint(alice, wethToken, units(1), units(5000))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected ErrHealthFactorBroken, got %v", err)
	}
	if balance := h.engine.CollateralBalanceOf(alice, wethToken); balance.Sign() != 0 {
		t.Fatalf("expected deposit discarded with the failed mint, got %s", balance)
	}
	if debt := h.engine.DebtOf(alice); debt.Sign() != 0 {
		t.Fatalf("expected no debt, got %s", debt)
	}
	// The solvency check runs before any external effect, so nothing was
	// pulled from the user.
	if len(h.collateral.pulls) != 0 {
		t.Fatalf("expected no collateral pull, got %d", len(h.collateral.pulls))
	}
	if len(h.emitted.payloads) != 0 {
		t.Fatalf("expected no events, got %d", len(h.emitted.payloads))
	}
}

func TestDepositCollateralAndMintRefundsPullOnFailedMint(t *testing.T) {
	h := newHarness(t)
	h.stableTok.refuseMint = true

	err := h.engine.DepositCollateralAndMint(alice, wethToken, units(1), units(1000))
	if !errors.Is(err, ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	if balance := h.engine.CollateralBalanceOf(alice, wethToken); balance.Sign() != 0 {
		t.Fatalf("expected deposit discarded, got %s", balance)
	}
	if debt := h.engine.DebtOf(alice); debt.Sign() != 0 {
		t.Fatalf("expected no debt, got %s", debt)
	}
	// The collateral was already pulled when the mint refused, so the engine
	// compensates with a refund transfer back to the user.
	if len(h.collateral.pulls) != 1 {
		t.Fatalf("expected one pull, got %d", len(h.collateral.pulls))
	}
	if len(h.collateral.payouts) != 1 {
		t.Fatalf("expected a refund payout, got %d", len(h.collateral.payouts))
	}
	refund := h.collateral.payouts[0]
	if refund.asset != wethToken || refund.to != alice || refund.amount.Cmp(units(1)) != 0 {
		t.Fatalf("unexpected refund: %+v", refund)
	}
	if len(h.emitted.payloads) != 0 {
		t.Fatalf("expected no events from the failed composite, got %d", len(h.emitted.payloads))
	}
}

func TestDepositCollateralAndMintValidatesBeforeMutating(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.DepositCollateralAndMint(alice, wethToken, units(1), big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount for zero mint, got %v", err)
	}
	if err := h.engine.DepositCollateralAndMint(alice, wethToken, big.NewInt(0), units(1)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount for zero deposit, got %v", err)
	}
	if balance := h.engine.CollateralBalanceOf(alice, wethToken); balance.Sign() != 0 {
		t.Fatalf("expected no collateral, got %s", balance)
	}
	if len(h.collateral.pulls) != 0 {
		t.Fatalf("expected no transfers, got %d", len(h.collateral.pulls))
	}
}

func TestRedeemCollateralKeepsPositionSolvent(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.DepositCollateralAndMint(alice, wethToken, units(2), units(2000)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Redeeming 1.5 WETH would leave $1000 against 2000 units of debt.
	tooMuch := new(big.Int).Quo(units(3), big.NewInt(2))
	if err := h.engine.RedeemCollateral(alice, wethToken, tooMuch); !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected ErrHealthFactorBroken, got %v", err)
	}
	if balance := h.engine.CollateralBalanceOf(alice, wethToken); balance.Cmp(units(2)) != 0 {
		t.Fatalf("expected collateral rolled back, got %s", balance)
	}
	if len(h.collateral.payouts) != 0 {
		t.Fatalf("no collateral may leave custody on a failed redemption")
	}

	// Redeeming 1 WETH leaves the factor at exactly the floor.
	if err := h.engine.RedeemCollateral(alice, wethToken, units(1)); err != nil {
		t.Fatalf("redeem to the floor: %v", err)
	}
	if len(h.collateral.payouts) != 1 {
		t.Fatalf("expected one payout, got %d", len(h.collateral.payouts))
	}
	payout := h.collateral.payouts[0]
	if payout.asset != wethToken || payout.to != alice || payout.amount.Cmp(units(1)) != 0 {
		t.Fatalf("unexpected payout: %+v", payout)
	}
}

func TestRedeemCollateralBeyondBalance(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.DepositCollateral(alice, wethToken, units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.engine.RedeemCollateral(alice, wethToken, units(2)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func TestBurnDebtReducesPosition(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.DepositCollateralAndMint(alice, wethToken, units(1), units(1000)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := h.engine.BurnDebt(alice, units(400)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if debt := h.engine.DebtOf(alice); debt.Cmp(units(600)) != 0 {
		t.Fatalf("unexpected debt: %s", debt)
	}
	if balance := h.stableTok.balance(alice); balance.Cmp(units(600)) != 0 {
		t.Fatalf("unexpected pegged balance: %s", balance)
	}

	if err := h.engine.BurnDebt(alice, units(601)); !errors.Is(err, ErrInsufficientDebt) {
		t.Fatalf("expected ErrInsufficientDebt, got %v", err)
	}
}

func TestBurnDebtRollsBackFailedTokenBurn(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.DepositCollateralAndMint(alice, wethToken, units(1), units(1000)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	// Alice spent her pegged tokens elsewhere; the token-side burn fails.
	h.stableTok.balances[alice] = big.NewInt(0)

	if err := h.engine.BurnDebt(alice, units(500)); !errors.Is(err, ErrBurnFailed) {
		t.Fatalf("expected ErrBurnFailed, got %v", err)
	}
	if debt := h.engine.DebtOf(alice); debt.Cmp(units(1000)) != 0 {
		t.Fatalf("expected debt restored, got %s", debt)
	}
}

func TestRedeemCollateralAndBurnExitsPosition(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.DepositCollateralAndMint(alice, wethToken, units(1), units(1000)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := h.engine.RedeemCollateralAndBurn(alice, wethToken, units(1), units(1000)); err != nil {
		t.Fatalf("redeem and burn: %v", err)
	}
	if debt := h.engine.DebtOf(alice); debt.Sign() != 0 {
		t.Fatalf("expected zero debt, got %s", debt)
	}
	if balance := h.engine.CollateralBalanceOf(alice, wethToken); balance.Sign() != 0 {
		t.Fatalf("expected zero collateral, got %s", balance)
	}
	if balance := h.stableTok.balance(alice); balance.Sign() != 0 {
		t.Fatalf("expected pegged tokens burned, got %s", balance)
	}
	if len(h.collateral.payouts) != 1 {
		t.Fatalf("expected one payout, got %d", len(h.collateral.payouts))
	}
}

func TestStalePriceFailsClosed(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.DepositCollateral(alice, wethToken, units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	h.wethFeed.updatedAt = h.now.Add(-stalenessTimeout - time.Second)
	if _, err := h.engine.GetUsdValue(wethToken, units(1)); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice from valuation, got %v", err)
	}
	if err := h.engine.Mint(alice, units(100)); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice from mint, got %v", err)
	}
	if debt := h.engine.DebtOf(alice); debt.Sign() != 0 {
		t.Fatalf("stale-price mint must not leave debt, got %s", debt)
	}

	// An answer aged exactly to the timeout is still acceptable.
	h.wethFeed.updatedAt = h.now.Add(-stalenessTimeout)
	if _, err := h.engine.GetUsdValue(wethToken, units(1)); err != nil {
		t.Fatalf("boundary-aged price rejected: %v", err)
	}
}

func TestZeroObservationTimeIsStale(t *testing.T) {
	h := newHarness(t)
	h.wethFeed.updatedAt = time.Time{}

	if _, err := h.engine.GetUsdValue(wethToken, units(1)); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice for unset observation time, got %v", err)
	}
}

// reentrantCollateral re-enters the engine from inside the transfer callback,
// the way a malicious token service would.
type reentrantCollateral struct {
	engine   *Engine
	innerErr error
}

func (r *reentrantCollateral) TransferFrom(asset, owner, recipient common.Address, amount *big.Int) (bool, error) {
	r.innerErr = r.engine.Mint(owner, big.NewInt(1))
	return true, nil
}

func (r *reentrantCollateral) Transfer(asset, recipient common.Address, amount *big.Int) (bool, error) {
	return true, nil
}

func TestReentrantCallRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reentrant := &reentrantCollateral{}
	engine, err := NewEngine(
		custodyAddr,
		[]common.Address{wethToken},
		[]PriceFeed{newScriptFeed(now, feedPrice(2000))},
		reentrant,
		newMockStable(),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetClock(func() time.Time { return now })
	reentrant.engine = engine

	if err := engine.DepositCollateral(alice, wethToken, units(1)); err != nil {
		t.Fatalf("outer deposit: %v", err)
	}
	if !errors.Is(reentrant.innerErr, ErrReentrantCall) {
		t.Fatalf("expected inner ErrReentrantCall, got %v", reentrant.innerErr)
	}
	if debt := engine.DebtOf(alice); debt.Sign() != 0 {
		t.Fatalf("reentrant mint must not mutate debt, got %s", debt)
	}
}

// memPositions is an in-memory PositionWriter for write-through checks. The
// batch either applies in full or fails without touching the maps, matching
// the contract durable stores must honour.
type memPositions struct {
	collateral map[collateralKey]*big.Int
	debt       map[common.Address]*big.Int
	writeErr   error
}

func newMemPositions() *memPositions {
	return &memPositions{
		collateral: make(map[collateralKey]*big.Int),
		debt:       make(map[common.Address]*big.Int),
	}
}

func (m *memPositions) WritePositions(updates []PositionUpdate) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	for _, update := range updates {
		if update.Collateral != nil {
			m.collateral[collateralKey{user: update.User, asset: update.Asset}] = new(big.Int).Set(update.Collateral)
		}
		if update.Debt != nil {
			m.debt[update.User] = new(big.Int).Set(update.Debt)
		}
	}
	return nil
}

func TestCommittedPositionsWriteThrough(t *testing.T) {
	h := newHarness(t)
	store := newMemPositions()
	h.engine.SetPositionStore(store)

	if err := h.engine.DepositCollateralAndMint(alice, wethToken, units(2), units(1000)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	key := collateralKey{user: alice, asset: wethToken}
	if stored := store.collateral[key]; stored == nil || stored.Cmp(units(2)) != 0 {
		t.Fatalf("unexpected persisted collateral: %v", stored)
	}
	if stored := store.debt[alice]; stored == nil || stored.Cmp(units(1000)) != 0 {
		t.Fatalf("unexpected persisted debt: %v", stored)
	}
}

func TestPersistenceFailureUnwindsTransaction(t *testing.T) {
	h := newHarness(t)
	store := newMemPositions()
	store.writeErr = errors.New("disk full")
	h.engine.SetPositionStore(store)

	if err := h.engine.DepositCollateral(alice, wethToken, units(1)); err == nil {
		t.Fatalf("expected persistence failure to surface")
	}
	if balance := h.engine.CollateralBalanceOf(alice, wethToken); balance.Sign() != 0 {
		t.Fatalf("expected collateral rolled back, got %s", balance)
	}
}

// A transaction touching several positions must never persist only some of
// them: after a failed commit the store has to agree with the unwound ledger,
// or a restart would restore a position the engine never held.
func TestPersistenceFailureLeavesStoreMatchingLedger(t *testing.T) {
	h := newHarness(t)
	store := newMemPositions()
	h.engine.SetPositionStore(store)

	if err := h.engine.DepositCollateralAndMint(alice, wethToken, units(2), units(1000)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	store.writeErr = errors.New("disk full")

	if err := h.engine.RedeemCollateralAndBurn(alice, wethToken, units(1), units(500)); err == nil {
		t.Fatalf("expected persistence failure to surface")
	}

	key := collateralKey{user: alice, asset: wethToken}
	storedCollateral := store.collateral[key]
	if storedCollateral == nil || storedCollateral.Cmp(units(2)) != 0 {
		t.Fatalf("unexpected persisted collateral after failed commit: %v", storedCollateral)
	}
	storedDebt := store.debt[alice]
	if storedDebt == nil || storedDebt.Cmp(units(1000)) != 0 {
		t.Fatalf("unexpected persisted debt after failed commit: %v", storedDebt)
	}
	if balance := h.engine.CollateralBalanceOf(alice, wethToken); balance.Cmp(storedCollateral) != 0 {
		t.Fatalf("ledger diverged from store: in-memory %s, persisted %s", balance, storedCollateral)
	}
	if debt := h.engine.DebtOf(alice); debt.Cmp(storedDebt) != 0 {
		t.Fatalf("ledger diverged from store: in-memory %s, persisted %s", debt, storedDebt)
	}
}

func TestRestorePositionSeedsLedger(t *testing.T) {
	h := newHarness(t)

	h.engine.RestorePosition(alice, wethToken, units(3), nil)
	h.engine.RestorePosition(alice, common.Address{}, nil, units(1500))

	if balance := h.engine.CollateralBalanceOf(alice, wethToken); balance.Cmp(units(3)) != 0 {
		t.Fatalf("unexpected restored collateral: %s", balance)
	}
	if debt := h.engine.DebtOf(alice); debt.Cmp(units(1500)) != 0 {
		t.Fatalf("unexpected restored debt: %s", debt)
	}
}

func TestCollateralTokensAndSupport(t *testing.T) {
	h := newHarness(t)

	tokens := h.engine.CollateralTokens()
	if len(tokens) != 2 || tokens[0] != wethToken || tokens[1] != wbtcToken {
		t.Fatalf("unexpected token registry: %v", tokens)
	}
	if !h.engine.IsSupported(wbtcToken) {
		t.Fatalf("wbtc should be supported")
	}
	if h.engine.IsSupported(custodyAddr) {
		t.Fatalf("custody address must not be a supported asset")
	}
	if h.engine.StalenessTimeout() != stalenessTimeout {
		t.Fatalf("unexpected staleness timeout: %s", h.engine.StalenessTimeout())
	}
}
