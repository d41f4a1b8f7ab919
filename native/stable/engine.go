package stable

import (
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"stablemint/core/events"
)

// Engine is the collateral-backed issuance engine. It exclusively owns the
// collateral and debt ledgers; actual token balances live with the injected
// token services and price history lives with the feeds. Execution is strictly
// sequential: concurrent callers serialize mutating calls (the RPC server
// holds a lock across each one) and the busy flag rejects a nested mutating
// call arriving from inside an external token callback.
type Engine struct {
	custody   common.Address
	assets    []SupportedAsset
	supported map[common.Address]struct{}

	oracle *FeedAdapter
	ledger *Ledger

	collateralTokens CollateralTokens
	stableToken      StableToken

	positions PositionWriter
	emitter   events.Emitter

	busy atomic.Bool
}

// NewEngine constructs the engine from parallel token and feed lists. The
// supported-asset set is fixed here and immutable afterwards.
func NewEngine(custody common.Address, tokens []common.Address, feeds []PriceFeed, collateral CollateralTokens, stableTok StableToken) (*Engine, error) {
	if len(tokens) != len(feeds) {
		return nil, ErrTokenFeedMismatch
	}
	e := &Engine{
		custody:          custody,
		supported:        make(map[common.Address]struct{}, len(tokens)),
		oracle:           NewFeedAdapter(),
		ledger:           NewLedger(),
		collateralTokens: collateral,
		stableToken:      stableTok,
	}
	for i, token := range tokens {
		if feeds[i] == nil {
			return nil, ErrFeedNotConfigured
		}
		e.assets = append(e.assets, SupportedAsset{Token: token, Feed: feeds[i]})
		e.supported[token] = struct{}{}
		e.oracle.Register(token, feeds[i])
	}
	return e, nil
}

// SetPositionStore wires the engine to a durable position store. Committed
// ledger writes are persisted through it.
func (e *Engine) SetPositionStore(store PositionWriter) {
	if e == nil {
		return
	}
	e.positions = store
}

// SetEmitter wires the sink that receives committed events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.emitter = emitter
}

// SetClock overrides the time source used for price staleness checks.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil {
		return
	}
	e.oracle.SetClock(now)
}

// RestorePosition seeds a position from persisted state. Intended for startup
// loading only; it bypasses the transaction machinery.
func (e *Engine) RestorePosition(user, asset common.Address, collateral, debt *big.Int) {
	if e == nil {
		return
	}
	e.ledger.restore(user, asset, collateral, debt)
}

// enter claims the single-execution lock. Every mutating entry point calls it
// first and releases on all exit paths; a second call while one is in flight
// fails rather than blocks.
func (e *Engine) enter() (func(), error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	return func() { e.busy.Store(false) }, nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return nil
}

func (e *Engine) requireSupported(asset common.Address) error {
	if _, ok := e.supported[asset]; !ok {
		return ErrTokenNotAllowed
	}
	return nil
}

// commit flushes dirty positions to the store as one atomic batch and
// delivers staged events. A persistence failure unwinds the transaction like
// any other error; because the batch is all-or-nothing, the store never holds
// a subset of the transaction's writes.
func (e *Engine) commit(tx *txContext) error {
	if e.positions != nil && (len(tx.dirtyCollateral) > 0 || len(tx.dirtyDebt) > 0) {
		updates := make([]PositionUpdate, 0, len(tx.dirtyCollateral)+len(tx.dirtyDebt))
		for key := range tx.dirtyCollateral {
			updates = append(updates, PositionUpdate{
				User:       key.user,
				Asset:      key.asset,
				Collateral: e.ledger.Collateral(key.user, key.asset),
			})
		}
		for user := range tx.dirtyDebt {
			updates = append(updates, PositionUpdate{User: user, Debt: e.ledger.Debt(user)})
		}
		if err := e.positions.WritePositions(updates); err != nil {
			tx.revert()
			return fmt.Errorf("stable engine: persist positions: %w", err)
		}
	}
	if e.emitter != nil {
		for _, payload := range tx.events {
			e.emitter.Emit(payload)
		}
	}
	return nil
}

// DepositCollateral locks collateral for the user: the position increments,
// the deposit event stages, then the token service pulls the amount into
// engine custody. A failed pull unwinds the position.
func (e *Engine) DepositCollateral(user, asset common.Address, amount *big.Int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	return e.depositCollateral(user, asset, amount)
}

func (e *Engine) depositCollateral(user, asset common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := e.requireSupported(asset); err != nil {
		return err
	}
	deposited := new(big.Int).Set(amount)
	tx := newTxContext()
	e.ledger.addCollateral(tx, user, asset, deposited)
	tx.emit(events.CollateralDeposited{User: user, Asset: asset, Amount: deposited})

	ok, err := e.collateralTokens.TransferFrom(asset, user, e.custody, deposited)
	if err != nil {
		tx.revert()
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		tx.revert()
		return ErrTransferFailed
	}
	return e.commit(tx)
}

// Mint issues pegged-token debt against the user's collateral. The debt
// increments first; the position must remain solvent before the external mint
// is attempted.
func (e *Engine) Mint(user common.Address, amount *big.Int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	return e.mintDebt(user, amount)
}

func (e *Engine) mintDebt(user common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	minted := new(big.Int).Set(amount)
	tx := newTxContext()
	e.ledger.addDebt(tx, user, minted)
	if err := e.requireHealthy(user); err != nil {
		tx.revert()
		return err
	}
	tx.emit(events.DebtMinted{User: user, Amount: minted})

	ok, err := e.stableToken.Mint(user, minted)
	if err != nil {
		tx.revert()
		return fmt.Errorf("%w: %v", ErrMintFailed, err)
	}
	if !ok {
		tx.revert()
		return ErrMintFailed
	}
	return e.commit(tx)
}

// DepositCollateralAndMint is the composite deposit-then-mint entry point.
// Both legs run in one transaction: the ledger writes and the solvency check
// happen first, then the collateral pull, then the external mint. A failure
// anywhere discards the whole call; if the mint fails after the collateral
// was already pulled, the pull is compensated with a refund transfer before
// the ledger unwinds.
func (e *Engine) DepositCollateralAndMint(user, asset common.Address, collateralAmount, mintAmount *big.Int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := validAmount(collateralAmount); err != nil {
		return err
	}
	if err := validAmount(mintAmount); err != nil {
		return err
	}
	if err := e.requireSupported(asset); err != nil {
		return err
	}

	deposited := new(big.Int).Set(collateralAmount)
	minted := new(big.Int).Set(mintAmount)
	tx := newTxContext()
	e.ledger.addCollateral(tx, user, asset, deposited)
	e.ledger.addDebt(tx, user, minted)
	if err := e.requireHealthy(user); err != nil {
		tx.revert()
		return err
	}
	tx.emit(events.CollateralDeposited{User: user, Asset: asset, Amount: deposited})
	tx.emit(events.DebtMinted{User: user, Amount: minted})

	ok, err := e.collateralTokens.TransferFrom(asset, user, e.custody, deposited)
	if err != nil {
		tx.revert()
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		tx.revert()
		return ErrTransferFailed
	}

	ok, err = e.stableToken.Mint(user, minted)
	if err == nil && !ok {
		err = ErrMintFailed
	}
	if err != nil {
		tx.revert()
		if !errors.Is(err, ErrMintFailed) {
			err = fmt.Errorf("%w: %v", ErrMintFailed, err)
		}
		if refundErr := e.refundCollateral(asset, user, deposited); refundErr != nil {
			return fmt.Errorf("%w (collateral refund failed: %v)", err, refundErr)
		}
		return err
	}
	return e.commit(tx)
}

// refundCollateral sends pulled collateral back out of custody when a later
// step of the same call fails.
func (e *Engine) refundCollateral(asset, to common.Address, amount *big.Int) error {
	ok, err := e.collateralTokens.Transfer(asset, to, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTransferFailed
	}
	return nil
}

// RedeemCollateral releases collateral back to the user. Solvency is
// re-enforced on the reduced position before the tokens leave custody.
func (e *Engine) RedeemCollateral(user, asset common.Address, amount *big.Int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	redeemed := new(big.Int).Set(amount)
	tx := newTxContext()
	if err := e.redeemCollateral(tx, user, user, asset, redeemed); err != nil {
		tx.revert()
		return err
	}
	if err := e.requireHealthy(user); err != nil {
		tx.revert()
		return err
	}
	return e.payOut(tx, asset, user, redeemed)
}

// redeemCollateral decrements from's position and stages the redemption
// event. The outbound token transfer is the caller's responsibility so that
// solvency checks run before any external effect.
func (e *Engine) redeemCollateral(tx *txContext, from, to, asset common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := e.requireSupported(asset); err != nil {
		return err
	}
	if err := e.ledger.subCollateral(tx, from, asset, amount); err != nil {
		return err
	}
	tx.emit(events.CollateralRedeemed{From: from, To: to, Asset: asset, Amount: amount})
	return nil
}

// payOut performs the custody-outbound transfer and commits.
func (e *Engine) payOut(tx *txContext, asset, to common.Address, amount *big.Int) error {
	ok, err := e.collateralTokens.Transfer(asset, to, amount)
	if err != nil {
		tx.revert()
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		tx.revert()
		return ErrTransferFailed
	}
	return e.commit(tx)
}

// BurnDebt repays debt: the ledger decrements and the pegged tokens burn from
// the user's own balance.
func (e *Engine) BurnDebt(user common.Address, amount *big.Int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	burned := new(big.Int).Set(amount)
	tx := newTxContext()
	if err := e.burnDebtLedger(tx, user, burned); err != nil {
		tx.revert()
		return err
	}
	if err := e.stableToken.Burn(user, burned); err != nil {
		tx.revert()
		return fmt.Errorf("%w: %v", ErrBurnFailed, err)
	}
	return e.commit(tx)
}

func (e *Engine) burnDebtLedger(tx *txContext, onBehalfOf common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := e.ledger.subDebt(tx, onBehalfOf, amount); err != nil {
		return err
	}
	tx.emit(events.DebtBurned{User: onBehalfOf, Amount: amount})
	return nil
}

// RedeemCollateralAndBurn burns debt and releases collateral in one guarded
// transaction, re-checking solvency on the resulting position before any
// external effect.
func (e *Engine) RedeemCollateralAndBurn(user, asset common.Address, redeemAmount, burnAmount *big.Int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	burned := new(big.Int).Set(burnAmount)
	redeemed := new(big.Int).Set(redeemAmount)
	tx := newTxContext()
	if err := e.burnDebtLedger(tx, user, burned); err != nil {
		tx.revert()
		return err
	}
	if err := e.redeemCollateral(tx, user, user, asset, redeemed); err != nil {
		tx.revert()
		return err
	}
	if err := e.requireHealthy(user); err != nil {
		tx.revert()
		return err
	}
	if err := e.stableToken.Burn(user, burned); err != nil {
		tx.revert()
		return fmt.Errorf("%w: %v", ErrBurnFailed, err)
	}
	return e.payOut(tx, asset, user, redeemed)
}

// requireHealthy fails with a HealthFactorError when the user's current factor
// sits below the minimum. Oracle staleness propagates unchanged.
func (e *Engine) requireHealthy(user common.Address) error {
	factor, err := e.healthFactor(user)
	if err != nil {
		return err
	}
	if !Healthy(factor) {
		return &HealthFactorError{Factor: factor}
	}
	return nil
}

func (e *Engine) healthFactor(user common.Address) (*big.Int, error) {
	collateralValue, err := e.totalCollateralValue(user)
	if err != nil {
		return nil, err
	}
	return HealthFactor(collateralValue, e.ledger.Debt(user)), nil
}

// totalCollateralValue sums the oracle-valued positions across the supported
// assets in registration order.
func (e *Engine) totalCollateralValue(user common.Address) (*big.Int, error) {
	total := big.NewInt(0)
	for _, asset := range e.assets {
		amount := e.ledger.Collateral(user, asset.Token)
		if amount.Sign() == 0 {
			continue
		}
		value, err := e.oracle.ValueOf(asset.Token, amount)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}
