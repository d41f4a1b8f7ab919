package stable

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"stablemint/core/events"
)

// Ledger owns the engine's collateral and debt accounting. Positions are
// created implicitly at zero on first touch and can never go negative. All
// mutation happens through a txContext so a failed transaction unwinds every
// write it made.
type Ledger struct {
	collateral map[common.Address]map[common.Address]*big.Int
	debt       map[common.Address]*big.Int
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		collateral: make(map[common.Address]map[common.Address]*big.Int),
		debt:       make(map[common.Address]*big.Int),
	}
}

// Collateral returns a copy of the deposited amount for (user, asset).
func (l *Ledger) Collateral(user, asset common.Address) *big.Int {
	if positions, ok := l.collateral[user]; ok {
		if amount, ok := positions[asset]; ok {
			return new(big.Int).Set(amount)
		}
	}
	return big.NewInt(0)
}

// Debt returns a copy of the minted debt for the user.
func (l *Ledger) Debt(user common.Address) *big.Int {
	if amount, ok := l.debt[user]; ok {
		return new(big.Int).Set(amount)
	}
	return big.NewInt(0)
}

func (l *Ledger) setCollateral(tx *txContext, user, asset common.Address, amount *big.Int) {
	positions, ok := l.collateral[user]
	if !ok {
		positions = make(map[common.Address]*big.Int)
		l.collateral[user] = positions
	}
	prev, had := positions[asset]
	tx.record(func() {
		if had {
			positions[asset] = prev
		} else {
			delete(positions, asset)
		}
	})
	positions[asset] = amount
	tx.touchCollateral(user, asset)
}

func (l *Ledger) setDebt(tx *txContext, user common.Address, amount *big.Int) {
	prev, had := l.debt[user]
	tx.record(func() {
		if had {
			l.debt[user] = prev
		} else {
			delete(l.debt, user)
		}
	})
	l.debt[user] = amount
	tx.touchDebt(user)
}

func (l *Ledger) addCollateral(tx *txContext, user, asset common.Address, amount *big.Int) {
	next := new(big.Int).Add(l.Collateral(user, asset), amount)
	l.setCollateral(tx, user, asset, next)
}

func (l *Ledger) subCollateral(tx *txContext, user, asset common.Address, amount *big.Int) error {
	current := l.Collateral(user, asset)
	if current.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	l.setCollateral(tx, user, asset, current.Sub(current, amount))
	return nil
}

func (l *Ledger) addDebt(tx *txContext, user common.Address, amount *big.Int) {
	next := new(big.Int).Add(l.Debt(user), amount)
	l.setDebt(tx, user, next)
}

func (l *Ledger) subDebt(tx *txContext, user common.Address, amount *big.Int) error {
	current := l.Debt(user)
	if current.Cmp(amount) < 0 {
		return ErrInsufficientDebt
	}
	l.setDebt(tx, user, current.Sub(current, amount))
	return nil
}

// restore seeds a position without journaling. Used when rebuilding the ledger
// from persisted state at startup.
func (l *Ledger) restore(user, asset common.Address, collateral *big.Int, debt *big.Int) {
	if collateral != nil {
		positions, ok := l.collateral[user]
		if !ok {
			positions = make(map[common.Address]*big.Int)
			l.collateral[user] = positions
		}
		positions[asset] = new(big.Int).Set(collateral)
	}
	if debt != nil {
		l.debt[user] = new(big.Int).Set(debt)
	}
}

type collateralKey struct {
	user  common.Address
	asset common.Address
}

// txContext is the undo journal for a single mutating entry point. Ledger
// writes record their previous values; revert unwinds them in reverse order.
// Events and dirty keys stage until commit.
type txContext struct {
	undos           []func()
	events          []events.Payload
	dirtyCollateral map[collateralKey]struct{}
	dirtyDebt       map[common.Address]struct{}
}

func newTxContext() *txContext {
	return &txContext{
		dirtyCollateral: make(map[collateralKey]struct{}),
		dirtyDebt:       make(map[common.Address]struct{}),
	}
}

func (tx *txContext) record(undo func()) {
	tx.undos = append(tx.undos, undo)
}

func (tx *txContext) emit(payload events.Payload) {
	tx.events = append(tx.events, payload)
}

func (tx *txContext) touchCollateral(user, asset common.Address) {
	tx.dirtyCollateral[collateralKey{user: user, asset: asset}] = struct{}{}
}

func (tx *txContext) touchDebt(user common.Address) {
	tx.dirtyDebt[user] = struct{}{}
}

func (tx *txContext) revert() {
	for i := len(tx.undos) - 1; i >= 0; i-- {
		tx.undos[i]()
	}
	tx.undos = nil
	tx.events = nil
}
