package stable

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"stablemint/core/events"
)

// Liquidate lets a third party repay part of an insolvent debtor's debt in
// exchange for the equivalent collateral plus a fixed 10% bonus. The debtor's
// position must be below the minimum health factor to start and must end
// strictly healthier than it started; anything else aborts the whole call.
//
// The covered debt burns from the debtor's own pegged-token balance. The
// liquidator supplies nothing; a debtor who has already spent the tokens makes
// the burn, and with it the liquidation, fail.
func (e *Engine) Liquidate(liquidator, debtor, asset common.Address, debtToCover *big.Int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := validAmount(debtToCover); err != nil {
		return err
	}
	if err := e.requireSupported(asset); err != nil {
		return err
	}

	startingFactor, err := e.healthFactor(debtor)
	if err != nil {
		return err
	}
	if Healthy(startingFactor) {
		return ErrHealthFactorOK
	}

	base, err := e.oracle.AmountFor(asset, debtToCover)
	if err != nil {
		return err
	}
	bonus := new(big.Int).Mul(base, liquidationBonus)
	bonus.Quo(bonus, oneHundred)
	seized := new(big.Int).Add(base, bonus)
	covered := new(big.Int).Set(debtToCover)

	tx := newTxContext()
	if err := e.redeemCollateral(tx, debtor, liquidator, asset, seized); err != nil {
		tx.revert()
		return err
	}
	if err := e.burnDebtLedger(tx, debtor, covered); err != nil {
		tx.revert()
		return err
	}

	endingFactor, err := e.healthFactor(debtor)
	if err != nil {
		tx.revert()
		return err
	}
	if endingFactor.Cmp(startingFactor) <= 0 {
		tx.revert()
		return ErrHealthFactorNotImproved
	}
	tx.emit(events.Liquidated{
		Liquidator:       liquidator,
		Debtor:           debtor,
		Asset:            asset,
		DebtCovered:      covered,
		CollateralSeized: seized,
	})

	// The burn runs before the collateral pays out so a debtor without the
	// tokens aborts the call while the collateral is still in custody.
	if err := e.stableToken.Burn(debtor, covered); err != nil {
		tx.revert()
		return fmt.Errorf("%w: %v", ErrBurnFailed, err)
	}
	return e.payOut(tx, asset, liquidator, seized)
}
