package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event is the generic wire form of a typed event: a type tag plus flat string
// attributes, suitable for JSON transport and log indexing.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Payload is implemented by the typed event structs emitted by the engine.
type Payload interface {
	EventType() string
	Event() *Event
}

// Emitter receives committed events. Emission happens synchronously once the
// enclosing transaction has committed; events staged by a failed transaction
// are discarded with it.
type Emitter interface {
	Emit(Payload)
}

const (
	TypeCollateralDeposited = "stable.collateralDeposited"
	TypeCollateralRedeemed  = "stable.collateralRedeemed"
	TypeDebtMinted          = "stable.debtMinted"
	TypeDebtBurned          = "stable.debtBurned"
	TypeLiquidated          = "stable.liquidated"
)

// CollateralDeposited records collateral locked into engine custody.
type CollateralDeposited struct {
	User   common.Address
	Asset  common.Address
	Amount *big.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

func (e CollateralDeposited) Event() *Event {
	return &Event{
		Type: TypeCollateralDeposited,
		Attributes: map[string]string{
			"user":   e.User.Hex(),
			"asset":  e.Asset.Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// CollateralRedeemed records collateral released from a position. From and To
// differ when a liquidation redirects the collateral to the liquidator.
type CollateralRedeemed struct {
	From   common.Address
	To     common.Address
	Asset  common.Address
	Amount *big.Int
}

func (CollateralRedeemed) EventType() string { return TypeCollateralRedeemed }

func (e CollateralRedeemed) Event() *Event {
	return &Event{
		Type: TypeCollateralRedeemed,
		Attributes: map[string]string{
			"from":   e.From.Hex(),
			"to":     e.To.Hex(),
			"asset":  e.Asset.Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// DebtMinted records pegged-token debt issued against a position.
type DebtMinted struct {
	User   common.Address
	Amount *big.Int
}

func (DebtMinted) EventType() string { return TypeDebtMinted }

func (e DebtMinted) Event() *Event {
	return &Event{
		Type: TypeDebtMinted,
		Attributes: map[string]string{
			"user":   e.User.Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// DebtBurned records pegged-token debt repaid and burned.
type DebtBurned struct {
	User   common.Address
	Amount *big.Int
}

func (DebtBurned) EventType() string { return TypeDebtBurned }

func (e DebtBurned) Event() *Event {
	return &Event{
		Type: TypeDebtBurned,
		Attributes: map[string]string{
			"user":   e.User.Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// Liquidated records a completed liquidation: the debt covered on behalf of
// the debtor and the collateral seized by the liquidator, bonus included.
type Liquidated struct {
	Liquidator       common.Address
	Debtor           common.Address
	Asset            common.Address
	DebtCovered      *big.Int
	CollateralSeized *big.Int
}

func (Liquidated) EventType() string { return TypeLiquidated }

func (e Liquidated) Event() *Event {
	return &Event{
		Type: TypeLiquidated,
		Attributes: map[string]string{
			"liquidator":       e.Liquidator.Hex(),
			"debtor":           e.Debtor.Hex(),
			"asset":            e.Asset.Hex(),
			"debtCovered":      formatAmount(e.DebtCovered),
			"collateralSeized": formatAmount(e.CollateralSeized),
		},
	}
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
