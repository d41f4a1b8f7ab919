package stable

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SupportedAsset pairs a collateral token with the price feed that values it.
// The set is fixed at construction and immutable afterwards; every asset the
// ledger ever references appears in it.
type SupportedAsset struct {
	Token common.Address
	Feed  PriceFeed
}

// AccountInformation is the read-only snapshot of a user's position.
type AccountInformation struct {
	CollateralValueUsd *big.Int
	Debt               *big.Int
}

// CollateralTokens fronts the external fungible-token services holding the
// actual collateral balances, one per supported asset. The engine only directs
// transfers; a false return or an error both abort the enclosing transaction.
type CollateralTokens interface {
	// TransferFrom moves amount of asset from the owner's balance into engine
	// custody.
	TransferFrom(asset, owner, recipient common.Address, amount *big.Int) (bool, error)
	// Transfer moves amount of asset out of engine custody to the recipient.
	Transfer(asset, recipient common.Address, amount *big.Int) (bool, error)
}

// StableToken is the external pegged-token service. Both methods are callable
// only by the engine, which is the token's sole authorized controller.
type StableToken interface {
	Mint(to common.Address, amount *big.Int) (bool, error)
	Burn(from common.Address, amount *big.Int) error
}

// PositionUpdate is one committed ledger entry to persist. Debt entries carry
// a zero asset and a nil Collateral, mirroring the restore shape.
type PositionUpdate struct {
	User       common.Address
	Asset      common.Address
	Collateral *big.Int
	Debt       *big.Int
}

// PositionWriter persists committed ledger positions. The engine writes
// through after each successful transaction. WritePositions must apply every
// update or none of them; a failure aborts and unwinds the transaction like
// any other error, and a partial write would leave the store diverged from
// the ledger across a restart.
type PositionWriter interface {
	WritePositions(updates []PositionUpdate) error
}
