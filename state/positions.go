package state

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"stablemint/native/stable"
	"stablemint/storage"
)

const (
	collateralPrefix = "collateral/"
	debtPrefix       = "debt/"
)

// PositionStore persists the engine's collateral and debt ledgers over a
// key-value backend. The engine writes through after each committed
// transaction; Load rebuilds the in-memory ledgers at startup.
type PositionStore struct {
	db storage.Database
}

func NewPositionStore(db storage.Database) *PositionStore {
	return &PositionStore{db: db}
}

// PositionRestorer receives persisted positions during startup loading.
type PositionRestorer interface {
	RestorePosition(user, asset common.Address, collateral, debt *big.Int)
}

func collateralKey(user, asset common.Address) []byte {
	return []byte(collateralPrefix + user.Hex() + "/" + asset.Hex())
}

func debtKey(user common.Address) []byte {
	return []byte(debtPrefix + user.Hex())
}

// PutCollateral stores the absolute deposited amount for (user, asset).
func (s *PositionStore) PutCollateral(user, asset common.Address, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return s.db.Put(collateralKey(user, asset), amount.Bytes())
}

// PutDebt stores the absolute minted debt for the user.
func (s *PositionStore) PutDebt(user common.Address, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return s.db.Put(debtKey(user), amount.Bytes())
}

// WritePositions persists a committed transaction's positions as one atomic
// batch, so a failure leaves the store exactly as it was.
func (s *PositionStore) WritePositions(updates []stable.PositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	entries := make([]storage.BatchEntry, 0, len(updates))
	for _, update := range updates {
		if update.Collateral != nil {
			entries = append(entries, storage.BatchEntry{
				Key:   collateralKey(update.User, update.Asset),
				Value: update.Collateral.Bytes(),
			})
		}
		if update.Debt != nil {
			entries = append(entries, storage.BatchEntry{
				Key:   debtKey(update.User),
				Value: update.Debt.Bytes(),
			})
		}
	}
	return s.db.WriteBatch(entries)
}

// Load replays every persisted position into the restorer.
func (s *PositionStore) Load(into PositionRestorer) error {
	err := s.db.Ascend([]byte(collateralPrefix), func(key, value []byte) error {
		parts := strings.Split(strings.TrimPrefix(string(key), collateralPrefix), "/")
		if len(parts) != 2 {
			return fmt.Errorf("state: malformed collateral key %q", key)
		}
		user := common.HexToAddress(parts[0])
		asset := common.HexToAddress(parts[1])
		into.RestorePosition(user, asset, new(big.Int).SetBytes(value), nil)
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.Ascend([]byte(debtPrefix), func(key, value []byte) error {
		user := common.HexToAddress(strings.TrimPrefix(string(key), debtPrefix))
		into.RestorePosition(user, common.Address{}, nil, new(big.Int).SetBytes(value))
		return nil
	})
}
