package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"stablemint/storage"
)

var (
	// ErrInsufficientBalance indicates a burn against a balance smaller than
	// the requested amount.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
)

const (
	assetBalancePrefix  = "bal/"
	peggedBalancePrefix = "peg/"
	peggedSupplyKey     = "peg!supply"
)

// Bank keeps the fungible token balances for an in-process deployment:
// per-asset collateral balances keyed by (asset, holder) and pegged-token
// balances keyed by holder. It implements both token capability interfaces the
// engine consumes. Mint and Burn are restricted to the engine by construction:
// only the engine is handed the interface.
type Bank struct {
	mu sync.Mutex
	db storage.Database
}

func NewBank(db storage.Database) *Bank {
	return &Bank{db: db}
}

func assetBalanceKey(asset, holder common.Address) []byte {
	return []byte(assetBalancePrefix + asset.Hex() + "/" + holder.Hex())
}

func peggedBalanceKey(holder common.Address) []byte {
	return []byte(peggedBalancePrefix + holder.Hex())
}

func (b *Bank) read(key []byte) (*big.Int, error) {
	value, err := b.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(value), nil
}

func (b *Bank) write(key []byte, amount *big.Int) error {
	return b.db.Put(key, amount.Bytes())
}

// BalanceOf reports the holder's balance of the collateral asset.
func (b *Bank) BalanceOf(asset, holder common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read(assetBalanceKey(asset, holder))
}

// Credit adds to a holder's collateral balance. Used to seed genesis funding.
func (b *Bank) Credit(asset, holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bank: credit amount must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, err := b.read(assetBalanceKey(asset, holder))
	if err != nil {
		return err
	}
	return b.write(assetBalanceKey(asset, holder), balance.Add(balance, amount))
}

// TransferFrom moves amount of asset from owner to recipient. An owner balance
// below the amount reports failure without error, token-style.
func (b *Bank) TransferFrom(asset, owner, recipient common.Address, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(asset, owner, recipient, amount)
}

// move shifts a balance between two accounts under the held lock.
func (b *Bank) move(asset, from, to common.Address, amount *big.Int) (bool, error) {
	fromBalance, err := b.read(assetBalanceKey(asset, from))
	if err != nil {
		return false, err
	}
	if fromBalance.Cmp(amount) < 0 {
		return false, nil
	}
	toBalance, err := b.read(assetBalanceKey(asset, to))
	if err != nil {
		return false, err
	}
	if err := b.write(assetBalanceKey(asset, from), fromBalance.Sub(fromBalance, amount)); err != nil {
		return false, err
	}
	if err := b.write(assetBalanceKey(asset, to), toBalance.Add(toBalance, amount)); err != nil {
		return false, err
	}
	return true, nil
}

// PeggedBalanceOf reports the holder's pegged-token balance.
func (b *Bank) PeggedBalanceOf(holder common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read(peggedBalanceKey(holder))
}

// PeggedTotalSupply reports the outstanding pegged-token supply.
func (b *Bank) PeggedTotalSupply() (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read([]byte(peggedSupplyKey))
}

// Mint issues pegged tokens to the recipient.
func (b *Bank) Mint(to common.Address, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, err := b.read(peggedBalanceKey(to))
	if err != nil {
		return false, err
	}
	supply, err := b.read([]byte(peggedSupplyKey))
	if err != nil {
		return false, err
	}
	if err := b.write(peggedBalanceKey(to), balance.Add(balance, amount)); err != nil {
		return false, err
	}
	if err := b.write([]byte(peggedSupplyKey), supply.Add(supply, amount)); err != nil {
		return false, err
	}
	return true, nil
}

// Burn destroys pegged tokens held by from. Burning more than the balance
// fails with ErrInsufficientBalance.
func (b *Bank) Burn(from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bank: burn amount must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, err := b.read(peggedBalanceKey(from))
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	supply, err := b.read([]byte(peggedSupplyKey))
	if err != nil {
		return err
	}
	if err := b.write(peggedBalanceKey(from), balance.Sub(balance, amount)); err != nil {
		return err
	}
	return b.write([]byte(peggedSupplyKey), supply.Sub(supply, amount))
}

// CustodyTransfers adapts the Bank to the engine's collateral capability: the
// engine-facing Transfer sends out of the fixed custody account.
type CustodyTransfers struct {
	bank    *Bank
	custody common.Address
}

func NewCustodyTransfers(bank *Bank, custody common.Address) *CustodyTransfers {
	return &CustodyTransfers{bank: bank, custody: custody}
}

func (c *CustodyTransfers) TransferFrom(asset, owner, recipient common.Address, amount *big.Int) (bool, error) {
	return c.bank.TransferFrom(asset, owner, recipient, amount)
}

func (c *CustodyTransfers) Transfer(asset, recipient common.Address, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return false, nil
	}
	c.bank.mu.Lock()
	defer c.bank.mu.Unlock()
	return c.bank.move(asset, c.custody, recipient, amount)
}
