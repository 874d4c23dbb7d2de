package state

import (
	"context"
	"errors"
	"math/big"

	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAsset is the ledger key for the chain's native coin. Oracle update
// fees are paid in it.
var NativeAsset = common.Address{}

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// TradeEntry is one row of the trade table keyed by trade identity.
type TradeEntry struct {
	ID     common.Hash
	Params trade.Params
	Record trade.Record
}

// Ledger runs fn inside a single storage transaction. Update commits when fn
// returns nil and rolls everything back otherwise; View always rolls back.
type Ledger interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
}

// Tx is the fungible-asset and trade-table surface available inside a
// ledger transaction. Transfers are all or nothing.
type Tx interface {
	Trade(id common.Hash) (TradeEntry, bool, error)
	PutTrade(entry TradeEntry) error
	// ListTrades returns trades in status whose expiry is at or before
	// expiredAt, oldest expiry first.
	ListTrades(status trade.Status, expiredAt uint64) ([]TradeEntry, error)

	BalanceOf(asset, owner common.Address) (*big.Int, error)
	Allowance(asset, owner, spender common.Address) (*big.Int, error)
	Approve(asset, owner, spender common.Address, amount *big.Int) error
	Mint(asset, to common.Address, amount *big.Int) error
	TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error
	Transfer(asset, from, to common.Address, amount *big.Int) error
}
