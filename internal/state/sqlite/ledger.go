package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/big"

	"trade-entry/internal/state"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

type ledgerTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (l *ledgerTx) Trade(id common.Hash) (state.TradeEntry, bool, error) {
	var (
		blob     []byte
		status   int64
		acceptor string
	)
	err := l.tx.QueryRowContext(l.ctx, `SELECT params, status, acceptor FROM trades WHERE id = ?`, id.Hex()).Scan(&blob, &status, &acceptor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.TradeEntry{ID: id}, false, nil
		}
		return state.TradeEntry{}, false, err
	}
	return decodeEntry(id, blob, status, acceptor)
}

func (l *ledgerTx) PutTrade(entry state.TradeEntry) error {
	blob, err := encodeParams(entry.Params)
	if err != nil {
		return err
	}
	_, err = l.tx.ExecContext(l.ctx, `INSERT INTO trades (id, params, status, acceptor, expiry) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, acceptor = excluded.acceptor`,
		entry.ID.Hex(), blob, int64(entry.Record.Status), entry.Record.Acceptor.Hex(), expiryColumn(entry.Params.Expiry))
	return err
}

func (l *ledgerTx) ListTrades(status trade.Status, expiredAt uint64) ([]state.TradeEntry, error) {
	rows, err := l.tx.QueryContext(l.ctx, `SELECT id, params, status, acceptor FROM trades WHERE status = ? AND expiry <= ? ORDER BY expiry, id`,
		int64(status), expiryColumn(expiredAt))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.TradeEntry
	for rows.Next() {
		var (
			id       string
			blob     []byte
			st       int64
			acceptor string
		)
		if err := rows.Scan(&id, &blob, &st, &acceptor); err != nil {
			return nil, err
		}
		entry, _, err := decodeEntry(common.HexToHash(id), blob, st, acceptor)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (l *ledgerTx) BalanceOf(asset, owner common.Address) (*big.Int, error) {
	return l.amount(`SELECT amount FROM balances WHERE asset = ? AND owner = ?`, asset.Hex(), owner.Hex())
}

func (l *ledgerTx) Allowance(asset, owner, spender common.Address) (*big.Int, error) {
	return l.amount(`SELECT amount FROM allowances WHERE asset = ? AND owner = ? AND spender = ?`, asset.Hex(), owner.Hex(), spender.Hex())
}

func (l *ledgerTx) Approve(asset, owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	_, err := l.tx.ExecContext(l.ctx, `INSERT INTO allowances (asset, owner, spender, amount) VALUES (?, ?, ?, ?)
		ON CONFLICT(asset, owner, spender) DO UPDATE SET amount = excluded.amount`,
		asset.Hex(), owner.Hex(), spender.Hex(), amount.String())
	return err
}

func (l *ledgerTx) Mint(asset, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	balance, err := l.BalanceOf(asset, to)
	if err != nil {
		return err
	}
	return l.setBalance(asset, to, balance.Add(balance, amount))
}

// TransferFrom spends spender's allowance over from. An allowance of
// 2^256-1 is treated as unlimited and never decremented.
func (l *ledgerTx) TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	allowance, err := l.Allowance(asset, from, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%s allowance %s for %s, need %s: %w", from.Hex(), allowance, spender.Hex(), amount, state.ErrInsufficientAllowance)
	}
	if err := l.Transfer(asset, from, to, amount); err != nil {
		return err
	}
	if allowance.Cmp(maxUint256) == 0 {
		return nil
	}
	return l.Approve(asset, from, spender, allowance.Sub(allowance, amount))
}

func (l *ledgerTx) Transfer(asset, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	fromBalance, err := l.BalanceOf(asset, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%s balance %s, need %s: %w", from.Hex(), fromBalance, amount, state.ErrInsufficientBalance)
	}
	if from == to {
		return nil
	}
	if err := l.setBalance(asset, from, fromBalance.Sub(fromBalance, amount)); err != nil {
		return err
	}
	toBalance, err := l.BalanceOf(asset, to)
	if err != nil {
		return err
	}
	return l.setBalance(asset, to, toBalance.Add(toBalance, amount))
}

func (l *ledgerTx) setBalance(asset, owner common.Address, amount *big.Int) error {
	_, err := l.tx.ExecContext(l.ctx, `INSERT INTO balances (asset, owner, amount) VALUES (?, ?, ?)
		ON CONFLICT(asset, owner) DO UPDATE SET amount = excluded.amount`,
		asset.Hex(), owner.Hex(), amount.String())
	return err
}

func (l *ledgerTx) amount(query string, args ...any) (*big.Int, error) {
	var raw string
	err := l.tx.QueryRowContext(l.ctx, query, args...).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, err
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q", raw)
	}
	return v, nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid amount %v", amount)
	}
	if amount.Cmp(maxUint256) > 0 {
		return fmt.Errorf("amount overflows uint256: %s", amount)
	}
	return nil
}

// expiryColumn clamps to the sqlite integer range; the params blob keeps the
// exact value.
func expiryColumn(expiry uint64) int64 {
	if expiry > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(expiry)
}
