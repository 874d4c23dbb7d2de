package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trade-entry/internal/state"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS balances (
		asset TEXT NOT NULL,
		owner TEXT NOT NULL,
		amount TEXT NOT NULL,
		PRIMARY KEY (asset, owner)
	)`,
	`CREATE TABLE IF NOT EXISTS allowances (
		asset TEXT NOT NULL,
		owner TEXT NOT NULL,
		spender TEXT NOT NULL,
		amount TEXT NOT NULL,
		PRIMARY KEY (asset, owner, spender)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		params BLOB NOT NULL,
		status INTEGER NOT NULL,
		acceptor TEXT NOT NULL,
		expiry INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trades_status_expiry ON trades (status, expiry)`,
}

// Store is both the key/value store and the trade ledger. A single
// connection serializes writers.
type Store struct {
	db *sql.DB
}

var (
	_ state.Store  = (*Store)(nil)
	_ state.Ledger = (*Store)(nil)
)

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) Update(ctx context.Context, fn func(state.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&ledgerTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) View(ctx context.Context, fn func(state.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&ledgerTx{ctx: ctx, tx: tx})
}

func (s *Store) Close() error {
	return s.db.Close()
}
