// Package journal appends committed trade events to Postgres, as a
// TimescaleDB hypertable when the extension is available.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"trade-entry/internal/config"
	"trade-entry/internal/events"
	"trade-entry/internal/metrics"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const (
	writeTimeout = 3 * time.Second
	tableName    = "trade_events"
)

var schemaPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	queue   chan events.Event
	dropped metrics.Counter
	started atomic.Bool
	drops   atomic.Uint64
}

// New opens the journal. It returns nil when the journal is disabled.
func New(ctx context.Context, cfg config.JournalConfig, dropped metrics.Counter, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("journal dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w, err := newWriter(db, cfg.Schema, cfg.QueueSize, dropped, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, dropped metrics.Counter, log *zap.Logger) (*Writer, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if !schemaPattern.MatchString(schema) {
		return nil, fmt.Errorf("invalid journal schema %q", schema)
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if dropped == nil {
		dropped = metrics.NewNoop().EventsDropped
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		queue:   make(chan events.Event, queueSize),
		dropped: dropped,
	}, nil
}

// Publish queues e for insertion and never blocks.
func (w *Writer) Publish(_ context.Context, e events.Event) {
	if w == nil {
		return
	}
	select {
	case w.queue <- e:
	default:
		w.dropped.Inc()
		if w.drops.Add(1) == 1 {
			w.log.Warn("journal queue full")
		}
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("journal already running")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-w.queue:
			if err := w.insert(ctx, e); err != nil {
				w.log.Warn("journal insert failed", zap.String("trade_id", e.TradeID.Hex()), zap.Error(err))
			}
		}
	}
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		event_id UUID NOT NULL,
		kind TEXT NOT NULL,
		trade_id TEXT NOT NULL,
		initiator TEXT NOT NULL,
		acceptor TEXT NOT NULL,
		deposit_asset TEXT NOT NULL,
		pool NUMERIC(78, 0) NOT NULL,
		observation_asset_id INTEGER NOT NULL,
		data_source TEXT NOT NULL,
		direction TEXT NOT NULL,
		strike NUMERIC(78, 0) NOT NULL,
		expiry BIGINT NOT NULL,
		price NUMERIC(78, 0),
		observed_at BIGINT,
		winner TEXT,
		payout NUMERIC(78, 0),
		params JSONB NOT NULL,
		PRIMARY KEY (ts, event_id)
	)`, w.table())); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table())); err != nil {
		w.log.Warn("trade_events hypertable create failed", zap.Error(err))
	}
	return nil
}

// row flattens an event into insert arguments; settlement columns are NULL
// for started events.
func row(e events.Event) ([]any, error) {
	p := e.Params
	params, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var (
		price, winner, payout any
		observedAt            any
	)
	if e.Kind == events.KindTradeSettled {
		if e.Price != nil {
			price = e.Price.String()
		}
		if e.Payout != nil {
			payout = e.Payout.String()
		}
		winner = e.Winner.Hex()
		observedAt = int64(e.ObservedAt)
	}
	return []any{
		e.Time,
		e.ID.String(),
		string(e.Kind),
		e.TradeID.Hex(),
		p.Initiator.Hex(),
		e.Acceptor.Hex(),
		p.DepositAsset.Hex(),
		p.Pool().String(),
		int64(p.ObservationAssetID),
		p.DataSourceID.String(),
		p.Direction.String(),
		p.Price.String(),
		int64(p.Expiry),
		price,
		observedAt,
		winner,
		payout,
		string(params),
	}, nil
}

func (w *Writer) insert(ctx context.Context, e events.Event) error {
	args, err := row(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, event_id, kind, trade_id, initiator, acceptor, deposit_asset, pool,
		observation_asset_id, data_source, direction, strike, expiry,
		price, observed_at, winner, payout, params
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
	)
	ON CONFLICT (ts, event_id) DO NOTHING`, w.table())
	_, err = w.db.ExecContext(ctx, query, args...)
	return err
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table() string {
	return w.schema + "." + tableName
}
