// Package keeper settles started trades once their expiry has passed.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"trade-entry/internal/engine"
	"trade-entry/internal/lease"
	"trade-entry/internal/metrics"
	"trade-entry/internal/state"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const leaseName = "keeper"

type Engine interface {
	ExpiredTrades(ctx context.Context) ([]state.TradeEntry, error)
	SettleTrade(ctx context.Context, caller common.Address, p trade.Params, evidence []byte, fee *big.Int) (engine.Settlement, error)
}

type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error)
}

type Keeper struct {
	engine   Engine
	caller   common.Address
	evidence map[trade.DataSource]Evidence
	store    state.Store
	locker   Locker
	metrics  *metrics.Metrics
	log      *zap.Logger

	leaseTTL time.Duration
	cooldown time.Duration
	backoff  time.Duration
	attempts int
	now      func() time.Time

	mu     sync.RWMutex
	paused bool
}

// New builds a keeper that settles as caller. store holds per-trade retry
// cooldowns and may be nil.
func New(eng Engine, caller common.Address, evidence map[trade.DataSource]Evidence, store state.Store, log *zap.Logger) *Keeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Keeper{
		engine:   eng,
		caller:   caller,
		evidence: evidence,
		store:    store,
		metrics:  metrics.NewNoop(),
		log:      log,
		leaseTTL: time.Minute,
		cooldown: 10 * time.Minute,
		backoff:  200 * time.Millisecond,
		attempts: 5,
		now:      time.Now,
	}
}

// SetLocker makes every tick run under a shared lease.
func (k *Keeper) SetLocker(l Locker, ttl time.Duration) {
	k.locker = l
	if ttl > 0 {
		k.leaseTTL = ttl
	}
}

func (k *Keeper) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		k.metrics = m
	}
}

func (k *Keeper) SetCooldown(d time.Duration) {
	if d >= 0 {
		k.cooldown = d
	}
}

func (k *Keeper) Pause() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	was := k.paused
	k.paused = true
	return !was
}

func (k *Keeper) Resume() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	was := k.paused
	k.paused = false
	return was
}

func (k *Keeper) Paused() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.paused
}

// Run ticks every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := k.Tick(ctx); err != nil {
				k.log.Warn("keeper tick failed", zap.Error(err))
			}
		}
	}
}

// Tick settles every expired trade it can and returns how many it settled.
func (k *Keeper) Tick(ctx context.Context) (int, error) {
	if k.Paused() {
		return 0, nil
	}
	if k.locker != nil {
		release, err := k.locker.Acquire(ctx, leaseName, k.leaseTTL)
		if errors.Is(err, lease.ErrHeld) {
			k.log.Debug("keeper lease held elsewhere")
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		defer release()
	}
	entries, err := k.engine.ExpiredTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("list expired trades: %w", err)
	}
	settled := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if k.coolingDown(ctx, entry.ID) {
			continue
		}
		if err := k.settle(ctx, entry); err != nil {
			k.metrics.KeeperSettleFailed.Inc()
			k.log.Warn("keeper settle failed",
				zap.String("trade_id", entry.ID.Hex()),
				zap.String("data_source", entry.Params.DataSourceID.String()),
				zap.Error(err),
			)
			continue
		}
		settled++
	}
	return settled, nil
}

func (k *Keeper) settle(ctx context.Context, entry state.TradeEntry) error {
	builder, ok := k.evidence[entry.Params.DataSourceID]
	if !ok {
		k.deferTrade(ctx, entry.ID)
		return fmt.Errorf("no evidence builder for %s: %w", entry.Params.DataSourceID, trade.ErrUnavailableAssetOrDataSource)
	}
	var (
		evidence []byte
		fee      *big.Int
	)
	err := k.retry(ctx, func() error {
		var err error
		evidence, fee, err = builder.Build(ctx, entry)
		return err
	})
	if err != nil {
		k.deferTrade(ctx, entry.ID)
		return fmt.Errorf("build evidence: %w", err)
	}
	s, err := k.engine.SettleTrade(ctx, k.caller, entry.Params, evidence, fee)
	if err != nil {
		if engine.IsRejection(err) {
			k.deferTrade(ctx, entry.ID)
		}
		return err
	}
	k.clearDeferral(ctx, entry.ID)
	k.log.Info("keeper settled trade",
		zap.String("trade_id", s.TradeID.Hex()),
		zap.String("winner", s.Winner.Hex()),
		zap.String("fee_paid", s.FeePaid.String()),
	)
	return nil
}

func (k *Keeper) retry(ctx context.Context, fn func() error) error {
	backoff := k.backoff
	for attempt := 0; attempt < k.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == k.attempts-1 || engine.IsRejection(err) {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func retryKey(id common.Hash) string {
	return "keeper:retry_after:" + id.Hex()
}

func (k *Keeper) coolingDown(ctx context.Context, id common.Hash) bool {
	if k.store == nil {
		return false
	}
	raw, ok, err := k.store.Get(ctx, retryKey(id))
	if err != nil || !ok {
		return false
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return k.now().Unix() < until
}

func (k *Keeper) deferTrade(ctx context.Context, id common.Hash) {
	if k.store == nil || k.cooldown == 0 {
		return
	}
	until := k.now().Add(k.cooldown).Unix()
	if err := k.store.Set(ctx, retryKey(id), strconv.FormatInt(until, 10)); err != nil {
		k.log.Warn("failed to persist keeper cooldown", zap.String("trade_id", id.Hex()), zap.Error(err))
	}
}

func (k *Keeper) clearDeferral(ctx context.Context, id common.Hash) {
	if k.store == nil {
		return
	}
	_ = k.store.Delete(ctx, retryKey(id))
}
