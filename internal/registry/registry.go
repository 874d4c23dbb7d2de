package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"trade-entry/internal/state"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var ErrLengthMismatch = errors.New("length mismatch")

type pair struct {
	asset  uint32
	source trade.DataSource
}

type tables struct {
	owner      common.Address
	pythOracle common.Address
	allowed    map[pair]bool
	chainlink  map[uint32]common.Address
	pyth       map[uint32]common.Hash
}

func (t tables) clone() tables {
	out := tables{
		owner:      t.owner,
		pythOracle: t.pythOracle,
		allowed:    make(map[pair]bool, len(t.allowed)),
		chainlink:  make(map[uint32]common.Address, len(t.chainlink)),
		pyth:       make(map[uint32]common.Hash, len(t.pyth)),
	}
	for k, v := range t.allowed {
		out.allowed[k] = v
	}
	for k, v := range t.chainlink {
		out.chainlink[k] = v
	}
	for k, v := range t.pyth {
		out.pyth[k] = v
	}
	return out
}

// Registry holds the (asset, data source) allow-list and per-asset oracle
// wiring. Every mutation is owner-only, applied atomically and persisted
// before it becomes visible.
type Registry struct {
	mu    sync.RWMutex
	store state.Store
	log   *zap.Logger
	now   func() time.Time
	t     tables
}

func New(owner common.Address, store state.Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store: store,
		log:   log,
		now:   time.Now,
		t: tables{
			owner:     owner,
			allowed:   make(map[pair]bool),
			chainlink: make(map[uint32]common.Address),
			pyth:      make(map[uint32]common.Hash),
		},
	}
}

// Load restores a registry from store. ok is false when nothing was saved.
func Load(ctx context.Context, store state.Store, log *zap.Logger) (*Registry, bool, error) {
	snapshot, ok, err := state.LoadRegistrySnapshot(ctx, store)
	if err != nil || !ok {
		return nil, ok, err
	}
	r := New(common.HexToAddress(snapshot.Owner), store, log)
	r.t.pythOracle = common.HexToAddress(snapshot.PythOracle)
	for _, p := range snapshot.Allowed {
		r.t.allowed[pair{asset: p.AssetID, source: trade.DataSource(p.DataSourceID)}] = true
	}
	for id, feed := range snapshot.ChainlinkFeeds {
		if !common.IsHexAddress(feed) {
			return nil, false, fmt.Errorf("chainlink feed for asset %d: invalid address %q", id, feed)
		}
		r.t.chainlink[id] = common.HexToAddress(feed)
	}
	for id, feed := range snapshot.PythFeeds {
		r.t.pyth[id] = common.HexToHash(feed)
	}
	return r, true, nil
}

func (r *Registry) Owner() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.t.owner
}

func (r *Registry) IsAllowed(assetID uint32, source trade.DataSource) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.t.allowed[pair{asset: assetID, source: source}]
}

func (r *Registry) ChainlinkFeed(assetID uint32) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	feed, ok := r.t.chainlink[assetID]
	return feed, ok && feed != (common.Address{})
}

func (r *Registry) PythFeed(assetID uint32) (common.Hash, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	feed, ok := r.t.pyth[assetID]
	return feed, ok && feed != (common.Hash{})
}

func (r *Registry) PythOracle() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.t.pythOracle
}

func (r *Registry) SetAllowed(ctx context.Context, caller common.Address, assetID uint32, source trade.DataSource, allowed bool) error {
	return r.SetAssetsAllowed(ctx, caller, []uint32{assetID}, source, allowed)
}

func (r *Registry) SetAssetsAllowed(ctx context.Context, caller common.Address, assetIDs []uint32, source trade.DataSource, allowed bool) error {
	return r.mutate(ctx, caller, "set_allowed", func(t *tables) error {
		for _, id := range assetIDs {
			if allowed {
				t.allowed[pair{asset: id, source: source}] = true
			} else {
				delete(t.allowed, pair{asset: id, source: source})
			}
		}
		return nil
	})
}

func (r *Registry) SetChainlinkFeed(ctx context.Context, caller common.Address, assetID uint32, feed common.Address) error {
	return r.ConfigureChainlinkFeeds(ctx, caller, []uint32{assetID}, []common.Address{feed})
}

func (r *Registry) ConfigureChainlinkFeeds(ctx context.Context, caller common.Address, assetIDs []uint32, feeds []common.Address) error {
	if len(assetIDs) != len(feeds) {
		return fmt.Errorf("%d asset ids, %d feeds: %w", len(assetIDs), len(feeds), ErrLengthMismatch)
	}
	return r.mutate(ctx, caller, "configure_chainlink_feeds", func(t *tables) error {
		for i, id := range assetIDs {
			t.chainlink[id] = feeds[i]
		}
		return nil
	})
}

func (r *Registry) SetPythFeed(ctx context.Context, caller common.Address, assetID uint32, feedID common.Hash) error {
	return r.ConfigurePythFeeds(ctx, caller, []uint32{assetID}, []common.Hash{feedID})
}

func (r *Registry) ConfigurePythFeeds(ctx context.Context, caller common.Address, assetIDs []uint32, feedIDs []common.Hash) error {
	if len(assetIDs) != len(feedIDs) {
		return fmt.Errorf("%d asset ids, %d feed ids: %w", len(assetIDs), len(feedIDs), ErrLengthMismatch)
	}
	return r.mutate(ctx, caller, "configure_pyth_feeds", func(t *tables) error {
		for i, id := range assetIDs {
			t.pyth[id] = feedIDs[i]
		}
		return nil
	})
}

func (r *Registry) SetPythOracle(ctx context.Context, caller common.Address, oracle common.Address) error {
	return r.mutate(ctx, caller, "set_pyth_oracle", func(t *tables) error {
		t.pythOracle = oracle
		return nil
	})
}

func (r *Registry) TransferOwnership(ctx context.Context, caller common.Address, newOwner common.Address) error {
	return r.mutate(ctx, caller, "transfer_ownership", func(t *tables) error {
		if newOwner == (common.Address{}) {
			return errors.New("new owner is the zero address")
		}
		t.owner = newOwner
		return nil
	})
}

// Snapshot returns the persisted form of the current tables.
func (r *Registry) Snapshot() state.RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() state.RegistrySnapshot {
	out := state.RegistrySnapshot{
		Owner:          r.t.owner.Hex(),
		PythOracle:     r.t.pythOracle.Hex(),
		ChainlinkFeeds: make(map[uint32]string, len(r.t.chainlink)),
		PythFeeds:      make(map[uint32]string, len(r.t.pyth)),
		UpdatedAtMS:    r.now().UnixMilli(),
	}
	for k, ok := range r.t.allowed {
		if ok {
			out.Allowed = append(out.Allowed, state.AllowedPair{AssetID: k.asset, DataSourceID: uint8(k.source)})
		}
	}
	sort.Slice(out.Allowed, func(i, j int) bool {
		if out.Allowed[i].AssetID != out.Allowed[j].AssetID {
			return out.Allowed[i].AssetID < out.Allowed[j].AssetID
		}
		return out.Allowed[i].DataSourceID < out.Allowed[j].DataSourceID
	})
	for id, feed := range r.t.chainlink {
		out.ChainlinkFeeds[id] = feed.Hex()
	}
	for id, feed := range r.t.pyth {
		out.PythFeeds[id] = feed.Hex()
	}
	return out
}

func (r *Registry) mutate(ctx context.Context, caller common.Address, op string, fn func(*tables) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.t.owner {
		r.log.Warn("registry call rejected", zap.String("op", op), zap.String("caller", caller.Hex()))
		return fmt.Errorf("%s by %s: %w", op, caller.Hex(), trade.ErrNotAuthorized)
	}
	prev := r.t
	next := r.t.clone()
	if err := fn(&next); err != nil {
		return err
	}
	r.t = next
	if err := state.SaveRegistrySnapshot(ctx, r.store, r.snapshotLocked()); err != nil {
		r.t = prev
		return fmt.Errorf("persist registry: %w", err)
	}
	r.log.Info("registry updated", zap.String("op", op))
	return nil
}
