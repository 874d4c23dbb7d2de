package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"trade-entry/internal/alerts"
	"trade-entry/internal/api"
	"trade-entry/internal/config"
	"trade-entry/internal/engine"
	"trade-entry/internal/events"
	"trade-entry/internal/journal"
	"trade-entry/internal/keeper"
	"trade-entry/internal/lease"
	"trade-entry/internal/metrics"
	"trade-entry/internal/oracle"
	"trade-entry/internal/oracle/chainlink"
	"trade-entry/internal/oracle/pyth"
	"trade-entry/internal/registry"
	"trade-entry/internal/signing"
	"trade-entry/internal/state"
	"trade-entry/internal/state/sqlite"
	"trade-entry/internal/stream"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	alertBuffer = 64
	streamPing  = 20 * time.Second
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    state.Store
	eth      *ethclient.Client
	registry *registry.Registry
	engine   *engine.Engine
	keeper   *keeper.Keeper
	api      *api.Server
	hub      *stream.Hub
	alerts   *alerts.Telegram
	journal  *journal.Writer
	lease    *lease.Redis
	prom     *metrics.Prometheus
	metrics  *metrics.Metrics
	sinks    []*events.Async

	operatorWarned bool
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, store: store, metrics: metrics.NewNoop()}
	if err := a.init(ctx, store); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, store *sqlite.Store) error {
	cfg := a.cfg
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}

	reg, err := loadRegistry(ctx, cfg.Registry, store, a.log)
	if err != nil {
		return err
	}
	a.registry = reg

	escrow := common.HexToAddress(cfg.Chain.ContractAddress)
	var caller ethereum.ContractCaller
	if cfg.Chain.RPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		a.eth = client
		caller = timeoutCaller{next: client, timeout: cfg.Chain.RPCTimeout}
	} else {
		a.log.Warn("rpc_url not set: settlement disabled")
	}
	pythFrom := escrow
	if cfg.Keeper.Address != "" {
		pythFrom = common.HexToAddress(cfg.Keeper.Address)
	}
	openFeed := func(addr common.Address) chainlink.Feed { return chainlink.NewEVMFeed(caller, addr) }
	openPyth := func(addr common.Address) pyth.Oracle { return pyth.NewEVMOracle(caller, addr, pythFrom) }

	oracles := oracle.Set{}
	if caller != nil {
		oracles[trade.DataSourceChainlink] = chainlink.NewResolver(reg, openFeed)
		oracles[trade.DataSourcePyth] = pyth.NewResolver(reg, openPyth)
	}
	domain := signing.NewDomain(big.NewInt(cfg.Chain.ChainID), escrow)
	a.engine = engine.New(domain, reg, store, oracles, a.log)
	a.engine.SetMetrics(a.metrics)

	var publishers events.Multi
	a.alerts = alerts.NewTelegram(cfg.Telegram, a.log)
	if cfg.Telegram.Enabled {
		sink := events.NewAsync("telegram", a.alerts, alertBuffer, a.metrics.EventsDropped, a.log)
		a.sinks = append(a.sinks, sink)
		publishers = append(publishers, sink)
	}
	a.journal, err = journal.New(ctx, cfg.Journal, a.metrics.EventsDropped, a.log)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if a.journal != nil {
		publishers = append(publishers, a.journal)
	}
	if cfg.Stream.Enabled {
		a.hub = stream.NewHub(cfg.Stream.Buffer, streamPing, a.metrics.EventsDropped, a.log)
		publishers = append(publishers, a.hub)
	}
	a.engine.SetPublisher(publishers)

	a.lease, err = lease.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}

	if cfg.Keeper.Enabled && caller == nil {
		a.log.Warn("keeper disabled: rpc_url not set")
	}
	if cfg.Keeper.Enabled && caller != nil {
		hermes := pyth.NewHermes(cfg.Keeper.HermesURL, cfg.Keeper.HermesTimeout, a.log)
		evidence := map[trade.DataSource]keeper.Evidence{
			trade.DataSourceChainlink: keeper.NewChainlinkEvidence(reg, openFeed, cfg.Keeper.MaxRoundSteps),
			trade.DataSourcePyth:      keeper.NewPythEvidence(reg, hermes, openPyth),
		}
		a.keeper = keeper.New(a.engine, common.HexToAddress(cfg.Keeper.Address), evidence, store, a.log)
		a.keeper.SetMetrics(a.metrics)
		a.keeper.SetCooldown(cfg.Keeper.RetryCooldown)
		if a.lease != nil {
			a.keeper.SetLocker(a.lease, cfg.Keeper.LeaseTTL)
		}
	}
	if cfg.API.Enabled {
		a.api = api.New(a.engine, reg, store, a.log)
	}
	return nil
}

// Run serves every enabled component until ctx is cancelled or one of them
// fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	for _, sink := range a.sinks {
		g.Go(func() error { return sink.Run(ctx) })
	}
	if a.journal != nil {
		g.Go(func() error { return a.journal.Run(ctx) })
	}
	if a.keeper != nil {
		g.Go(func() error { return a.keeper.Run(ctx, a.cfg.Keeper.Interval) })
	}
	if a.api != nil {
		g.Go(func() error { return serveHTTP(ctx, a.log, "api", a.cfg.API.Addr, a.api.Router()) })
	}
	if a.prom != nil {
		mux := http.NewServeMux()
		mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
		g.Go(func() error { return serveHTTP(ctx, a.log, "metrics", a.cfg.Metrics.Addr, mux) })
	}
	if a.hub != nil {
		mux := http.NewServeMux()
		mux.Handle(a.cfg.Stream.Path, a.hub)
		g.Go(func() error { return serveHTTP(ctx, a.log, "stream", a.cfg.Stream.Addr, mux) })
	}
	if a.cfg.Telegram.OperatorEnabled {
		g.Go(func() error {
			a.runOperator(ctx)
			return nil
		})
	}
	a.log.Info("app running",
		zap.String("escrow", a.engine.Escrow().Hex()),
		zap.Bool("keeper", a.keeper != nil),
		zap.Bool("api", a.api != nil),
		zap.Bool("stream", a.hub != nil),
		zap.Bool("journal", a.journal != nil),
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}

func (a *App) close() {
	if err := a.journal.Close(); err != nil {
		a.log.Warn("journal close failed", zap.Error(err))
	}
	if err := a.lease.Close(); err != nil {
		a.log.Warn("redis close failed", zap.Error(err))
	}
	if a.eth != nil {
		a.eth.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", zap.Error(err))
		}
	}
}
