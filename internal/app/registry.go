package app

import (
	"context"
	"fmt"
	"strings"

	"trade-entry/internal/config"
	"trade-entry/internal/registry"
	"trade-entry/internal/state"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// loadRegistry restores the persisted registry, or seeds a new one from cfg
// when nothing has been stored yet.
func loadRegistry(ctx context.Context, cfg config.RegistryConfig, store state.Store, log *zap.Logger) (*registry.Registry, error) {
	reg, ok, err := registry.Load(ctx, store, log)
	if err != nil {
		return nil, err
	}
	if ok {
		log.Info("registry restored", zap.String("owner", reg.Owner().Hex()))
		return reg, nil
	}
	owner := common.HexToAddress(cfg.Owner)
	reg = registry.New(owner, store, log)
	if err := seedRegistry(ctx, reg, owner, cfg); err != nil {
		return nil, fmt.Errorf("seed registry: %w", err)
	}
	log.Info("registry seeded", zap.String("owner", owner.Hex()), zap.Int("assets", len(cfg.Assets)))
	return reg, nil
}

func seedRegistry(ctx context.Context, reg *registry.Registry, owner common.Address, cfg config.RegistryConfig) error {
	if cfg.PythOracle != "" {
		if err := reg.SetPythOracle(ctx, owner, common.HexToAddress(cfg.PythOracle)); err != nil {
			return err
		}
	}
	allowed := map[trade.DataSource][]uint32{}
	var (
		chainlinkIDs   []uint32
		chainlinkFeeds []common.Address
		pythIDs        []uint32
		pythFeeds      []common.Hash
	)
	for _, asset := range cfg.Assets {
		if asset.ChainlinkFeed != "" {
			chainlinkIDs = append(chainlinkIDs, asset.ID)
			chainlinkFeeds = append(chainlinkFeeds, common.HexToAddress(asset.ChainlinkFeed))
		}
		if asset.PythFeedID != "" {
			pythIDs = append(pythIDs, asset.ID)
			pythFeeds = append(pythFeeds, common.HexToHash(asset.PythFeedID))
		}
		for _, raw := range asset.DataSources {
			source, err := parseDataSource(raw)
			if err != nil {
				return err
			}
			allowed[source] = append(allowed[source], asset.ID)
		}
	}
	if len(chainlinkIDs) > 0 {
		if err := reg.ConfigureChainlinkFeeds(ctx, owner, chainlinkIDs, chainlinkFeeds); err != nil {
			return err
		}
	}
	if len(pythIDs) > 0 {
		if err := reg.ConfigurePythFeeds(ctx, owner, pythIDs, pythFeeds); err != nil {
			return err
		}
	}
	for _, source := range []trade.DataSource{trade.DataSourceChainlink, trade.DataSourcePyth} {
		if ids := allowed[source]; len(ids) > 0 {
			if err := reg.SetAssetsAllowed(ctx, owner, ids, source, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseDataSource(raw string) (trade.DataSource, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "chainlink":
		return trade.DataSourceChainlink, nil
	case "pyth":
		return trade.DataSourcePyth, nil
	default:
		return 0, fmt.Errorf("unknown data source %q", raw)
	}
}
