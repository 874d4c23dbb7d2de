package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	Chain    ChainConfig    `yaml:"chain"`
	State    StateConfig    `yaml:"state"`
	Registry RegistryConfig `yaml:"registry"`
	Keeper   KeeperConfig   `yaml:"keeper"`
	API      APIConfig      `yaml:"api"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Stream   StreamConfig   `yaml:"stream"`
	Journal  JournalConfig  `yaml:"journal"`
	Telegram TelegramConfig `yaml:"telegram"`
	Redis    RedisConfig    `yaml:"redis"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type ChainConfig struct {
	ChainID         int64         `yaml:"chain_id"`
	ContractAddress string        `yaml:"contract_address"`
	RPCURL          string        `yaml:"rpc_url"`
	RPCTimeout      time.Duration `yaml:"rpc_timeout"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// RegistryConfig seeds the allow-list on first start. Once a snapshot is
// persisted the stored registry wins.
type RegistryConfig struct {
	Owner      string        `yaml:"owner"`
	PythOracle string        `yaml:"pyth_oracle"`
	Assets     []AssetConfig `yaml:"assets"`
}

type AssetConfig struct {
	ID            uint32   `yaml:"id"`
	Symbol        string   `yaml:"symbol"`
	ChainlinkFeed string   `yaml:"chainlink_feed"`
	PythFeedID    string   `yaml:"pyth_feed_id"`
	DataSources   []string `yaml:"data_sources"`
}

type KeeperConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	Interval      time.Duration `yaml:"interval"`
	HermesURL     string        `yaml:"hermes_url"`
	HermesTimeout time.Duration `yaml:"hermes_timeout"`
	MaxRoundSteps int           `yaml:"max_round_steps"`
	RetryCooldown time.Duration `yaml:"retry_cooldown"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type StreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
	Buffer  int    `yaml:"buffer"`
}

type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	AmountDecimals         int32         `yaml:"amount_decimals"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type RedisConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	TLSEnabled bool   `yaml:"tls_enabled"`
	KeyPrefix  string `yaml:"key_prefix"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = "json"
	}
	if cfg.Chain.RPCTimeout == 0 {
		cfg.Chain.RPCTimeout = 10 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/trade-entry.db"
	}
	if cfg.Keeper.Interval == 0 {
		cfg.Keeper.Interval = 30 * time.Second
	}
	if cfg.Keeper.HermesURL == "" {
		cfg.Keeper.HermesURL = "https://hermes.pyth.network"
	}
	if cfg.Keeper.HermesTimeout == 0 {
		cfg.Keeper.HermesTimeout = 10 * time.Second
	}
	if cfg.Keeper.MaxRoundSteps == 0 {
		cfg.Keeper.MaxRoundSteps = 500
	}
	if cfg.Keeper.RetryCooldown == 0 {
		cfg.Keeper.RetryCooldown = 10 * time.Minute
	}
	if cfg.Keeper.LeaseTTL == 0 {
		cfg.Keeper.LeaseTTL = 2 * cfg.Keeper.Interval
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Stream.Addr == "" {
		cfg.Stream.Addr = ":8090"
	}
	if cfg.Stream.Path == "" {
		cfg.Stream.Path = "/ws"
	}
	if cfg.Stream.Buffer == 0 {
		cfg.Stream.Buffer = 64
	}
	if cfg.Journal.Schema == "" {
		cfg.Journal.Schema = "public"
	}
	if cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = 256
	}
	if cfg.Telegram.AmountDecimals == 0 {
		cfg.Telegram.AmountDecimals = 18
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "trade-entry"
	}
}

func validate(cfg *Config) error {
	if cfg.Chain.ChainID <= 0 {
		return errors.New("chain.chain_id must be > 0")
	}
	if !isAddress(cfg.Chain.ContractAddress) {
		return errors.New("chain.contract_address must be a hex address")
	}
	if cfg.Registry.Owner != "" && !isAddress(cfg.Registry.Owner) {
		return errors.New("registry.owner must be a hex address")
	}
	if cfg.Registry.PythOracle != "" && !isAddress(cfg.Registry.PythOracle) {
		return errors.New("registry.pyth_oracle must be a hex address")
	}
	seen := make(map[uint32]struct{}, len(cfg.Registry.Assets))
	for _, asset := range cfg.Registry.Assets {
		if _, ok := seen[asset.ID]; ok {
			return fmt.Errorf("registry.assets: duplicate id %d", asset.ID)
		}
		seen[asset.ID] = struct{}{}
		if asset.ChainlinkFeed != "" && !isAddress(asset.ChainlinkFeed) {
			return fmt.Errorf("registry.assets[%d].chainlink_feed must be a hex address", asset.ID)
		}
		if asset.PythFeedID != "" && !isHash(asset.PythFeedID) {
			return fmt.Errorf("registry.assets[%d].pyth_feed_id must be 32 hex bytes", asset.ID)
		}
		for _, source := range asset.DataSources {
			switch strings.ToLower(strings.TrimSpace(source)) {
			case "chainlink", "pyth":
			default:
				return fmt.Errorf("registry.assets[%d]: unknown data source %q", asset.ID, source)
			}
		}
	}
	if cfg.Keeper.Enabled {
		if !isAddress(cfg.Keeper.Address) {
			return errors.New("keeper.address must be a hex address when keeper is enabled")
		}
		if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
			return errors.New("chain.rpc_url is required when keeper is enabled")
		}
	}
	if cfg.Keeper.Interval < 0 || cfg.Keeper.RetryCooldown < 0 || cfg.Keeper.LeaseTTL < 0 {
		return errors.New("keeper durations must be >= 0")
	}
	if cfg.Journal.Enabled && strings.TrimSpace(cfg.Journal.DSN) == "" {
		return errors.New("journal.dsn is required when journal is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	return nil
}

func isAddress(value string) bool {
	return common.IsHexAddress(strings.TrimSpace(value))
}

func isHash(value string) bool {
	clean := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if len(clean) != 64 {
		return false
	}
	for _, r := range clean {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
