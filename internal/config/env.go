package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// LoadEnv reads a .env file and sets environment variables that are not
// already set. A missing file is not an error.
func LoadEnv(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, unquote(strings.TrimSpace(val)))
	}
	return scanner.Err()
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	first, last := val[0], val[len(val)-1]
	if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
		return val[1 : len(val)-1]
	}
	return val
}

// applyEnvOverrides lets secrets and deployment endpoints come from TE_*
// variables instead of the YAML file.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Chain.RPCURL, "TE_RPC_URL")
	setString(&cfg.Chain.ContractAddress, "TE_CONTRACT_ADDRESS")
	if raw, ok := lookup("TE_CHAIN_ID"); ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Chain.ChainID = id
		}
	}
	setString(&cfg.State.SQLitePath, "TE_SQLITE_PATH")
	setString(&cfg.Keeper.Address, "TE_KEEPER_ADDRESS")
	setString(&cfg.Keeper.HermesURL, "TE_HERMES_URL")
	setString(&cfg.Journal.DSN, "TE_JOURNAL_DSN")
	setString(&cfg.Telegram.Token, "TE_TELEGRAM_TOKEN")
	setString(&cfg.Telegram.ChatID, "TE_TELEGRAM_CHAT_ID")
	setString(&cfg.Redis.Addr, "TE_REDIS_ADDR")
	setString(&cfg.Redis.Password, "TE_REDIS_PASSWORD")
}

func lookup(key string) (string, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func setString(dst *string, key string) {
	if raw, ok := lookup(key); ok {
		*dst = raw
	}
}
