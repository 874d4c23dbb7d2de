package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnv(t *testing.T) {
	unsetEnv(t, "TE_FOO")
	unsetEnv(t, "TE_QUOTED")
	unsetEnv(t, "TE_SINGLE")
	unsetEnv(t, "TE_EXPORTED")
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "" +
		"# comment\n" +
		"TE_FOO=bar\n" +
		"TE_QUOTED=\"baz\"\n" +
		"TE_SINGLE='qux'\n" +
		"export TE_EXPORTED=yes\n" +
		"not a pair\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	for key, want := range map[string]string{
		"TE_FOO":      "bar",
		"TE_QUOTED":   "baz",
		"TE_SINGLE":   "qux",
		"TE_EXPORTED": "yes",
	} {
		if got := os.Getenv(key); got != want {
			t.Fatalf("%s expected %q, got %q", key, want, got)
		}
	}
}

func TestLoadEnvDoesNotOverrideExisting(t *testing.T) {
	t.Setenv("TE_FOO", "existing")
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TE_FOO=bar\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("TE_FOO"); got != "existing" {
		t.Fatalf("TE_FOO expected existing, got %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	t.Setenv("TE_RPC_URL", "http://rpc.local")
	t.Setenv("TE_CHAIN_ID", "8453")
	t.Setenv("TE_TELEGRAM_TOKEN", "env-token")
	t.Setenv("TE_REDIS_ADDR", " ")
	cfg := &Config{
		Chain: ChainConfig{ChainID: 1, RPCURL: "http://file"},
		Redis: RedisConfig{Addr: "redis:6379"},
	}
	applyEnvOverrides(cfg)
	if cfg.Chain.RPCURL != "http://rpc.local" {
		t.Fatalf("expected env rpc url, got %q", cfg.Chain.RPCURL)
	}
	if cfg.Chain.ChainID != 8453 {
		t.Fatalf("expected env chain id, got %d", cfg.Chain.ChainID)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("expected env token, got %q", cfg.Telegram.Token)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("expected blank env to be ignored, got %q", cfg.Redis.Addr)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}
