package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg = applyDefaults(cfg)

	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.HTTP.Addr)
	}
	if cfg.Monitor.Interval != 300*time.Second {
		t.Errorf("expected 300s, got %v", cfg.Monitor.Interval)
	}
	if cfg.Provider.Name != "binance" {
		t.Errorf("expected binance, got %s", cfg.Provider.Name)
	}
	if cfg.Dispatch.MaxAttempts != 4 {
		t.Errorf("expected 4 attempts, got %d", cfg.Dispatch.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestConfig_CacheTTLBoundedByInterval(t *testing.T) {
	cfg := Config{}
	cfg.Monitor.Interval = 10 * time.Second
	cfg.Provider.CacheTTL = time.Minute
	cfg = applyDefaults(cfg)

	if cfg.Provider.CacheTTL != 10*time.Second {
		t.Errorf("expected cache ttl capped at 10s, got %v", cfg.Provider.CacheTTL)
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("CHECK_INTERVAL", "45s")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")

	cfg := Config{}
	cfg.DB.DSN = "postgres://from-yaml"
	cfg, err := applyEnv(cfg)
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}

	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.HTTP.Addr)
	}
	if cfg.Monitor.Interval != 45*time.Second {
		t.Errorf("expected 45s, got %v", cfg.Monitor.Interval)
	}
	if cfg.Notifier.Telegram.Token != "tok" {
		t.Errorf("expected tok, got %s", cfg.Notifier.Telegram.Token)
	}
	if cfg.DB.DSN != "postgres://from-yaml" {
		t.Errorf("expected yaml dsn kept, got %s", cfg.DB.DSN)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := applyDefaults(Config{})

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown provider", func(c *Config) { c.Provider.Name = "kraken" }},
		{"negative interval", func(c *Config) { c.Monitor.Interval = -time.Second }},
		{"zero in flight", func(c *Config) { c.Monitor.MaxInFlight = 0 }},
		{"zero attempts", func(c *Config) { c.Dispatch.MaxAttempts = 0 }},
		{"telegram without token", func(c *Config) { c.Notifier.Telegram.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
monitor:
  interval: 30s
  max_in_flight: 4
provider:
  name: coingecko
  coin_ids:
    PEPE: pepe
dispatch:
  max_attempts: 2
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Monitor.Interval != 30*time.Second {
		t.Errorf("expected 30s, got %v", cfg.Monitor.Interval)
	}
	if cfg.Provider.Name != "coingecko" || cfg.Provider.CoinIDs["PEPE"] != "pepe" {
		t.Errorf("unexpected provider config: %+v", cfg.Provider)
	}
	if cfg.Provider.CacheTTL != 30*time.Second {
		t.Errorf("expected cache ttl 30s, got %v", cfg.Provider.CacheTTL)
	}
	if cfg.Dispatch.MaxAttempts != 2 {
		t.Errorf("expected 2 attempts, got %d", cfg.Dispatch.MaxAttempts)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.HTTP.Addr == "" {
		t.Error("expected default addr")
	}
}
