package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config 儲存監控程序及外部相依的執行設定。
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	DB       DBConfig       `yaml:"db"`
	Log      LogConfig      `yaml:"log"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Provider ProviderConfig `yaml:"provider"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Notifier NotifierConfig `yaml:"notifier"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR,overwrite"`
}

type DBConfig struct {
	DSN          string        `yaml:"dsn" env:"DB_DSN,overwrite"`
	MaxOpenConns int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS,overwrite"`
	MaxIdleConns int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS,overwrite"`
	MaxIdleTime  time.Duration `yaml:"max_idle_time" env:"DB_MAX_IDLE_TIME,overwrite"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL,overwrite"`
}

// MonitorConfig 控制 poll scheduler 的節奏與界限。
type MonitorConfig struct {
	Interval            time.Duration `yaml:"interval" env:"CHECK_INTERVAL,overwrite"`
	TickTimeout         time.Duration `yaml:"tick_timeout" env:"TICK_TIMEOUT,overwrite"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT,overwrite"`
	MaxInFlight         int           `yaml:"max_in_flight" env:"MAX_IN_FLIGHT,overwrite"`
	ReadRetryMaxElapsed time.Duration `yaml:"read_retry_max_elapsed" env:"READ_RETRY_MAX_ELAPSED,overwrite"`
}

// ProviderConfig 行情供應商與其限流參數。
type ProviderConfig struct {
	Name           string            `yaml:"name" env:"PRICE_PROVIDER,overwrite"`
	BaseURL        string            `yaml:"base_url" env:"PRICE_PROVIDER_BASE_URL,overwrite"`
	APIKey         string            `yaml:"api_key" env:"PRICE_PROVIDER_API_KEY,overwrite"`
	Pro            bool              `yaml:"pro" env:"COINGECKO_PRO,overwrite"`
	QuoteAsset     string            `yaml:"quote_asset" env:"QUOTE_ASSET,overwrite"`
	VsCurrency     string            `yaml:"vs_currency" env:"VS_CURRENCY,overwrite"`
	RatePerSecond  float64           `yaml:"rate_per_second" env:"PROVIDER_RATE_PER_SECOND,overwrite"`
	Burst          int               `yaml:"burst" env:"PROVIDER_BURST,overwrite"`
	BatchSize      int               `yaml:"batch_size" env:"PROVIDER_BATCH_SIZE,overwrite"`
	CacheTTL       time.Duration     `yaml:"cache_ttl" env:"PRICE_CACHE_TTL,overwrite"`
	BackoffInitial time.Duration     `yaml:"backoff_initial" env:"PROVIDER_BACKOFF_INITIAL,overwrite"`
	BackoffMax     time.Duration     `yaml:"backoff_max" env:"PROVIDER_BACKOFF_MAX,overwrite"`
	CoinIDs        map[string]string `yaml:"coin_ids"`
}

// DispatchConfig 通知重試參數。
type DispatchConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" env:"DISPATCH_MAX_ATTEMPTS,overwrite"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" env:"DISPATCH_INITIAL_BACKOFF,overwrite"`
	MaxBackoff        time.Duration `yaml:"max_backoff" env:"DISPATCH_MAX_BACKOFF,overwrite"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout" env:"DISPATCH_ATTEMPT_TIMEOUT,overwrite"`
	DeadLetterTimeout time.Duration `yaml:"dead_letter_timeout" env:"DEAD_LETTER_TIMEOUT,overwrite"`
}

type NotifierConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

type TelegramConfig struct {
	Enabled       bool   `yaml:"enabled" env:"TELEGRAM_ENABLED,overwrite"`
	Token         string `yaml:"token" env:"TELEGRAM_BOT_TOKEN,overwrite"`
	Prefix        string `yaml:"prefix" env:"TELEGRAM_PREFIX,overwrite"`
	APIURL        string `yaml:"api_url" env:"TELEGRAM_API_URL,overwrite"`
	VerifyOnStart bool   `yaml:"verify_on_start" env:"TELEGRAM_VERIFY_ON_START,overwrite"`
}

type WebhookConfig struct {
	Enabled bool          `yaml:"enabled" env:"WEBHOOK_ENABLED,overwrite"`
	Timeout time.Duration `yaml:"timeout" env:"WEBHOOK_TIMEOUT,overwrite"`
}

// LoadFromFile 從 YAML 組態檔載入設定。
func LoadFromFile(path string) (Config, error) {
	// 嘗試載入 .env 檔案（如果存在）
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg, err = applyEnv(cfg)
	if err != nil {
		return Config{}, err
	}
	cfg = applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg Config) Config {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.DB.MaxOpenConns == 0 {
		cfg.DB.MaxOpenConns = 5
	}
	if cfg.DB.MaxIdleConns == 0 {
		cfg.DB.MaxIdleConns = 2
	}
	if cfg.DB.MaxIdleTime == 0 {
		cfg.DB.MaxIdleTime = 15 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = 300 * time.Second
	}
	if cfg.Monitor.TickTimeout == 0 {
		cfg.Monitor.TickTimeout = cfg.Monitor.Interval * 3 / 4
	}
	if cfg.Monitor.FetchTimeout == 0 {
		cfg.Monitor.FetchTimeout = 10 * time.Second
	}
	if cfg.Monitor.MaxInFlight == 0 {
		cfg.Monitor.MaxInFlight = 8
	}
	if cfg.Monitor.ReadRetryMaxElapsed == 0 {
		cfg.Monitor.ReadRetryMaxElapsed = 5 * time.Second
	}

	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "binance"
	}
	if cfg.Provider.QuoteAsset == "" {
		cfg.Provider.QuoteAsset = "USDT"
	}
	if cfg.Provider.VsCurrency == "" {
		cfg.Provider.VsCurrency = "usd"
	}
	if cfg.Provider.RatePerSecond == 0 {
		cfg.Provider.RatePerSecond = 5
	}
	if cfg.Provider.Burst == 0 {
		cfg.Provider.Burst = 1
	}
	if cfg.Provider.BatchSize == 0 {
		cfg.Provider.BatchSize = 100
	}
	if cfg.Provider.CacheTTL == 0 {
		cfg.Provider.CacheTTL = 30 * time.Second
	}
	// 快取不可跨越一個 poll 週期，避免下一次 tick 拿到舊價。
	if cfg.Provider.CacheTTL > cfg.Monitor.Interval {
		cfg.Provider.CacheTTL = cfg.Monitor.Interval
	}
	if cfg.Provider.BackoffInitial == 0 {
		cfg.Provider.BackoffInitial = time.Second
	}
	if cfg.Provider.BackoffMax == 0 {
		cfg.Provider.BackoffMax = 30 * time.Second
	}

	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 4
	}
	if cfg.Dispatch.InitialBackoff == 0 {
		cfg.Dispatch.InitialBackoff = time.Second
	}
	if cfg.Dispatch.MaxBackoff == 0 {
		cfg.Dispatch.MaxBackoff = 30 * time.Second
	}
	if cfg.Dispatch.AttemptTimeout == 0 {
		cfg.Dispatch.AttemptTimeout = 10 * time.Second
	}
	if cfg.Dispatch.DeadLetterTimeout == 0 {
		cfg.Dispatch.DeadLetterTimeout = 5 * time.Second
	}

	if cfg.Notifier.Webhook.Timeout == 0 {
		cfg.Notifier.Webhook.Timeout = 10 * time.Second
	}
	return cfg
}

// applyEnv 以環境變數覆寫 YAML 設定；未設定的變數保留原值。
func applyEnv(cfg Config) (Config, error) {
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if val := os.Getenv("PORT"); val != "" {
		cfg.HTTP.Addr = ":" + val
	}
	return cfg, nil
}

// Validate 檢查套用預設值後的設定。
func (c Config) Validate() error {
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Monitor.TickTimeout <= 0 || c.Monitor.FetchTimeout <= 0 {
		return fmt.Errorf("monitor timeouts must be positive")
	}
	if c.Monitor.MaxInFlight < 1 {
		return fmt.Errorf("monitor.max_in_flight must be at least 1")
	}
	switch c.Provider.Name {
	case "binance", "coingecko":
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider.Name)
	}
	if c.Provider.RatePerSecond <= 0 || c.Provider.Burst < 1 {
		return fmt.Errorf("provider rate limit must be positive")
	}
	if c.Provider.BatchSize < 1 {
		return fmt.Errorf("provider.batch_size must be at least 1")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if c.Notifier.Telegram.Enabled && c.Notifier.Telegram.Token == "" {
		return fmt.Errorf("telegram enabled but token missing")
	}
	return nil
}
