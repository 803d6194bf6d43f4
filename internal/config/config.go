// Package config defines the top-level configuration for the exit engine and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRENCH_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Policy   PolicyConfig   `toml:"policy"`
	Executor ExecutorConfig `toml:"executor"`
	SwapAPI  SwapAPIConfig  `toml:"swap_api"`
	Paper    PaperConfig    `toml:"paper"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig tunes trigger evaluation.
type EngineConfig struct {
	HistoryCapacity  int      `toml:"history_capacity"`
	StartPaused      bool     `toml:"start_paused"`
	SnapshotInterval duration `toml:"snapshot_interval"`
	RestoreOnStart   bool     `toml:"restore_on_start"`
}

// PartialLevelConfig is one rung of the default partial-sell ladder.
type PartialLevelConfig struct {
	Multiplier float64 `toml:"multiplier"`
	Fraction   float64 `toml:"fraction"`
}

// PolicyConfig is the default exit policy applied to new positions.
type PolicyConfig struct {
	TakeProfitMultiplier float64              `toml:"take_profit_multiplier"`
	StopLossPercent      float64              `toml:"stop_loss_percent"`
	TrailingStopEnabled  bool                 `toml:"trailing_stop_enabled"`
	TrailingStopPercent  float64              `toml:"trailing_stop_percent"`
	TimeBasedEnabled     bool                 `toml:"time_based_enabled"`
	TimeLimitMinutes     int                  `toml:"time_limit_minutes"`
	PartialSellEnabled   bool                 `toml:"partial_sell_enabled"`
	PartialLevels        []PartialLevelConfig `toml:"partial_levels"`
	SlippageBps          int                  `toml:"slippage_bps"`
	PriorityFee          float64              `toml:"priority_fee"`
	TipFee               float64              `toml:"tip_fee"`
}

// ExitPolicy converts the configured defaults into a domain.ExitPolicy.
func (p PolicyConfig) ExitPolicy() domain.ExitPolicy {
	levels := make([]domain.PartialLevel, 0, len(p.PartialLevels))
	for _, l := range p.PartialLevels {
		levels = append(levels, domain.PartialLevel{
			Multiplier: decimal.NewFromFloat(l.Multiplier),
			Fraction:   decimal.NewFromFloat(l.Fraction),
		})
	}
	return domain.ExitPolicy{
		TakeProfitMultiplier: decimal.NewFromFloat(p.TakeProfitMultiplier),
		StopLossPercent:      decimal.NewFromFloat(p.StopLossPercent),
		TrailingStopEnabled:  p.TrailingStopEnabled,
		TrailingStopPercent:  decimal.NewFromFloat(p.TrailingStopPercent),
		TimeBasedEnabled:     p.TimeBasedEnabled,
		TimeLimitMinutes:     p.TimeLimitMinutes,
		PartialSellEnabled:   p.PartialSellEnabled,
		PartialLevels:        levels,
		Execution: domain.ExecutionParams{
			SlippageBps: p.SlippageBps,
			PriorityFee: decimal.NewFromFloat(p.PriorityFee),
			TipFee:      decimal.NewFromFloat(p.TipFee),
		},
	}
}

// ExecutorConfig selects the execution adapter and sizes the exit worker.
type ExecutorConfig struct {
	// Adapter is "http" (swap API) or "paper" (simulated fills).
	Adapter         string   `toml:"adapter"`
	Workers         int      `toml:"workers"`
	QueueSize       int      `toml:"queue_size"`
	DedupTTL        duration `toml:"dedup_ttl"`
	DistributedLock bool     `toml:"distributed_lock"`
	LockTTL         duration `toml:"lock_ttl"`
}

// SwapAPIConfig holds the HTTP execution service endpoint.
type SwapAPIConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// PaperConfig tunes the simulated execution adapter.
type PaperConfig struct {
	SlippageBps int      `toml:"slippage_bps"`
	Latency     duration `toml:"latency"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	PriceTTL    duration `toml:"price_ttl"`
	Namespace   string   `toml:"namespace"`
	DialTimeout duration `toml:"dial_timeout"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	MaxAttempts    int    `toml:"max_attempts"`
}

// ArchiveConfig controls moving closed positions to cold storage.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
	PartSizeMB    int    `toml:"part_size_mb"`

	// Purge deletes archived rows from Postgres and the in-memory store.
	Purge bool `toml:"purge"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled       bool     `toml:"enabled"`
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	APIKey        string   `toml:"api_key"`
	ExitRateLimit int      `toml:"exit_rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			HistoryCapacity:  100,
			SnapshotInterval: duration{30 * time.Second},
			RestoreOnStart:   true,
		},
		Policy: PolicyConfig{
			TakeProfitMultiplier: 2.0,
			StopLossPercent:      0.5,
			TrailingStopPercent:  0.2,
			TimeLimitMinutes:     60,
			PartialLevels: []PartialLevelConfig{
				{Multiplier: 2, Fraction: 0.25},
				{Multiplier: 4, Fraction: 0.5},
				{Multiplier: 10, Fraction: 1},
			},
			SlippageBps: 500,
			PriorityFee: 0.0001,
			TipFee:      0.0001,
		},
		Executor: ExecutorConfig{
			Adapter:   "paper",
			Workers:   4,
			QueueSize: 256,
			DedupTTL:  duration{2 * time.Minute},
			LockTTL:   duration{30 * time.Second},
		},
		SwapAPI: SwapAPIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: duration{15 * time.Second},
		},
		Paper: PaperConfig{
			SlippageBps: 100,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			PriceTTL:    duration{10 * time.Minute},
			Namespace:   "trench",
			DialTimeout: duration{5 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "trenchbot-archive",
			ForcePathStyle: true,
			MaxAttempts:    3,
		},
		Archive: ArchiveConfig{
			Cron:          "0 3 * * *",
			RetentionDays: 30,
			PartSizeMB:    8,
		},
		Server: ServerConfig{
			Enabled:       true,
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			ExitRateLimit: 30,
		},
		Notify: NotifyConfig{
			Events: []string{
				string(domain.EventTriggerActivated),
				string(domain.EventPartialSellRequested),
				string(domain.EventPositionClosed),
			},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validAdapters enumerates the accepted values for ExecutorConfig.Adapter.
var validAdapters = map[string]bool{
	"http":  true,
	"paper": true,
}

// validEventKinds is the set of event kinds accepted by notify.events.
func validEventKinds() map[string]bool {
	out := make(map[string]bool, len(domain.EventKinds))
	for _, k := range domain.EventKinds {
		out[string(k)] = true
	}
	return out
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.HistoryCapacity < 1 {
		errs = append(errs, "engine: history_capacity must be >= 1")
	}
	if c.Engine.SnapshotInterval.Duration < 0 {
		errs = append(errs, "engine: snapshot_interval must not be negative")
	}

	// Policy
	if err := c.Policy.ExitPolicy().Validate(); err != nil {
		errs = append(errs, "policy: "+err.Error())
	}

	// Executor
	if !validAdapters[strings.ToLower(c.Executor.Adapter)] {
		errs = append(errs, fmt.Sprintf("executor: unknown adapter %q (valid: http, paper)", c.Executor.Adapter))
	}
	if strings.EqualFold(c.Mode, "trade") && !strings.EqualFold(c.Executor.Adapter, "http") {
		errs = append(errs, "executor: trade mode requires adapter \"http\"")
	}
	if c.Executor.Workers < 1 {
		errs = append(errs, "executor: workers must be >= 1")
	}
	if c.Executor.QueueSize < 1 {
		errs = append(errs, "executor: queue_size must be >= 1")
	}
	if c.Executor.DistributedLock {
		if !c.Redis.Enabled {
			errs = append(errs, "executor: distributed_lock requires redis.enabled")
		}
		if c.Executor.LockTTL.Duration <= 0 {
			errs = append(errs, "executor: lock_ttl must be > 0 when distributed_lock is set")
		}
	}

	// Swap API
	if strings.EqualFold(c.Executor.Adapter, "http") {
		if c.SwapAPI.BaseURL == "" {
			errs = append(errs, "swap_api: base_url must not be empty for the http adapter")
		}
		if c.SwapAPI.Timeout.Duration <= 0 {
			errs = append(errs, "swap_api: timeout must be > 0")
		}
	}

	// Paper
	if c.Paper.SlippageBps < 0 || c.Paper.SlippageBps > 10000 {
		errs = append(errs, "paper: slippage_bps must be 0-10000")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if !c.Postgres.Enabled {
			errs = append(errs, "archive: requires postgres.enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
		if c.Archive.RetentionDays < 0 {
			errs = append(errs, "archive: retention_days must be >= 0")
		}
		if c.Archive.PartSizeMB < 5 {
			errs = append(errs, "archive: part_size_mb must be >= 5")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.ExitRateLimit < 0 {
			errs = append(errs, "server: exit_rate_limit must be >= 0")
		}
	}

	// Notify
	kinds := validEventKinds()
	for _, e := range c.Notify.Events {
		if !kinds[strings.TrimSpace(e)] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", e))
		}
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
