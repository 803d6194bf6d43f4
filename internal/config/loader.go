package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRENCH_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRENCH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setInt(&cfg.Engine.HistoryCapacity, "TRENCH_ENGINE_HISTORY_CAPACITY")
	setBool(&cfg.Engine.StartPaused, "TRENCH_ENGINE_START_PAUSED")
	setDuration(&cfg.Engine.SnapshotInterval, "TRENCH_ENGINE_SNAPSHOT_INTERVAL")
	setBool(&cfg.Engine.RestoreOnStart, "TRENCH_ENGINE_RESTORE_ON_START")

	// ── Policy ──
	setFloat64(&cfg.Policy.TakeProfitMultiplier, "TRENCH_POLICY_TAKE_PROFIT_MULTIPLIER")
	setFloat64(&cfg.Policy.StopLossPercent, "TRENCH_POLICY_STOP_LOSS_PERCENT")
	setBool(&cfg.Policy.TrailingStopEnabled, "TRENCH_POLICY_TRAILING_STOP_ENABLED")
	setFloat64(&cfg.Policy.TrailingStopPercent, "TRENCH_POLICY_TRAILING_STOP_PERCENT")
	setBool(&cfg.Policy.TimeBasedEnabled, "TRENCH_POLICY_TIME_BASED_ENABLED")
	setInt(&cfg.Policy.TimeLimitMinutes, "TRENCH_POLICY_TIME_LIMIT_MINUTES")
	setBool(&cfg.Policy.PartialSellEnabled, "TRENCH_POLICY_PARTIAL_SELL_ENABLED")
	setInt(&cfg.Policy.SlippageBps, "TRENCH_POLICY_SLIPPAGE_BPS")
	setFloat64(&cfg.Policy.PriorityFee, "TRENCH_POLICY_PRIORITY_FEE")
	setFloat64(&cfg.Policy.TipFee, "TRENCH_POLICY_TIP_FEE")

	// ── Executor ──
	setStr(&cfg.Executor.Adapter, "TRENCH_EXECUTOR_ADAPTER")
	setInt(&cfg.Executor.Workers, "TRENCH_EXECUTOR_WORKERS")
	setInt(&cfg.Executor.QueueSize, "TRENCH_EXECUTOR_QUEUE_SIZE")
	setDuration(&cfg.Executor.DedupTTL, "TRENCH_EXECUTOR_DEDUP_TTL")
	setBool(&cfg.Executor.DistributedLock, "TRENCH_EXECUTOR_DISTRIBUTED_LOCK")
	setDuration(&cfg.Executor.LockTTL, "TRENCH_EXECUTOR_LOCK_TTL")

	// ── Swap API ──
	setStr(&cfg.SwapAPI.BaseURL, "TRENCH_SWAP_API_BASE_URL")
	setStr(&cfg.SwapAPI.APIKey, "TRENCH_SWAP_API_KEY")
	setDuration(&cfg.SwapAPI.Timeout, "TRENCH_SWAP_API_TIMEOUT")

	// ── Paper ──
	setInt(&cfg.Paper.SlippageBps, "TRENCH_PAPER_SLIPPAGE_BPS")
	setDuration(&cfg.Paper.Latency, "TRENCH_PAPER_LATENCY")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "TRENCH_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TRENCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TRENCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRENCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRENCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRENCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRENCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRENCH_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRENCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRENCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRENCH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRENCH_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRENCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRENCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRENCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRENCH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRENCH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRENCH_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.PriceTTL, "TRENCH_REDIS_PRICE_TTL")
	setStr(&cfg.Redis.Namespace, "TRENCH_REDIS_NAMESPACE")
	setDuration(&cfg.Redis.DialTimeout, "TRENCH_REDIS_DIAL_TIMEOUT")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TRENCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRENCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRENCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRENCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRENCH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRENCH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRENCH_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "TRENCH_S3_PREFIX")
	setInt(&cfg.S3.MaxAttempts, "TRENCH_S3_MAX_ATTEMPTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TRENCH_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "TRENCH_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "TRENCH_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.PartSizeMB, "TRENCH_ARCHIVE_PART_SIZE_MB")
	setBool(&cfg.Archive.Purge, "TRENCH_ARCHIVE_PURGE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRENCH_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRENCH_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TRENCH_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TRENCH_SERVER_API_KEY")
	setInt(&cfg.Server.ExitRateLimit, "TRENCH_SERVER_EXIT_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRENCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRENCH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRENCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRENCH_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRENCH_MODE")
	setStr(&cfg.LogLevel, "TRENCH_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
