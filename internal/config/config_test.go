package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_Valid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Policy.ExitPolicy().Validate())
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "paper", cfg.Mode)
	assert.Len(t, cfg.Policy.PartialLevels, 3)
	assert.Equal(t, 2*time.Minute, cfg.Executor.DedupTTL.Duration)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"

[policy]
take_profit_multiplier = 3.5

[[policy.partial_levels]]
multiplier = 3.0
fraction = 0.5

[executor]
dedup_ttl = "45s"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 3.5, cfg.Policy.TakeProfitMultiplier)
	assert.Equal(t, []PartialLevelConfig{{Multiplier: 3, Fraction: 0.5}}, cfg.Policy.PartialLevels)
	assert.Equal(t, 45*time.Second, cfg.Executor.DedupTTL.Duration)
	// Untouched keys keep their defaults.
	assert.Equal(t, 0.5, cfg.Policy.StopLossPercent)
	assert.Equal(t, 4, cfg.Executor.Workers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRENCH_MODE", "trade")
	t.Setenv("TRENCH_EXECUTOR_ADAPTER", "http")
	t.Setenv("TRENCH_SWAP_API_KEY", "k-123")
	t.Setenv("TRENCH_EXECUTOR_WORKERS", "8")
	t.Setenv("TRENCH_EXECUTOR_LOCK_TTL", "1m")
	t.Setenv("TRENCH_POLICY_TRAILING_STOP_ENABLED", "true")
	t.Setenv("TRENCH_NOTIFY_EVENTS", "position_closed, trigger_activated,")
	t.Setenv("TRENCH_REDIS_POOL_SIZE", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "trade", cfg.Mode)
	assert.Equal(t, "http", cfg.Executor.Adapter)
	assert.Equal(t, "k-123", cfg.SwapAPI.APIKey)
	assert.Equal(t, 8, cfg.Executor.Workers)
	assert.Equal(t, time.Minute, cfg.Executor.LockTTL.Duration)
	assert.True(t, cfg.Policy.TrailingStopEnabled)
	assert.Equal(t, []string{"position_closed", "trigger_activated"}, cfg.Notify.Events)
	assert.Equal(t, 20, cfg.Redis.PoolSize, "unparsable values are ignored")
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantMsg string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "yolo" }, `unknown mode "yolo"`},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }, "unknown log_level"},
		{"history capacity", func(c *Config) { c.Engine.HistoryCapacity = 0 }, "history_capacity"},
		{"bad policy", func(c *Config) { c.Policy.TakeProfitMultiplier = 0.9 }, "take_profit_multiplier must be > 1"},
		{"trade needs http adapter", func(c *Config) { c.Mode = "trade" }, `trade mode requires adapter "http"`},
		{"unknown adapter", func(c *Config) { c.Executor.Adapter = "carrier-pigeon" }, "unknown adapter"},
		{"workers", func(c *Config) { c.Executor.Workers = 0 }, "workers must be >= 1"},
		{"distributed lock needs redis", func(c *Config) { c.Executor.DistributedLock = true }, "distributed_lock requires redis.enabled"},
		{"http adapter needs url", func(c *Config) {
			c.Executor.Adapter = "http"
			c.SwapAPI.BaseURL = ""
		}, "base_url must not be empty"},
		{"paper slippage", func(c *Config) { c.Paper.SlippageBps = 20000 }, "paper: slippage_bps"},
		{"postgres pool", func(c *Config) {
			c.Postgres.Enabled = true
			c.Postgres.PoolMinConns = 20
		}, "pool_min_conns must not exceed pool_max_conns"},
		{"archive needs postgres", func(c *Config) { c.Archive.Enabled = true }, "archive: requires postgres.enabled"},
		{"server port", func(c *Config) { c.Server.Port = 70000 }, "server: port must be 1-65535"},
		{"unknown notify event", func(c *Config) { c.Notify.Events = []string{"moon"} }, `notify: unknown event "moon"`},
		{"telegram pair", func(c *Config) { c.Notify.TelegramToken = "tok" }, "telegram_token and telegram_chat_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.Executor.Workers = 0
	cfg.Server.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "workers")
	assert.Contains(t, err.Error(), "server: port")
}

func TestPolicyConfig_ExitPolicy(t *testing.T) {
	p := Defaults().Policy
	p.TrailingStopEnabled = true

	ep := p.ExitPolicy()
	assert.Equal(t, "2", ep.TakeProfitMultiplier.String())
	assert.Equal(t, "0.5", ep.StopLossPercent.String())
	assert.True(t, ep.TrailingStopEnabled)
	require.Len(t, ep.PartialLevels, 3)
	assert.Equal(t, "0.25", ep.PartialLevels[0].Fraction.String())
	assert.Equal(t, 500, ep.Execution.SlippageBps)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.SwapAPI.APIKey = "swap-secret"
	cfg.Postgres.Password = "pg-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Notify.TelegramToken = "tg-secret"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.SwapAPI.APIKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	// cfg is untouched and no slice is shared.
	assert.Equal(t, "swap-secret", cfg.SwapAPI.APIKey)
	out.Notify.Events[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Notify.Events[0])
}
