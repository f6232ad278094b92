package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks the variables Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "DATABASE_URL", "REDIS_URL",
		"MARKET_SERVER_PORT", "MARKET_DATABASE_DRIVER", "MARKET_DATABASE_DSN",
		"MARKET_REDIS_URL", "MARKET_ENGINE_MAX_RETRIES", "MARKET_ENGINE_ALLOW_FORCE_RESOLVE",
		"MARKET_ENGINE_MIN_MARKET_DURATION", "MARKET_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "market.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 100.0, cfg.Engine.DefaultLiquidity)
	assert.Equal(t, 1000.0, cfg.Engine.StartingBalance)
	assert.Equal(t, 24*time.Hour, cfg.Engine.MinMarketDuration.Duration)
	assert.False(t, cfg.Engine.BandEnabled())
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
log_level = "debug"

[server]
port = 9000

[database]
driver = "sqlite"
dsn = "/tmp/market.db"

[engine]
default_liquidity = 250.0
max_retries = 8
allow_force_resolve = true
min_market_duration = "1h"
price_floor = 0.01
price_ceiling = 0.99

[limits]
max_shares_per_position = 500.0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout.Duration, "unset keys keep defaults")
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/market.db", cfg.Database.DSN)
	assert.Equal(t, 250.0, cfg.Engine.DefaultLiquidity)
	assert.Equal(t, 8, cfg.Engine.MaxRetries)
	assert.True(t, cfg.Engine.AllowForceResolve)
	assert.Equal(t, time.Hour, cfg.Engine.MinMarketDuration.Duration)
	assert.True(t, cfg.Engine.BandEnabled())
	assert.Equal(t, 500.0, cfg.Limits.MaxSharesPerPosition)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/market")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("MARKET_ENGINE_MAX_RETRIES", "9")
	t.Setenv("MARKET_ENGINE_MIN_MARKET_DURATION", "90m")
	t.Setenv("MARKET_ENGINE_ALLOW_FORCE_RESOLVE", "true")
	t.Setenv("MARKET_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/market", cfg.Database.DSN)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 9, cfg.Engine.MaxRetries)
	assert.Equal(t, 90*time.Minute, cfg.Engine.MinMarketDuration.Duration)
	assert.True(t, cfg.Engine.AllowForceResolve)
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
}

func TestLoad_ExplicitDriverWinsOverDatabaseURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "/var/lib/market.db")
	t.Setenv("MARKET_DATABASE_DRIVER", "sqlite")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/var/lib/market.db", cfg.Database.DSN)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"driver", func(c *Config) { c.Database.Driver = "mongo" }, "unknown driver"},
		{"dsn", func(c *Config) { c.Database.Driver = "postgres" }, "dsn is required"},
		{"liquidity", func(c *Config) { c.Engine.DefaultLiquidity = 0 }, "default_liquidity"},
		{"retries", func(c *Config) { c.Engine.MaxRetries = 0 }, "max_retries"},
		{"band order", func(c *Config) { c.Engine.PriceFloor, c.Engine.PriceCeiling = 0.9, 0.1 }, "price band"},
		{"band ceiling", func(c *Config) { c.Engine.PriceFloor, c.Engine.PriceCeiling = 0.1, 1 }, "price band"},
		{"limits", func(c *Config) { c.Limits.MaxSharesPerMarket = -1 }, "limits"},
		{"burst", func(c *Config) { c.RateLimit.Burst = 0 }, "burst"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsEverything(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "log_level")
}
