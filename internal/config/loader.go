package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults, loads .env if present and
// applies environment overrides. An empty path skips the file. The result is
// not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides applies MARKET_* variables, then the conventional PORT,
// DATABASE_URL and REDIS_URL.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "MARKET_SERVER_PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "MARKET_SERVER_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Database.Driver, "MARKET_DATABASE_DRIVER")
	setStr(&cfg.Database.DSN, "MARKET_DATABASE_DSN")

	setStr(&cfg.Redis.URL, "MARKET_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "MARKET_REDIS_CACHE_TTL")

	setFloat64(&cfg.Engine.DefaultLiquidity, "MARKET_ENGINE_DEFAULT_LIQUIDITY")
	setFloat64(&cfg.Engine.StartingBalance, "MARKET_ENGINE_STARTING_BALANCE")
	setInt(&cfg.Engine.MaxRetries, "MARKET_ENGINE_MAX_RETRIES")
	setBool(&cfg.Engine.AllowForceResolve, "MARKET_ENGINE_ALLOW_FORCE_RESOLVE")
	setDuration(&cfg.Engine.MinMarketDuration, "MARKET_ENGINE_MIN_MARKET_DURATION")
	setFloat64(&cfg.Engine.PriceFloor, "MARKET_ENGINE_PRICE_FLOOR")
	setFloat64(&cfg.Engine.PriceCeiling, "MARKET_ENGINE_PRICE_CEILING")

	setFloat64(&cfg.Limits.MaxSharesPerPosition, "MARKET_LIMITS_MAX_SHARES_PER_POSITION")
	setFloat64(&cfg.Limits.MaxSharesPerMarket, "MARKET_LIMITS_MAX_SHARES_PER_MARKET")

	setFloat64(&cfg.RateLimit.RequestsPerSecond, "MARKET_RATE_LIMIT_REQUESTS_PER_SECOND")
	setInt(&cfg.RateLimit.Burst, "MARKET_RATE_LIMIT_BURST")

	setStr(&cfg.LogLevel, "MARKET_LOG_LEVEL")

	setInt(&cfg.Server.Port, "PORT")
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
		if os.Getenv("MARKET_DATABASE_DRIVER") == "" {
			cfg.Database.Driver = "postgres"
		}
	}
	setStr(&cfg.Redis.URL, "REDIS_URL")
}

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

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
