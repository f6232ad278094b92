// Package config loads the market engine configuration from a TOML file,
// an optional .env file and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Duration wraps time.Duration so TOML can carry values like "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Engine    EngineConfig    `toml:"engine"`
	Limits    LimitsConfig    `toml:"limits"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	LogLevel  string          `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// DatabaseConfig selects the store. Driver is memory, sqlite or postgres;
// DSN is a file path for sqlite and a connection URL for postgres.
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL Duration `toml:"cache_ttl"`
}

// EngineConfig holds market and trading policy. A zero price floor and
// ceiling disable the price band.
type EngineConfig struct {
	DefaultLiquidity  float64  `toml:"default_liquidity"`
	StartingBalance   float64  `toml:"starting_balance"`
	MaxRetries        int      `toml:"max_retries"`
	AllowForceResolve bool     `toml:"allow_force_resolve"`
	MinMarketDuration Duration `toml:"min_market_duration"`
	PriceFloor        float64  `toml:"price_floor"`
	PriceCeiling      float64  `toml:"price_ceiling"`
}

// BandEnabled reports whether a price band is configured.
func (e EngineConfig) BandEnabled() bool {
	return e.PriceFloor != 0 || e.PriceCeiling != 0
}

// LimitsConfig caps share holdings. Zero disables a cap.
type LimitsConfig struct {
	MaxSharesPerPosition float64 `toml:"max_shares_per_position"`
	MaxSharesPerMarket   float64 `toml:"max_shares_per_market"`
}

// RateLimitConfig throttles API clients by IP. Zero requests_per_second
// disables throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{10 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Redis: RedisConfig{
			CacheTTL: Duration{30 * time.Second},
		},
		Engine: EngineConfig{
			DefaultLiquidity:  100,
			StartingBalance:   1000,
			MaxRetries:        5,
			MinMarketDuration: Duration{24 * time.Hour},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		LogLevel: "info",
	}
}

var validDrivers = map[string]bool{"memory": true, "sqlite": true, "postgres": true}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}

	driver := strings.ToLower(c.Database.Driver)
	if !validDrivers[driver] {
		errs = append(errs, fmt.Sprintf("database: unknown driver %q (valid: memory, sqlite, postgres)", c.Database.Driver))
	}
	if driver != "memory" && c.Database.DSN == "" {
		errs = append(errs, "database: dsn is required for driver "+driver)
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}

	e := c.Engine
	if e.DefaultLiquidity <= 0 {
		errs = append(errs, "engine: default_liquidity must be positive")
	}
	if e.StartingBalance < 0 {
		errs = append(errs, "engine: starting_balance must not be negative")
	}
	if e.MaxRetries < 1 {
		errs = append(errs, "engine: max_retries must be at least 1")
	}
	if e.MinMarketDuration.Duration < 0 {
		errs = append(errs, "engine: min_market_duration must not be negative")
	}
	if e.BandEnabled() && !(e.PriceFloor > 0 && e.PriceFloor < e.PriceCeiling && e.PriceCeiling < 1) {
		errs = append(errs, fmt.Sprintf("engine: price band [%g, %g] must satisfy 0 < floor < ceiling < 1", e.PriceFloor, e.PriceCeiling))
	}

	if c.Limits.MaxSharesPerPosition < 0 || c.Limits.MaxSharesPerMarket < 0 {
		errs = append(errs, "limits: caps must not be negative")
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, "rate_limit: requests_per_second must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, "rate_limit: burst must be at least 1")
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
