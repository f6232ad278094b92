package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/LudeeD/market/internal/api"
	"github.com/LudeeD/market/internal/config"
	"github.com/LudeeD/market/internal/limits"
	"github.com/LudeeD/market/internal/lmsr"
	"github.com/LudeeD/market/internal/settlement"
	"github.com/LudeeD/market/internal/store"
	"github.com/LudeeD/market/internal/trade"
	"github.com/LudeeD/market/internal/ws"
)

func main() {
	configPath := flag.String("config", os.Getenv("MARKET_CONFIG"), "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("market engine failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Engine policy ---
	tradeCfg := trade.Config{
		MaxRetries:        cfg.Engine.MaxRetries,
		StartingBalance:   decimal.NewFromFloat(cfg.Engine.StartingBalance),
		DefaultLiquidity:  decimal.NewFromFloat(cfg.Engine.DefaultLiquidity),
		MinMarketDuration: cfg.Engine.MinMarketDuration.Duration,
	}
	if cfg.Engine.BandEnabled() {
		band := lmsr.PriceBand{
			Min: decimal.NewFromFloat(cfg.Engine.PriceFloor),
			Max: decimal.NewFromFloat(cfg.Engine.PriceCeiling),
		}
		if err := band.Validate(); err != nil {
			return err
		}
		tradeCfg.Band = &band
	}

	var limiter *limits.PositionLimiter
	if cfg.Limits.MaxSharesPerPosition > 0 || cfg.Limits.MaxSharesPerMarket > 0 {
		limiter = limits.NewPositionLimiter(
			decimal.NewFromFloat(cfg.Limits.MaxSharesPerPosition),
			decimal.NewFromFloat(cfg.Limits.MaxSharesPerMarket),
		)
	}

	hub := ws.NewHub()
	tradeSvc := trade.NewService(st, limiter, hub, tradeCfg)
	settleSvc := settlement.NewService(st, hub, settlement.Config{
		MaxRetries:        cfg.Engine.MaxRetries,
		AllowForceResolve: cfg.Engine.AllowForceResolve,
	})

	var rl *api.RateLimiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		rl = api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	router := api.NewRouter(api.NewHandler(tradeSvc, settleSvc, hub), api.Options{
		Logger:  logger,
		Limiter: rl,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("market engine listening", "port", cfg.Server.Port, "store", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down market engine")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("market engine stopped")
	return nil
}

// openStore builds the configured store, wrapped in the Redis cache when a
// Redis URL is set. The returned cleanup releases every connection.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var st store.Store
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, cleanup, fmt.Errorf("database connection failed: %w", err)
		}
		closers = append(closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("database ping failed: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case "sqlite":
		lite, err := store.OpenSQLite(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = lite.Close() })
		st = lite
		slog.Info("opened SQLite database", "path", cfg.Database.DSN)

	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		closers = append(closers, func() { _ = rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
	}

	return st, cleanup, nil
}
