package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chatautomation/internal/api"
	"chatautomation/internal/bus"
	"chatautomation/internal/cache"
	"chatautomation/internal/clock"
	"chatautomation/internal/command"
	"chatautomation/internal/config"
	"chatautomation/internal/manager"
	"chatautomation/internal/metrics"
	"chatautomation/internal/store"
	"chatautomation/internal/transport"
	"chatautomation/pkg/feature"

	// Features self-register through their init functions.
	_ "chatautomation/internal/features/activity"
	_ "chatautomation/internal/features/antidelete"
	_ "chatautomation/internal/features/digest"
)

// cacheSnapshotKey is where the retention cache persists across restarts.
const cacheSnapshotKey = "cache.snapshot"

func main() {
	// Load .env before the config reads the environment.
	dotenvErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if dotenvErr != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	logger.Info("Starting chat automation runtime",
		zap.String("gateway", cfg.Transport.URL),
		zap.String("store", cfg.Store.Backend))

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	clk := clock.NewRealClock()

	st, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create store", zap.Error(err))
	}

	b, err := bus.New(logger, collector, cfg.Bus.PoolSize)
	if err != nil {
		logger.Fatal("Failed to create event bus", zap.Error(err))
	}

	c := cache.New(cache.Config{
		MaxPerBucket:  cfg.Cache.MaxPerBucket,
		Retention:     cfg.Cache.Retention,
		SweepInterval: cfg.Cache.SweepInterval,
	}, logger, collector, clk)

	if _, err := c.Restore(context.Background(), st, cacheSnapshotKey); err != nil {
		logger.Warn("Failed to restore cache snapshot", zap.Error(err))
	}
	c.StartSweeper()

	router := command.NewRouter(b, logger, clk, cfg.Command.Prefix)
	if err := router.Start(); err != nil {
		logger.Fatal("Failed to start command router", zap.Error(err))
	}

	client := transport.NewClient(cfg.Transport.URL, cfg.Transport.Token, b, clk, collector, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to chat gateway", zap.Error(err))
	}

	manifest, err := config.LoadManifest(cfg.Features.ManifestPath, logger)
	if err != nil {
		logger.Fatal("Failed to load feature manifest", zap.Error(err))
	}

	mgr, err := manager.New(manager.Deps{
		Bus:       b,
		Cache:     c,
		Store:     st,
		Router:    router,
		Manifest:  manifest,
		Clock:     clk,
		Logger:    logger,
		Collector: collector,
	})
	if err != nil {
		logger.Fatal("Failed to create feature manager", zap.Error(err))
	}

	discovered := mgr.Discover(feature.List())
	logger.Info("Features discovered", zap.Int("count", discovered))

	if err := mgr.StartAll(); err != nil {
		var cycle *manager.CircularDependencyError
		if errors.As(err, &cycle) {
			logger.Fatal("Feature dependency cycle", zap.Error(cycle))
		}
		// Individual failures are isolated; the runtime keeps going.
		logger.Warn("Some features failed to start", zap.Error(err))
	}

	var watcher *manager.Watcher
	if cfg.Features.WatchManifest {
		watcher = manager.NewWatcher(mgr, cfg.Features.ManifestPath, clk, logger)
		if err := watcher.Start(); err != nil {
			logger.Warn("Manifest watching unavailable", zap.Error(err))
			watcher = nil
		}
	}

	apiServer := api.NewServer(mgr, b, c, client, registry, logger, cfg.API.Port)
	if err := apiServer.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	// Wait for shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Runtime started. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if err := apiServer.Stop(); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := mgr.StopAll(); err != nil {
		logger.Error("Feature shutdown reported errors", zap.Error(err))
	}
	if err := client.Disconnect(); err != nil {
		logger.Error("Gateway disconnect failed", zap.Error(err))
	}
	router.Stop()
	c.StopSweeper()

	if err := c.Snapshot(context.Background(), st, cacheSnapshotKey); err != nil {
		logger.Error("Failed to snapshot cache", zap.Error(err))
	}

	b.Close()
	logger.Info("Shutdown complete")
}

// newLogger builds a production logger at the configured level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// newStore creates the configured persistence backend.
func newStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "file":
		return store.NewFileStore(cfg.Store.Dir, logger)
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		rs := store.NewRedisStore(client, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
