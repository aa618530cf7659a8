package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/config"
	"github.com/BaSui01/spanflow/internal/metrics"
	"github.com/BaSui01/spanflow/internal/telemetry"
	"github.com/BaSui01/spanflow/quota"
	"github.com/BaSui01/spanflow/worker"
)

// =============================================================================
// 🛠️ worker 命令
// =============================================================================

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	migrateFirst := fs.Bool("migrate", false, "Apply pending database migrations before starting")
	fs.Parse(args)

	cfg, _ := loadConfig(*configPath)

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting SpanFlow worker",
		zap.String("version", Version),
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)

	if *migrateFirst {
		if err := autoMigrate(cfg.Database, logger); err != nil {
			logger.Fatal("Database migration failed", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serveWorker(ctx, cfg, logger); err != nil {
		logger.Fatal("Worker failed", zap.Error(err))
	}
	logger.Info("SpanFlow worker stopped")
}

// serveWorker 组装 Worker 并阻塞到 ctx 取消
func serveWorker(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	otelProviders, err := telemetry.Init(cfg.Telemetry, Version, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector("spanflow", logger)
	metricsManager := startMetricsManager(cfg.Server, logger)
	if err := metricsManager.Start(); err != nil {
		return err
	}
	defer metricsManager.Shutdown(context.Background())

	c, err := openCache(cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	pool, err := openDatabase(cfg.Database, collector, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	spanStore, err := newSpanStore(ctx, cfg.Store, pool, logger)
	if err != nil {
		return err
	}
	defer spanStore.Close(context.Background())

	consumer, nc, err := newConsumer(ctx, cfg.Queue, c, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()
	if nc != nil {
		defer nc.Drain()
	}

	var gate worker.Gate
	if cfg.Quota.EntitlementsEnabled {
		gate = quota.NewGate(newQuotaService(cfg.Quota, pool, c, collector, logger), logger)
	}

	w := worker.New(consumer, gate, spanStore, worker.Config{
		Concurrency:          cfg.Worker.Concurrency,
		EntitlementsEnabled:  cfg.Quota.EntitlementsEnabled,
		RetryInitialInterval: cfg.Worker.RetryInitialInterval,
		RetryMaxInterval:     cfg.Worker.RetryMaxInterval,
		RetryMaxElapsed:      cfg.Worker.RetryMaxElapsed,
	}, logger, worker.WithMetrics(collector))

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
