package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/config"
	"github.com/BaSui01/spanflow/internal/cache"
	"github.com/BaSui01/spanflow/internal/database"
	"github.com/BaSui01/spanflow/internal/metrics"
	"github.com/BaSui01/spanflow/internal/migration"
	"github.com/BaSui01/spanflow/queue"
	"github.com/BaSui01/spanflow/quota"
	"github.com/BaSui01/spanflow/store"
	"github.com/BaSui01/spanflow/tracing/otlp"
)

// =============================================================================
// 🧱 serve 与 worker 共用的基础设施
// =============================================================================

// openCache 连接 Redis。配额缓存与 Redis Streams 队列共用此连接池。
func openCache(cfg config.RedisConfig, logger *zap.Logger) (*cache.Manager, error) {
	cc := cache.DefaultConfig()
	cc.Addr = cfg.Addr
	cc.Password = cfg.Password
	cc.DB = cfg.DB
	cc.TLSEnabled = cfg.TLSEnabled
	if cfg.PoolSize > 0 {
		cc.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		cc.MinIdleConns = cfg.MinIdleConns
	}
	return cache.NewManager(cc, logger)
}

// openDatabase 打开 GORM 连接并交给连接池管理器
func openDatabase(cfg config.DatabaseConfig, collector *metrics.Collector, logger *zap.Logger) (*database.PoolManager, error) {
	db, err := database.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	return database.NewPoolManager(db, database.PoolConfigFrom(cfg), logger, database.WithMetrics(collector, cfg.Driver))
}

// newQuotaService 组装配额服务：GORM 计量与订阅 + Redis 软检查缓存
func newQuotaService(cfg config.QuotaConfig, pool *database.PoolManager, c *cache.Manager, collector *metrics.Collector, logger *zap.Logger) *quota.Service {
	db := pool.DB()
	return quota.NewService(
		quota.NewGormMeterStore(db),
		quota.NewGormSubscriptionStore(db),
		c,
		cfg.Catalog(),
		quota.Config{
			Enabled:         cfg.EntitlementsEnabled,
			CacheTTL:        cfg.CacheTTL,
			DefaultPlan:     cfg.DefaultPlan,
			SubscriptionTTL: cfg.SubscriptionTTL,
		},
		logger,
		quota.WithMetrics(collector),
	)
}

// connectNATS 连接 NATS，断线后无限重连
func connectNATS(cfg queue.NATSConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect nats %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// natsPing 就绪检查
func natsPing(nc *nats.Conn) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	}
}

// newPublisher 按队列驱动创建发布者。nats 驱动返回连接，由调用方 Drain。
func newPublisher(ctx context.Context, cfg config.QueueConfig, c *cache.Manager, logger *zap.Logger) (queue.Publisher, *nats.Conn, error) {
	switch cfg.Driver {
	case "redis":
		return queue.NewRedisPublisher(c.Client(), cfg.Redis, logger), nil, nil
	case "nats":
		nc, err := connectNATS(cfg.NATS, "spanflow-ingest", logger)
		if err != nil {
			return nil, nil, err
		}
		pub, err := queue.NewNATSPublisher(ctx, nc, cfg.NATS, logger)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return pub, nc, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}

// newConsumer 按队列驱动创建消费者。Redis 消费者名未配置时取主机名。
func newConsumer(ctx context.Context, cfg config.QueueConfig, c *cache.Manager, logger *zap.Logger) (queue.Consumer, *nats.Conn, error) {
	switch cfg.Driver {
	case "redis":
		rc := cfg.Redis
		if rc.Consumer == "" {
			host, err := os.Hostname()
			if err != nil {
				host = "worker"
			}
			rc.Consumer = host
		}
		consumer := queue.NewRedisConsumer(c.Client(), rc, logger)
		if err := consumer.EnsureGroup(ctx); err != nil {
			return nil, nil, err
		}
		return consumer, nil, nil
	case "nats":
		nc, err := connectNATS(cfg.NATS, "spanflow-worker", logger)
		if err != nil {
			return nil, nil, err
		}
		consumer, err := queue.NewNATSConsumer(ctx, nc, cfg.NATS, logger)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return consumer, nc, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}

// newSpanStore 按存储驱动创建 Span 存储。sql 驱动复用数据库连接池。
func newSpanStore(ctx context.Context, cfg config.StoreConfig, pool *database.PoolManager, logger *zap.Logger) (store.SpanStore, error) {
	switch cfg.Driver {
	case "sql":
		return store.NewGormSpanStore(pool.DB()), nil
	case "mongo":
		s, err := store.NewMongoSpanStore(ctx, store.MongoConfig{
			URI:        cfg.MongoURI,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
			Timeout:    10 * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = s.Close(context.Background())
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// autoMigrate 启动时应用未执行的迁移
func autoMigrate(cfg config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromDatabaseConfig(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(context.Background()); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	version, dirty, err := m.Version(context.Background())
	if err != nil {
		return err
	}
	logger.Info("database schema up to date", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// newNormalizer 创建规范化器，配置中的价格覆盖内置价格表
func newNormalizer(cfg config.IngestConfig, logger *zap.Logger) *otlp.Normalizer {
	if !cfg.EstimateCosts {
		return otlp.NewNormalizer(logger)
	}
	return otlp.NewNormalizer(logger, otlp.WithCostEstimator(otlp.NewCostEstimator(cfg.Prices...)))
}
