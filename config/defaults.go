// =============================================================================
// 📦 SpanFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/spanflow/queue"
	"github.com/BaSui01/spanflow/quota"
)

// DefaultMaxBatchBytes 默认批次上限 4 MiB
const DefaultMaxBatchBytes int64 = 4 << 20

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Ingest:    DefaultIngestConfig(),
		Quota:     DefaultQuotaConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Queue:     DefaultQueueConfig(),
		Store:     DefaultStoreConfig(),
		Worker:    DefaultWorkerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        4318,
		GRPCPort:        4317,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultIngestConfig 返回默认摄取配置
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		MaxBatchBytes: DefaultMaxBatchBytes,
		EstimateCosts: true,
	}
}

// DefaultQuotaConfig 返回默认配额配置
func DefaultQuotaConfig() QuotaConfig {
	d := quota.DefaultConfig()
	return QuotaConfig{
		EntitlementsEnabled: d.Enabled,
		CacheTTL:            d.CacheTTL,
		SubscriptionTTL:     d.SubscriptionTTL,
		DefaultPlan:         d.DefaultPlan,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "spanflow",
		Password:        "",
		Name:            "spanflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultQueueConfig 返回默认队列配置
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Driver:      "redis",
		Redis:       queue.DefaultRedisConfig(),
		NATS:        queue.DefaultNATSConfig(),
		BacklogWarn: 10_000,
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Driver:          "sql",
		MongoDatabase:   "spanflow",
		MongoCollection: "spans",
	}
}

// DefaultWorkerConfig 返回默认 Worker 配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:          4,
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		RetryMaxElapsed:      30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "spanflow",
		SampleRate:   0.1,
	}
}
