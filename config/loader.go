// =============================================================================
// 📦 SpanFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("SPANFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 无前缀别名 → 带前缀环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/spanflow/queue"
	"github.com/BaSui01/spanflow/quota"
	"github.com/BaSui01/spanflow/tracing/otlp"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 SpanFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Ingest 摄取配置
	Ingest IngestConfig `yaml:"ingest" env:"INGEST"`

	// Quota 配额配置
	Quota QuotaConfig `yaml:"quota" env:"QUOTA"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Queue 摄取队列配置
	Queue QueueConfig `yaml:"queue" env:"QUEUE"`

	// Store Span 存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Worker 持久化 Worker 配置
	Worker WorkerConfig `yaml:"worker" env:"WORKER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// gRPC 端口（OTLP/gRPC）
	GRPCPort int `yaml:"grpc_port" env:"GRPC_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个来源的限流（0 表示关闭）
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的跨域来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// TLS 证书与私钥，同时配置时 HTTP 与 gRPC 均启用 TLS
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// 静态 API Key，仅支持 YAML
	APIKeys []APIKeyConfig `yaml:"api_keys" env:"-"`
	// JWT 认证
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// APIKeyConfig 静态 API Key 与其绑定的身份
type APIKeyConfig struct {
	Key            string `yaml:"key"`
	OrganizationID string `yaml:"organization_id"`
	ProjectID      string `yaml:"project_id"`
	UserID         string `yaml:"user_id"`
}

// JWTConfig JWT 认证配置，Secret 与 PublicKey 至少配置一个才启用
type JWTConfig struct {
	// HS256 密钥
	Secret string `yaml:"secret" env:"SECRET"`
	// RS256 公钥（PEM）
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	// 签发者
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 受众
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled 是否配置了签名密钥
func (c JWTConfig) Enabled() bool {
	return c.Secret != "" || c.PublicKey != ""
}

// IngestConfig 摄取配置
type IngestConfig struct {
	// 单个批次的最大字节数（解压后）
	MaxBatchBytes int64 `yaml:"max_batch_bytes" env:"MAX_BATCH_BYTES"`
	// 模型价格，覆盖内置价格表，用于为缺少成本的 LLM Span 估算成本
	Prices []otlp.ModelPrice `yaml:"prices" env:"-"`
	// 关闭后不估算成本
	EstimateCosts bool `yaml:"estimate_costs" env:"ESTIMATE_COSTS"`
}

// QuotaConfig 配额配置
type QuotaConfig struct {
	// 是否启用配额检查
	EntitlementsEnabled bool `yaml:"entitlements_enabled" env:"ENTITLEMENTS_ENABLED"`
	// 软检查缓存过期时间
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// 订阅信息进程内缓存时间
	SubscriptionTTL time.Duration `yaml:"subscription_ttl" env:"SUBSCRIPTION_TTL"`
	// 无订阅记录时使用的计划
	DefaultPlan string `yaml:"default_plan" env:"DEFAULT_PLAN"`
	// 计划目录，为空时使用内置目录
	Plans quota.Catalog `yaml:"plans" env:"-"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否启用 TLS
	TLSEnabled bool `yaml:"tls_enabled" env:"TLS_ENABLED"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// QueueConfig 摄取队列配置
type QueueConfig struct {
	// 驱动: redis, nats
	Driver string `yaml:"driver" env:"DRIVER"`
	// Redis Streams
	Redis queue.RedisConfig `yaml:"redis" env:"REDIS"`
	// NATS JetStream
	NATS queue.NATSConfig `yaml:"nats" env:"NATS"`
	// 就绪检查中积压超过该值时报告 degraded，0 表示不告警
	BacklogWarn int64 `yaml:"backlog_warn" env:"BACKLOG_WARN"`
}

// StoreConfig Span 存储配置
type StoreConfig struct {
	// 驱动: sql（复用 Database）, mongo
	Driver string `yaml:"driver" env:"DRIVER"`
	// MongoDB 连接串
	MongoURI string `yaml:"mongo_uri" env:"MONGO_URI"`
	// MongoDB 数据库
	MongoDatabase string `yaml:"mongo_database" env:"MONGO_DATABASE"`
	// MongoDB 集合
	MongoCollection string `yaml:"mongo_collection" env:"MONGO_COLLECTION"`
}

// WorkerConfig 持久化 Worker 配置
type WorkerConfig struct {
	// 并发处理的批次数
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
	// 首次重试间隔
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval" env:"RETRY_INITIAL_INTERVAL"`
	// 最大重试间隔
	RetryMaxInterval time.Duration `yaml:"retry_max_interval" env:"RETRY_MAX_INTERVAL"`
	// 单个批次的最长重试时间，超过后交回队列重投
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed" env:"RETRY_MAX_ELAPSED"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SPANFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 无前缀别名 → 带前缀环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 无前缀别名，与其他服务共用的部署环境变量
	if err := loadAliases(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 5. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// loadAliases 读取无前缀的环境变量
//
//	MAX_BATCH_BYTES          → ingest.max_batch_bytes
//	QUOTA_CACHE_TTL_SECONDS  → quota.cache_ttl（秒）
//	ENTITLEMENTS_ENABLED     → quota.entitlements_enabled
func loadAliases(cfg *Config) error {
	if v := os.Getenv("MAX_BATCH_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to set MAX_BATCH_BYTES: %w", err)
		}
		cfg.Ingest.MaxBatchBytes = n
	}
	if v := os.Getenv("QUOTA_CACHE_TTL_SECONDS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to set QUOTA_CACHE_TTL_SECONDS: %w", err)
		}
		cfg.Quota.CacheTTL = time.Duration(n) * time.Second
	}
	if v := os.Getenv("ENTITLEMENTS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("failed to set ENTITLEMENTS_ENABLED: %w", err)
		}
		cfg.Quota.EntitlementsEnabled = b
	}
	return nil
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	for name, port := range map[string]int{"HTTP": c.Server.HTTPPort, "gRPC": c.Server.GRPCPort, "metrics": c.Server.MetricsPort} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Sprintf("invalid %s port", name))
		}
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "tls_cert_file and tls_key_file must be set together")
	}
	for i, k := range c.Server.APIKeys {
		if k.Key == "" {
			errs = append(errs, fmt.Sprintf("api_keys[%d]: key is required", i))
		}
		if _, err := uuid.Parse(k.OrganizationID); err != nil {
			errs = append(errs, fmt.Sprintf("api_keys[%d]: invalid organization_id", i))
		}
		if _, err := uuid.Parse(k.ProjectID); err != nil {
			errs = append(errs, fmt.Sprintf("api_keys[%d]: invalid project_id", i))
		}
		if k.UserID != "" {
			if _, err := uuid.Parse(k.UserID); err != nil {
				errs = append(errs, fmt.Sprintf("api_keys[%d]: invalid user_id", i))
			}
		}
	}

	if c.Ingest.MaxBatchBytes <= 0 {
		errs = append(errs, "max_batch_bytes must be positive")
	}
	for i, p := range c.Ingest.Prices {
		if p.Model == "" {
			errs = append(errs, fmt.Sprintf("ingest prices[%d]: model is required", i))
		}
		if p.PriceInput < 0 || p.PriceOutput < 0 {
			errs = append(errs, fmt.Sprintf("ingest prices[%d]: prices must not be negative", i))
		}
	}

	if c.Quota.CacheTTL <= 0 {
		errs = append(errs, "quota cache_ttl must be positive")
	}
	if _, ok := c.Quota.Catalog().Lookup(c.Quota.DefaultPlan); !ok {
		errs = append(errs, fmt.Sprintf("default plan %q not found in plans", c.Quota.DefaultPlan))
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	switch c.Queue.Driver {
	case "redis", "nats":
	default:
		errs = append(errs, fmt.Sprintf("unsupported queue driver %q", c.Queue.Driver))
	}
	if c.Queue.BacklogWarn < 0 {
		errs = append(errs, "queue backlog_warn must not be negative")
	}

	switch c.Store.Driver {
	case "sql":
	case "mongo":
		if c.Store.MongoURI == "" {
			errs = append(errs, "store mongo_uri is required for the mongo driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported store driver %q", c.Store.Driver))
	}

	if c.Worker.Concurrency <= 0 {
		errs = append(errs, "worker concurrency must be positive")
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// Catalog 返回生效的计划目录
func (q QuotaConfig) Catalog() quota.Catalog {
	if len(q.Plans) > 0 {
		return q.Plans
	}
	return quota.DefaultCatalog()
}
