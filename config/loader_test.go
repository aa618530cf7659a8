// 配置加载器测试。
package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/spanflow/quota"
	"github.com/BaSui01/spanflow/tracing/otlp"
)

// --- 加载测试 ---

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  grpc_port: 9999
  read_timeout: 60s
  api_keys:
    - key: "proj-key"
      organization_id: "8f1c4f8e-2d7a-4a53-9a0c-1f6c7b9b2e11"
      project_id: "0c5d2a34-67b1-4c3e-8e2f-5a9d4b1c7e22"

ingest:
  max_batch_bytes: 1048576
  prices:
    - system: custom
      model: my-model
      price_input: 0.5
      price_output: 1.5

quota:
  entitlements_enabled: true
  cache_ttl: 1h
  default_plan: starter
  plans:
    starter:
      name: starter
      quotas:
        traces:
          limit: 100
          monthly: true

queue:
  driver: nats
  nats:
    url: "nats://nats:4222"
    fetch_size: 32

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 9999, cfg.Server.GRPCPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	require.Len(t, cfg.Server.APIKeys, 1)
	assert.Equal(t, "proj-key", cfg.Server.APIKeys[0].Key)

	assert.Equal(t, int64(1<<20), cfg.Ingest.MaxBatchBytes)
	assert.True(t, cfg.Ingest.EstimateCosts)
	require.Len(t, cfg.Ingest.Prices, 1)
	assert.Equal(t, "my-model", cfg.Ingest.Prices[0].Model)
	assert.Equal(t, 1.5, cfg.Ingest.Prices[0].PriceOutput)

	assert.True(t, cfg.Quota.EntitlementsEnabled)
	assert.Equal(t, time.Hour, cfg.Quota.CacheTTL)
	plan, ok := cfg.Quota.Catalog().Lookup("starter")
	require.True(t, ok)
	assert.Equal(t, int64(100), *plan.Quotas[quota.KeyTraces].Limit)

	assert.Equal(t, "nats", cfg.Queue.Driver)
	assert.Equal(t, "nats://nats:4222", cfg.Queue.NATS.URL)
	assert.Equal(t, 32, cfg.Queue.NATS.FetchSize)
	// 未覆盖的字段保留默认值
	assert.Equal(t, "spanflow.ingest", cfg.Queue.NATS.Subject)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("SPANFLOW_SERVER_HTTP_PORT", "7777")
	t.Setenv("SPANFLOW_INGEST_MAX_BATCH_BYTES", "2048")
	t.Setenv("SPANFLOW_QUOTA_CACHE_TTL", "90s")
	t.Setenv("SPANFLOW_QUEUE_REDIS_STREAM", "custom:stream")
	t.Setenv("SPANFLOW_QUEUE_NATS_ACK_WAIT", "1m")
	t.Setenv("SPANFLOW_REDIS_ADDR", "env-redis:6379")
	t.Setenv("SPANFLOW_LOG_OUTPUT_PATHS", "stdout, /var/log/spanflow.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, int64(2048), cfg.Ingest.MaxBatchBytes)
	assert.Equal(t, 90*time.Second, cfg.Quota.CacheTTL)
	assert.Equal(t, "custom:stream", cfg.Queue.Redis.Stream)
	assert.Equal(t, time.Minute, cfg.Queue.NATS.AckWait)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"stdout", "/var/log/spanflow.log"}, cfg.Log.OutputPaths)
}

func TestLoader_Aliases(t *testing.T) {
	t.Setenv("MAX_BATCH_BYTES", "1024")
	t.Setenv("QUOTA_CACHE_TTL_SECONDS", "30")
	t.Setenv("ENTITLEMENTS_ENABLED", "false")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, int64(1024), cfg.Ingest.MaxBatchBytes)
	assert.Equal(t, 30*time.Second, cfg.Quota.CacheTTL)
	assert.False(t, cfg.Quota.EntitlementsEnabled)
}

func TestLoader_PrefixedEnvOverridesAlias(t *testing.T) {
	t.Setenv("MAX_BATCH_BYTES", "1024")
	t.Setenv("SPANFLOW_INGEST_MAX_BATCH_BYTES", "4096")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), cfg.Ingest.MaxBatchBytes)
}

func TestLoader_InvalidAlias(t *testing.T) {
	t.Setenv("QUOTA_CACHE_TTL_SECONDS", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUOTA_CACHE_TTL_SECONDS")
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
store:
  driver: mongo
  mongo_uri: "mongodb://yaml:27017"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	t.Setenv("SPANFLOW_SERVER_HTTP_PORT", "9999")
	t.Setenv("SPANFLOW_STORE_MONGO_URI", "mongodb://env:27017")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "mongodb://env:27017", cfg.Store.MongoURI)
	// YAML 值应该保留
	assert.Equal(t, "mongo", cfg.Store.Driver)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_WithValidator(t *testing.T) {
	errBoom := errors.New("rejected")

	_, err := NewLoader().
		WithValidator(func(c *Config) error { return c.Validate() }).
		WithValidator(func(*Config) error { return errBoom }).
		Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 4318, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))

	_, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("SPANFLOW_SERVER_HTTP_PORT", "not-a-number")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SPANFLOW_SERVER_HTTP_PORT")
}

// --- 校验测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			modify: func(*Config) {},
		},
		{
			name:    "invalid http port",
			modify:  func(c *Config) { c.Server.HTTPPort = 0 },
			wantErr: "invalid HTTP port",
		},
		{
			name:    "invalid grpc port",
			modify:  func(c *Config) { c.Server.GRPCPort = 70000 },
			wantErr: "invalid gRPC port",
		},
		{
			name:    "non-positive batch size",
			modify:  func(c *Config) { c.Ingest.MaxBatchBytes = 0 },
			wantErr: "max_batch_bytes must be positive",
		},
		{
			name: "price without model",
			modify: func(c *Config) {
				c.Ingest.Prices = []otlp.ModelPrice{{System: "custom", PriceInput: 1}}
			},
			wantErr: "ingest prices[0]: model is required",
		},
		{
			name: "negative price",
			modify: func(c *Config) {
				c.Ingest.Prices = []otlp.ModelPrice{{Model: "m", PriceOutput: -1}}
			},
			wantErr: "ingest prices[0]: prices must not be negative",
		},
		{
			name:    "unknown default plan",
			modify:  func(c *Config) { c.Quota.DefaultPlan = "platinum" },
			wantErr: `default plan "platinum"`,
		},
		{
			name:    "unsupported database driver",
			modify:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: `unsupported database driver "mysql"`,
		},
		{
			name:    "unsupported queue driver",
			modify:  func(c *Config) { c.Queue.Driver = "kafka" },
			wantErr: `unsupported queue driver "kafka"`,
		},
		{
			name:    "negative backlog warning",
			modify:  func(c *Config) { c.Queue.BacklogWarn = -1 },
			wantErr: "backlog_warn must not be negative",
		},
		{
			name:    "mongo without uri",
			modify:  func(c *Config) { c.Store.Driver = "mongo" },
			wantErr: "mongo_uri is required",
		},
		{
			name: "api key with bad organization",
			modify: func(c *Config) {
				c.Server.APIKeys = []APIKeyConfig{{Key: "k", OrganizationID: "nope", ProjectID: uuid.NewString()}}
			},
			wantErr: "api_keys[0]: invalid organization_id",
		},
		{
			name:    "tls cert without key",
			modify:  func(c *Config) { c.Server.TLSCertFile = "/etc/spanflow/tls.crt" },
			wantErr: "tls_cert_file and tls_key_file must be set together",
		},
		{
			name:    "zero worker concurrency",
			modify:  func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr: "worker concurrency must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres",
			config: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432,
				User: "user", Password: "pass", Name: "db", SSLMode: "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=db sslmode=disable",
		},
		{
			name:     "sqlite",
			config:   DatabaseConfig{Driver: "sqlite", Name: "/tmp/spanflow.db"},
			expected: "/tmp/spanflow.db",
		},
		{
			name:     "unknown",
			config:   DatabaseConfig{Driver: "oracle"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestJWTConfig_Enabled(t *testing.T) {
	assert.False(t, JWTConfig{}.Enabled())
	assert.True(t, JWTConfig{Secret: "s"}.Enabled())
	assert.True(t, JWTConfig{PublicKey: "pem"}.Enabled())
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("{{invalid"), 0644))

	assert.Panics(t, func() { MustLoad(configPath) })
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("SPANFLOW_WORKER_CONCURRENCY", "12")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Worker.Concurrency)
}
