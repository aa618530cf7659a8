package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/api/grpcapi"
	"github.com/BaSui01/spanflow/api/handlers"
	"github.com/BaSui01/spanflow/config"
	"github.com/BaSui01/spanflow/internal/auth"
	"github.com/BaSui01/spanflow/internal/cache"
	"github.com/BaSui01/spanflow/internal/database"
	"github.com/BaSui01/spanflow/internal/metrics"
	"github.com/BaSui01/spanflow/internal/server"
	"github.com/BaSui01/spanflow/internal/telemetry"
	"github.com/BaSui01/spanflow/internal/tlsutil"
	"github.com/BaSui01/spanflow/queue"
	"github.com/BaSui01/spanflow/quota"
	"github.com/BaSui01/spanflow/tracing/ingest"
	"github.com/BaSui01/spanflow/tracing/otlp"
	"github.com/BaSui01/spanflow/tracing/rollup"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// skipAuthPaths 探针与版本端点无需认证
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

// Server 摄取服务：OTLP/HTTP、OTLP/gRPC 与 Metrics 三个监听
type Server struct {
	cfg        *config.Config
	configPath string
	loader     *config.Loader
	logger     *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	grpcManager    *server.Manager
	metricsManager *server.Manager

	// 基础设施
	otel      *telemetry.Providers
	cache     *cache.Manager
	db        *database.PoolManager
	natsConn  *nats.Conn
	publisher queue.Publisher

	// 业务组件
	metricsCollector *metrics.Collector
	quotaService     *quota.Service
	ingestService    *ingest.Service
	authenticator    *auth.Authenticator
	healthHandler    *handlers.HealthHandler
	traceHandler     *handlers.TraceHandler
	usageHandler     *handlers.UsageHandler

	// 计划目录热更新
	watcher *config.FileWatcher

	tlsConfig         *tls.Config
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建服务器实例。configPath 非空时监听文件变更并热更新计划目录。
func NewServer(cfg *config.Config, configPath string, loader *config.Loader, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		loader:     loader,
		logger:     logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 按依赖顺序初始化组件并启动全部监听。失败时调用方应执行 Shutdown 释放已创建的资源。
func (s *Server) Start() error {
	ctx := context.Background()

	otelProviders, err := telemetry.Init(s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.otel = otelProviders

	s.metricsCollector = metrics.NewCollector("spanflow", s.logger)

	if err := s.initInfrastructure(ctx); err != nil {
		return fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	if err := s.initWatcher(ctx); err != nil {
		return fmt.Errorf("failed to init config watcher: %w", err)
	}

	if s.cfg.Server.TLSCertFile != "" {
		s.tlsConfig, err = tlsutil.ServerTLSConfig(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
		if err != nil {
			return err
		}
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startGRPCServer(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("grpc_addr", s.grpcManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.String("queue_driver", s.cfg.Queue.Driver),
		zap.Bool("entitlements_enabled", s.cfg.Quota.EntitlementsEnabled),
		zap.Bool("tls", s.tlsConfig != nil),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initInfrastructure Redis、数据库、队列与摄取流水线
func (s *Server) initInfrastructure(ctx context.Context) error {
	var err error

	s.cache, err = openCache(s.cfg.Redis, s.logger)
	if err != nil {
		return err
	}

	s.db, err = openDatabase(s.cfg.Database, s.metricsCollector, s.logger)
	if err != nil {
		return err
	}

	s.quotaService = newQuotaService(s.cfg.Quota, s.db, s.cache, s.metricsCollector, s.logger)

	s.publisher, s.natsConn, err = newPublisher(ctx, s.cfg.Queue, s.cache, s.logger)
	if err != nil {
		return err
	}

	// gate 为 nil 接口时摄取服务跳过配额检查
	var gate ingest.Gate
	if s.cfg.Quota.EntitlementsEnabled {
		gate = quota.NewGate(s.quotaService, s.logger)
	}

	s.ingestService = ingest.NewService(
		otlp.NewDecoder(s.cfg.Ingest.MaxBatchBytes),
		newNormalizer(s.cfg.Ingest, s.logger),
		gate,
		rollup.NewPropagator(s.logger),
		s.publisher,
		ingest.Config{
			EntitlementsEnabled: s.cfg.Quota.EntitlementsEnabled,
			QueueDriver:         s.cfg.Queue.Driver,
		},
		s.logger,
		ingest.WithMetrics(s.metricsCollector),
	)

	s.authenticator, err = auth.New(s.cfg.Server.JWT, s.cfg.Server.APIKeys, s.logger)
	if err != nil {
		return err
	}
	if !s.authenticator.Enabled() {
		return errors.New("no credentials configured: set server.api_keys or server.jwt")
	}
	return nil
}

// initHandlers 初始化所有 handlers 与就绪检查
func (s *Server) initHandlers() error {
	checks := []handlers.DependencyCheck{handlers.RedisCheck(s.cache), handlers.DatabaseCheck(s.db)}
	if inspector, ok := s.publisher.(queue.Inspector); ok {
		var ping func(ctx context.Context) error
		if s.natsConn != nil {
			ping = natsPing(s.natsConn)
		}
		checks = append(checks, handlers.QueueCheck(s.cfg.Queue.Driver, inspector, s.cfg.Queue.BacklogWarn, ping))
	}
	s.healthHandler = handlers.NewHealthHandler(s.logger, checks...)

	s.traceHandler = handlers.NewTraceHandler(s.ingestService, s.logger)
	s.usageHandler = handlers.NewUsageHandler(
		s.quotaService,
		quota.NewGormSubscriptionStore(s.db.DB()),
		s.cfg.Quota.Catalog(),
		s.logger,
	)

	s.logger.Info("Handlers initialized")
	return nil
}

// initWatcher 配置文件变更时替换计划目录，其余配置需重启生效
func (s *Server) initWatcher(ctx context.Context) error {
	if s.configPath == "" {
		return nil
	}

	w, err := config.NewFileWatcher(s.configPath, s.loader, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnReload(func(cfg *config.Config) {
		s.quotaService.SetCatalog(cfg.Quota.Catalog())
		s.logger.Info("plan catalog reloaded", zap.Int("plans", len(cfg.Quota.Catalog())))
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册全部 HTTP 路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleLive)
	mux.HandleFunc("/healthz", s.healthHandler.HandleLive)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// OTLP/HTTP
	mux.HandleFunc("/v1/traces", s.traceHandler.HandleExport)

	// 用量与订阅
	mux.HandleFunc("/api/v1/usage", s.usageHandler.HandleGetUsage)
	mux.HandleFunc("/api/v1/subscription", s.usageHandler.HandlePutSubscription)

	return mux
}

// buildHandler 组装中间件链
func (s *Server) buildHandler(mux http.Handler) http.Handler {
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		Authenticate(s.authenticator, skipAuthPaths, s.logger),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		limiterCtx, cancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = cancel
		middlewares = append(middlewares,
			OrgRateLimiter(limiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	return Chain(mux, middlewares...)
}

// startHTTPServer 启动 OTLP/HTTP 与管理 API
func (s *Server) startHTTPServer() error {
	serverConfig := server.Config{
		Name:            "http",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		TLS:             s.tlsConfig,
	}

	s.httpManager = server.NewHTTPManager(s.buildHandler(s.routes()), serverConfig, s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📡 gRPC 服务器
// =============================================================================

// startGRPCServer 启动 OTLP/gRPC，与 HTTP 共用摄取服务
func (s *Server) startGRPCServer() error {
	srv := grpcapi.NewServer(s.ingestService, s.authenticator, s.logger)

	serverConfig := server.Config{
		Name:            "grpc",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.GRPCPort),
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		TLS:             s.tlsConfig,
	}

	s.grpcManager = server.NewManager(srv, serverConfig, s.logger)
	return s.grpcManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer Prometheus 抓取端点，独立端口且不经过认证
func (s *Server) startMetricsServer() error {
	s.metricsManager = startMetricsManager(s.cfg.Server, s.logger)
	return s.metricsManager.Start()
}

func startMetricsManager(cfg config.ServerConfig, logger *zap.Logger) *server.Manager {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return server.NewHTTPManager(mux, server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", cfg.MetricsPort),
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待信号或任一监听异常退出，然后优雅关闭
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-s.httpManager.Errors():
		s.logger.Error("HTTP server exited", zap.Error(err))
	case err := <-s.grpcManager.Errors():
		s.logger.Error("gRPC server exited", zap.Error(err))
	case err := <-s.metricsManager.Errors():
		s.logger.Error("metrics server exited", zap.Error(err))
	}

	s.Shutdown()
}

// Shutdown 先停止接收请求，再释放下游连接
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Error("config watcher shutdown error", zap.Error(err))
		}
	}

	for _, m := range []*server.Manager{s.httpManager, s.grpcManager, s.metricsManager} {
		if m == nil {
			continue
		}
		if err := m.Shutdown(ctx); err != nil {
			s.logger.Error("server shutdown error", zap.String("addr", m.Addr()), zap.Error(err))
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("publisher close error", zap.Error(err))
		}
	}
	if s.natsConn != nil {
		if err := s.natsConn.Drain(); err != nil {
			s.logger.Error("nats drain error", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("cache close error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		}
	}
	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
