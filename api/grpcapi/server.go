package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	_ "google.golang.org/grpc/encoding/gzip" // 注册 gzip 解压
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/BaSui01/spanflow/internal/auth"
	"github.com/BaSui01/spanflow/tracing/ingest"
	"github.com/BaSui01/spanflow/tracing/otlp"
	"github.com/BaSui01/spanflow/types"
)

// =============================================================================
// 📡 OTLP/gRPC Trace Receiver
// =============================================================================

// Ingester 摄取服务
type Ingester interface {
	MaxBatchBytes() int64
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// Authenticator 解析调用方身份
type Authenticator interface {
	Authenticate(ctx context.Context, creds auth.Credentials) (context.Context, error)
}

// TraceService 实现 opentelemetry.proto.collector.trace.v1.TraceService
type TraceService struct {
	coltracepb.UnimplementedTraceServiceServer

	ingester Ingester
	logger   *zap.Logger
}

// NewTraceService 创建 TraceService
func NewTraceService(ingester Ingester, logger *zap.Logger) *TraceService {
	return &TraceService{ingester: ingester, logger: logger.With(zap.String("component", "grpc_traces"))}
}

// Export 与 HTTP 端点共用同一条摄取流水线
func (s *TraceService) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	identity, ok := types.IdentityFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing identity")
	}

	// 请求已由 gRPC 解码，重新编码后走统一的大小检查与解码
	body, err := proto.Marshal(req)
	if err != nil {
		s.logger.Error("failed to re-encode export request", zap.Error(err))
		return nil, status.Error(codes.Internal, "internal error")
	}

	res, err := s.ingester.Ingest(ctx, ingest.Request{
		Body:      body,
		Identity:  identity,
		Transport: ingest.TransportGRPC,
	})
	if err != nil {
		e := ingest.AsError(err)
		fields := []zap.Field{
			zap.String("kind", e.Kind.String()),
			zap.String("organization_id", identity.OrganizationID.String()),
			zap.Error(e.Err),
		}
		if e.Kind == ingest.KindInternal {
			s.logger.Error("trace export failed", fields...)
		} else {
			s.logger.Info("trace export rejected", fields...)
		}
		return nil, status.Error(Code(e.Kind), e.Message)
	}

	return otlp.ExportResponse(int64(res.Dropped)), nil
}

// Code 摄取错误类型到 gRPC 状态码。内部错误映射为 Unavailable，客户端按 OTLP 约定重试。
func Code(kind ingest.Kind) codes.Code {
	switch kind {
	case ingest.KindBadRequest:
		return codes.InvalidArgument
	case ingest.KindTooLarge:
		return codes.ResourceExhausted
	case ingest.KindQuotaDenied:
		return codes.PermissionDenied
	default:
		return codes.Unavailable
	}
}

// =============================================================================
// 🔐 拦截器
// =============================================================================

// UnaryAuthInterceptor 从 metadata 读取 authorization / x-api-key
func UnaryAuthInterceptor(authn Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		creds := auth.Credentials{
			Authorization: first(md.Get("authorization")),
			APIKey:        first(md.Get("x-api-key")),
		}

		authed, err := authn.Authenticate(ctx, creds)
		if err != nil {
			if errors.Is(err, auth.ErrMissingCredentials) {
				return nil, status.Error(codes.Unauthenticated, "missing credentials")
			}
			return nil, status.Error(codes.Unauthenticated, "invalid credentials")
		}
		return handler(authed, req)
	}
}

// UnaryRecoveryInterceptor panic 转为 Internal
func UnaryRecoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered", zap.Any("error", r), zap.String("method", info.FullMethod))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// UnaryLoggingInterceptor 请求日志
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// =============================================================================
// 🚀 服务器
// =============================================================================

const gracefulShutdownTimeout = 5 * time.Second

// Server OTLP/gRPC 服务器
type Server struct {
	server *grpc.Server
	logger *zap.Logger
	done   chan struct{}
}

// NewServer 创建服务器并注册 TraceService。
// 接收上限等于批次上限，超限消息由 gRPC 以 ResourceExhausted 拒绝。
func NewServer(ingester Ingester, authn Authenticator, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	logger = logger.With(zap.String("component", "grpc_server"))

	interceptors := []grpc.UnaryServerInterceptor{
		UnaryRecoveryInterceptor(logger),
		UnaryLoggingInterceptor(logger),
	}
	if authn != nil {
		interceptors = append(interceptors, UnaryAuthInterceptor(authn))
	}

	serverOpts := append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(int(ingester.MaxBatchBytes())),
		grpc.ChainUnaryInterceptor(interceptors...),
	}, opts...)

	srv := grpc.NewServer(serverOpts...)
	coltracepb.RegisterTraceServiceServer(srv, NewTraceService(ingester, logger))

	return &Server{server: srv, logger: logger, done: make(chan struct{})}
}

// Serve 在 listener 上提供服务，直到 Shutdown
func (s *Server) Serve(ln net.Listener) error {
	defer close(s.done)
	s.logger.Info("starting OTLP gRPC server", zap.String("addr", ln.Addr().String()))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Shutdown 优雅停止，超时后强制关闭
func (s *Server) Shutdown(ctx context.Context) error {
	go s.server.GracefulStop()

	select {
	case <-s.done:
		s.logger.Info("OTLP gRPC server shut down")
	case <-time.After(gracefulShutdownTimeout):
		s.logger.Warn("OTLP gRPC graceful shutdown timed out, forcing shutdown")
		s.server.Stop()
	case <-ctx.Done():
		s.logger.Warn("OTLP gRPC shutdown cancelled, forcing shutdown")
		s.server.Stop()
	}
	return nil
}
