package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/internal/metrics"
	"github.com/BaSui01/spanflow/internal/telemetry"
	"github.com/BaSui01/spanflow/queue"
	"github.com/BaSui01/spanflow/quota"
	"github.com/BaSui01/spanflow/tracing/otlp"
	"github.com/BaSui01/spanflow/tracing/rollup"
	"github.com/BaSui01/spanflow/tracing/span"
	"github.com/BaSui01/spanflow/types"
)

// Transport 请求来源，用作指标标签
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Decoder OTLP 载荷解码
type Decoder interface {
	MaxBytes() int64
	Inflate(body []byte, encoding string) ([]byte, error)
	Decode(payload []byte) (*otlp.Batch, error)
}

// Gate 摄取前的软配额检查
type Gate interface {
	SoftCheck(ctx context.Context, orgID uuid.UUID, delta int64) error
}

// Request 一次摄取请求
type Request struct {
	Body            []byte
	ContentEncoding string
	Identity        types.Identity
	Transport       string
}

// Result 摄取结果。Accepted 为入队的 Span 数，Dropped 为规范化失败被丢弃的数量。
type Result struct {
	BatchID  uuid.UUID
	Accepted int
	Dropped  int
}

// Config 服务配置
type Config struct {
	EntitlementsEnabled bool
	QueueDriver         string
}

// Option 服务选项
type Option func(*Service)

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service 摄取流水线：大小检查 → 解码 → 规范化 → 软配额 → 指标汇总 → 入队。
// 单个请求内顺序执行，服务本身可并发使用。
type Service struct {
	decoder    Decoder
	normalizer *otlp.Normalizer
	gate       Gate
	propagator *rollup.Propagator
	publisher  queue.Publisher
	config     Config
	logger     *zap.Logger
	metrics    *metrics.Collector
	now        func() time.Time
}

// NewService 创建摄取服务。gate 为 nil 时跳过配额检查。
func NewService(
	decoder Decoder,
	normalizer *otlp.Normalizer,
	gate Gate,
	propagator *rollup.Propagator,
	publisher queue.Publisher,
	config Config,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		decoder:    decoder,
		normalizer: normalizer,
		gate:       gate,
		propagator: propagator,
		publisher:  publisher,
		config:     config,
		logger:     logger.With(zap.String("component", "ingest")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxBatchBytes 请求体上限
func (s *Service) MaxBatchBytes() int64 { return s.decoder.MaxBytes() }

// Ingest 处理一个 OTLP 批次
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	transport := req.Transport
	if transport == "" {
		transport = TransportHTTP
	}

	ctx, sp := telemetry.Tracer().Start(ctx, "ingest.batch")
	sp.SetAttributes(
		attribute.String("spanflow.transport", transport),
		attribute.String("spanflow.organization_id", req.Identity.OrganizationID.String()),
		attribute.Int("spanflow.body_bytes", len(req.Body)),
	)

	res, err := s.ingest(ctx, req)
	if err != nil {
		e := AsError(err)
		sp.SetAttributes(attribute.String("spanflow.reject_kind", e.Kind.String()))
		telemetry.EndSpan(sp, e)
		if s.metrics != nil {
			s.metrics.RecordBatchRejected(e.Kind.String())
		}
		return nil, e
	}

	sp.SetAttributes(
		attribute.Int("spanflow.accepted", res.Accepted),
		attribute.Int("spanflow.dropped", res.Dropped),
	)
	telemetry.EndSpan(sp, nil)

	if s.metrics != nil {
		s.metrics.RecordIngest(transport, res.Accepted, res.Dropped, time.Since(start))
	}
	return res, nil
}

func (s *Service) ingest(ctx context.Context, req Request) (*Result, error) {
	log := s.logger.With(
		zap.String("organization_id", req.Identity.OrganizationID.String()),
		zap.String("project_id", req.Identity.ProjectID.String()),
	)

	// 超限的请求体不进入解码
	if int64(len(req.Body)) > s.decoder.MaxBytes() {
		return nil, s.tooLarge()
	}

	payload, err := s.decoder.Inflate(req.Body, req.ContentEncoding)
	if err != nil {
		return nil, s.decodeFailure(err)
	}

	batch, err := s.decoder.Decode(payload)
	if err != nil {
		return nil, s.decodeFailure(err)
	}

	spans, dropped := s.normalizer.NormalizeBatch(batch, s.now().UTC())
	res := &Result{Dropped: dropped}
	if len(spans) == 0 {
		log.Debug("no spans survived normalization", zap.Int("dropped", dropped))
		return res, nil
	}

	if s.config.EntitlementsEnabled && s.gate != nil {
		delta := int64(span.CountRoots(spans))
		if err := s.gate.SoftCheck(ctx, req.Identity.OrganizationID, delta); err != nil {
			var denied *quota.DeniedError
			if errors.As(err, &denied) {
				log.Info("batch denied by quota", zap.Int64("delta", delta))
				return nil, &Error{Kind: KindQuotaDenied, Message: denied.Message(), Err: err}
			}
			return nil, &Error{Kind: KindInternal, Message: "quota check failed", Err: err}
		}
	}

	spans = s.propagator.Propagate(spans)

	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindInternal, Message: "request cancelled", Err: err}
	}

	qb := queue.NewBatch(req.Identity.OrganizationID, req.Identity.ProjectID, req.Identity.UserID, spans)
	err = s.publisher.Publish(ctx, qb)
	if s.metrics != nil {
		s.metrics.RecordQueuePublish(s.config.QueueDriver, err)
	}
	if err != nil {
		log.Error("failed to publish batch",
			zap.String("batch_id", qb.ID.String()),
			zap.Int("spans", len(spans)),
			zap.Error(err),
		)
		return nil, &Error{Kind: KindInternal, Message: "failed to enqueue spans", Err: err}
	}

	s.recordUsage(spans)

	res.BatchID = qb.ID
	res.Accepted = len(spans)
	log.Debug("batch accepted",
		zap.String("batch_id", qb.ID.String()),
		zap.Int("accepted", res.Accepted),
		zap.Int("dropped", res.Dropped),
	)
	return res, nil
}

func (s *Service) tooLarge() *Error {
	return &Error{
		Kind:    KindTooLarge,
		Message: fmt.Sprintf("batch exceeds maximum size of %d bytes", s.decoder.MaxBytes()),
		Err:     otlp.ErrBatchTooLarge,
	}
}

func (s *Service) decodeFailure(err error) *Error {
	if errors.Is(err, otlp.ErrBatchTooLarge) {
		return s.tooLarge()
	}
	return &Error{Kind: KindBadRequest, Message: "malformed OTLP payload", Err: err}
}

// recordUsage 根 Span 的累计值即整棵树的用量
func (s *Service) recordUsage(spans []span.Span) {
	if s.metrics == nil {
		return
	}
	for i := range spans {
		if !spans[i].IsRoot() {
			continue
		}
		m := spans[i].CumulativeMetrics()
		if m.IsZero() {
			m = spans[i].OwnMetrics()
		}
		s.metrics.RecordTracedUsage(m.Cost, m.PromptTokens, m.CompletionTokens)
	}
}
