package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/spanflow/internal/metrics"
	"github.com/BaSui01/spanflow/internal/telemetry"
	"github.com/BaSui01/spanflow/queue"
	"github.com/BaSui01/spanflow/quota"
	"github.com/BaSui01/spanflow/tracing/span"
)

// =============================================================================
// 🛠️ 持久化 Worker
// =============================================================================

// 批次处理结果，用作指标标签
const (
	StatusPersisted = "persisted"
	StatusDenied    = "denied"
	StatusFailed    = "failed"
	StatusEmpty     = "empty"
)

// Gate 持久化前的硬配额检查
type Gate interface {
	HardCheck(ctx context.Context, orgID, chargeID uuid.UUID, delta int64) error
}

// Store Span 持久化
type Store interface {
	SaveSpans(ctx context.Context, orgID, projectID uuid.UUID, spans []span.Span) error
}

// Config Worker 配置
type Config struct {
	Concurrency          int
	EntitlementsEnabled  bool
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxElapsed      time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Concurrency:          4,
		EntitlementsEnabled:  true,
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		RetryMaxElapsed:      30 * time.Second,
	}
}

// Option Worker 选项
type Option func(*Worker)

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(w *Worker) { w.metrics = c }
}

// Worker 消费队列批次，执行硬配额检查后写入 Span 存储
type Worker struct {
	consumer queue.Consumer
	gate     Gate
	store    Store
	config   Config
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New 创建 Worker
func New(consumer queue.Consumer, gate Gate, store Store, config Config, logger *zap.Logger, opts ...Option) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	w := &Worker{
		consumer: consumer,
		gate:     gate,
		store:    store,
		config:   config,
		logger:   logger.With(zap.String("component", "worker")),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run 启动 Concurrency 个消费循环，阻塞直到 ctx 取消或某个循环返回错误
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", zap.Int("concurrency", w.config.Concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			return w.consumer.Run(ctx, w.Handle)
		})
	}

	err := g.Wait()
	w.logger.Info("worker stopped", zap.Error(err))
	return err
}

// Handle 处理单个批次。
// 配额拒绝的批次返回 nil（确认并丢弃）；返回错误时由队列重投。
func (w *Worker) Handle(ctx context.Context, batch queue.Batch) (err error) {
	start := time.Now()
	ctx, sp := telemetry.Tracer().Start(ctx, "worker.batch")
	sp.SetAttributes(
		attribute.String("spanflow.batch_id", batch.ID.String()),
		attribute.String("spanflow.organization_id", batch.OrganizationID.String()),
		attribute.Int("spanflow.spans", len(batch.Spans)),
	)
	defer func() { telemetry.EndSpan(sp, err) }()

	log := w.logger.With(
		zap.String("batch_id", batch.ID.String()),
		zap.String("organization_id", batch.OrganizationID.String()),
	)

	if len(batch.Spans) == 0 {
		w.record(StatusEmpty, start)
		return nil
	}

	if w.config.EntitlementsEnabled && w.gate != nil {
		// 以批次 ID 扣费，重投时不会重复计数
		err := w.gate.HardCheck(ctx, batch.OrganizationID, batch.ID, batch.RootCount())
		var denied *quota.DeniedError
		switch {
		case errors.As(err, &denied):
			log.Warn("dropping batch over quota",
				zap.Int("spans", len(batch.Spans)),
				zap.String("reason", denied.Message()),
			)
			sp.SetAttributes(attribute.Bool("spanflow.denied", true))
			w.record(StatusDenied, start)
			return nil
		case err != nil:
			w.record(StatusFailed, start)
			return err
		}
	}

	if err := w.persist(ctx, batch); err != nil {
		log.Error("failed to persist batch", zap.Error(err))
		w.record(StatusFailed, start)
		return err
	}

	log.Debug("batch persisted", zap.Int("spans", len(batch.Spans)), zap.Duration("duration", time.Since(start)))
	w.record(StatusPersisted, start)
	return nil
}

func (w *Worker) persist(ctx context.Context, batch queue.Batch) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.config.RetryInitialInterval
	b.MaxInterval = w.config.RetryMaxInterval
	b.MaxElapsedTime = w.config.RetryMaxElapsed

	op := func() error {
		return w.store.SaveSpans(ctx, batch.OrganizationID, batch.ProjectID, batch.Spans)
	}
	notify := func(err error, next time.Duration) {
		w.logger.Warn("save spans failed, retrying",
			zap.String("batch_id", batch.ID.String()),
			zap.Duration("next", next),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("persist batch %s: %w", batch.ID, err)
	}
	return nil
}

func (w *Worker) record(status string, start time.Time) {
	if w.metrics != nil {
		w.metrics.RecordWorkerBatch(status, time.Since(start))
	}
}
