package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATSConfig JetStream 队列配置
type NATSConfig struct {
	URL           string        `yaml:"url" json:"url" env:"URL"`
	Stream        string        `yaml:"stream" json:"stream" env:"STREAM"`
	Subject       string        `yaml:"subject" json:"subject" env:"SUBJECT"`
	Durable       string        `yaml:"durable" json:"durable" env:"DURABLE"`
	Duplicates    time.Duration `yaml:"duplicates" json:"duplicates" env:"DUPLICATES"`
	// MaxMsgs 大于 0 时流满后拒绝新消息，不丢弃未消费的旧消息
	MaxMsgs       int64         `yaml:"max_msgs" json:"max_msgs" env:"MAX_MSGS"`
	FetchSize     int           `yaml:"fetch_size" json:"fetch_size" env:"FETCH_SIZE"`
	FetchWait     time.Duration `yaml:"fetch_wait" json:"fetch_wait" env:"FETCH_WAIT"`
	AckWait       time.Duration `yaml:"ack_wait" json:"ack_wait" env:"ACK_WAIT"`
	MaxDeliver    int           `yaml:"max_deliver" json:"max_deliver" env:"MAX_DELIVER"`
	MaxAckPending int           `yaml:"max_ack_pending" json:"max_ack_pending" env:"MAX_ACK_PENDING"`
}

// DefaultNATSConfig 默认配置
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Stream:        "SPANFLOW",
		Subject:       "spanflow.ingest",
		Durable:       "spanflow-workers",
		Duplicates:    2 * time.Minute,
		MaxMsgs:       100_000,
		FetchSize:     16,
		FetchWait:     2 * time.Second,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 256,
	}
}

// ensureStream 创建或更新流定义
func ensureStream(ctx context.Context, js jetstream.JetStream, config NATSConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       config.Stream,
		Subjects:   []string{config.Subject},
		Duplicates: config.Duplicates,
		MaxMsgs:    config.MaxMsgs,
		Discard:    jetstream.DiscardNew,
		Storage:    jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: ensure stream %s: %w", config.Stream, err)
	}
	return stream, nil
}

// =============================================================================
// 📤 JetStream 发布者
// =============================================================================

// NATSPublisher 以批次 ID 作为 Nats-Msg-Id，重复发布在去重窗口内被服务端丢弃
type NATSPublisher struct {
	js     jetstream.JetStream
	config NATSConfig
	logger *zap.Logger
	closed atomic.Bool
}

// NewNATSPublisher 创建发布者并确保流存在
func NewNATSPublisher(ctx context.Context, nc *nats.Conn, config NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}
	if _, err := ensureStream(ctx, js, config); err != nil {
		return nil, err
	}
	return &NATSPublisher{
		js:     js,
		config: config,
		logger: logger.With(zap.String("component", "queue_nats")),
	}, nil
}

// Publish 发布批次
func (p *NATSPublisher) Publish(ctx context.Context, batch Batch) error {
	if p.closed.Load() {
		return ErrClosed
	}

	data, err := batch.Encode()
	if err != nil {
		return err
	}

	ack, err := p.js.Publish(ctx, p.config.Subject, data, jetstream.WithMsgID(batch.ID.String()))
	if err != nil {
		return fmt.Errorf("queue: publish to %s: %w", p.config.Subject, err)
	}

	p.logger.Debug("batch published",
		zap.String("stream", ack.Stream),
		zap.Uint64("seq", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate),
		zap.String("batch_id", batch.ID.String()),
	)
	return nil
}

// Backlog 读取持久化消费者的积压。消费者尚未创建时，流中全部消息计为 Lag。
func (p *NATSPublisher) Backlog(ctx context.Context) (Backlog, error) {
	consumer, err := p.js.Consumer(ctx, p.config.Stream, p.config.Durable)
	if errors.Is(err, jetstream.ErrConsumerNotFound) {
		stream, err := p.js.Stream(ctx, p.config.Stream)
		if err != nil {
			return Backlog{}, fmt.Errorf("queue: stream %s: %w", p.config.Stream, err)
		}
		info, err := stream.Info(ctx)
		if err != nil {
			return Backlog{}, fmt.Errorf("queue: stream info %s: %w", p.config.Stream, err)
		}
		return Backlog{Lag: int64(info.State.Msgs)}, nil
	}
	if err != nil {
		return Backlog{}, fmt.Errorf("queue: consumer %s: %w", p.config.Durable, err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return Backlog{}, fmt.Errorf("queue: consumer info %s: %w", p.config.Durable, err)
	}
	return Backlog{Pending: int64(info.NumAckPending), Lag: int64(info.NumPending)}, nil
}

// Close 关闭发布者，连接由调用方关闭
func (p *NATSPublisher) Close() error {
	p.closed.Store(true)
	return nil
}

// =============================================================================
// 📥 JetStream 消费者
// =============================================================================

// NATSConsumer 持久化 pull 消费者
type NATSConsumer struct {
	consumer jetstream.Consumer
	config   NATSConfig
	logger   *zap.Logger
	closed   atomic.Bool
}

// NewNATSConsumer 创建或更新持久化消费者
func NewNATSConsumer(ctx context.Context, nc *nats.Conn, config NATSConfig, logger *zap.Logger) (*NATSConsumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}
	if _, err := ensureStream(ctx, js, config); err != nil {
		return nil, err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, config.Stream, jetstream.ConsumerConfig{
		Durable:       config.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       config.AckWait,
		MaxDeliver:    config.MaxDeliver,
		MaxAckPending: config.MaxAckPending,
		FilterSubject: config.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: create consumer %s: %w", config.Durable, err)
	}

	return &NATSConsumer{
		consumer: consumer,
		config:   config,
		logger:   logger.With(zap.String("component", "queue_nats_consumer")),
	}, nil
}

// Run 循环拉取消息直到 ctx 取消
func (c *NATSConsumer) Run(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil || c.closed.Load() {
			return nil
		}

		msgs, err := c.consumer.Fetch(c.config.FetchSize, jetstream.FetchMaxWait(c.config.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range msgs.Messages() {
			c.handle(ctx, msg, handler)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
			c.logger.Warn("fetch batch ended with error", zap.Error(err))
		}
	}
}

func (c *NATSConsumer) handle(ctx context.Context, msg jetstream.Msg, handler Handler) {
	batch, err := DecodeBatch(msg.Data())
	if err != nil {
		c.logger.Error("terminating undecodable message", zap.Error(err))
		if termErr := msg.Term(); termErr != nil {
			c.logger.Error("term failed", zap.Error(termErr))
		}
		return
	}

	if err := handler(ctx, batch); err != nil {
		c.logger.Warn("batch handler failed",
			zap.String("batch_id", batch.ID.String()),
			zap.Error(err),
		)
		if nakErr := msg.Nak(); nakErr != nil {
			c.logger.Error("nak failed", zap.Error(nakErr))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		c.logger.Error("ack failed", zap.String("batch_id", batch.ID.String()), zap.Error(err))
	}
}

// Close 停止消费
func (c *NATSConsumer) Close() error {
	c.closed.Store(true)
	return nil
}
