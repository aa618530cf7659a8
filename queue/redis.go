package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const batchField = "batch"

// RedisConfig Redis Streams 队列配置
type RedisConfig struct {
	Stream string `yaml:"stream" json:"stream" env:"STREAM"`
	// MaxLen 大于 0 时 XADD 近似裁剪到该长度。裁剪不看消费组进度，
	// 积压时会删除尚未持久化的批次，默认 0 不裁剪，由消费端 XACK 后 XDEL 清理。
	MaxLen   int64         `yaml:"max_len" json:"max_len" env:"MAX_LEN"`
	Group    string        `yaml:"group" json:"group" env:"GROUP"`
	Consumer string        `yaml:"consumer" json:"consumer" env:"CONSUMER"`
	Count    int64         `yaml:"count" json:"count" env:"COUNT"`
	Block    time.Duration `yaml:"block" json:"block" env:"BLOCK"`
	MinIdle  time.Duration `yaml:"min_idle" json:"min_idle" env:"MIN_IDLE"`
}

// DefaultRedisConfig 默认配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Stream:   "spanflow:ingest",
		MaxLen:   0,
		Group:    "spanflow-workers",
		Consumer: "worker-1",
		Count:    16,
		Block:    2 * time.Second,
		MinIdle:  5 * time.Minute,
	}
}

// =============================================================================
// 📤 Redis Streams 发布者
// =============================================================================

// RedisPublisher 每个批次对应一条 XADD 记录
type RedisPublisher struct {
	client redis.UniversalClient
	config RedisConfig
	logger *zap.Logger
	closed atomic.Bool
}

// NewRedisPublisher 创建发布者，client 由调用方管理生命周期
func NewRedisPublisher(client redis.UniversalClient, config RedisConfig, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "queue_redis")),
	}
}

// Publish 发布批次
func (p *RedisPublisher) Publish(ctx context.Context, batch Batch) error {
	if p.closed.Load() {
		return ErrClosed
	}

	data, err := batch.Encode()
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: p.config.Stream,
		Values: map[string]any{
			batchField:        data,
			"batch_id":        batch.ID.String(),
			"organization_id": batch.OrganizationID.String(),
			"project_id":      batch.ProjectID.String(),
		},
	}
	if p.config.MaxLen > 0 {
		args.MaxLen = p.config.MaxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("queue: xadd to %s: %w", p.config.Stream, err)
	}

	p.logger.Debug("batch published",
		zap.String("stream_id", id),
		zap.String("batch_id", batch.ID.String()),
		zap.Int("spans", len(batch.Spans)),
	)
	return nil
}

// Backlog 读取消费组积压。流或消费组尚未创建时，流中全部条目计为 Lag。
func (p *RedisPublisher) Backlog(ctx context.Context) (Backlog, error) {
	groups, err := p.client.XInfoGroups(ctx, p.config.Stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return Backlog{}, nil
		}
		return Backlog{}, fmt.Errorf("queue: xinfo groups %s: %w", p.config.Stream, err)
	}
	for _, g := range groups {
		if g.Name == p.config.Group {
			return Backlog{Pending: g.Pending, Lag: g.Lag}, nil
		}
	}

	n, err := p.client.XLen(ctx, p.config.Stream).Result()
	if err != nil {
		return Backlog{}, fmt.Errorf("queue: xlen %s: %w", p.config.Stream, err)
	}
	return Backlog{Lag: n}, nil
}

// Close 关闭发布者
func (p *RedisPublisher) Close() error {
	p.closed.Store(true)
	return nil
}

// =============================================================================
// 📥 Redis Streams 消费者
// =============================================================================

// RedisConsumer 基于消费组的 Streams 消费者
type RedisConsumer struct {
	client redis.UniversalClient
	config RedisConfig
	logger *zap.Logger
	closed atomic.Bool
}

// NewRedisConsumer 创建消费者
func NewRedisConsumer(client redis.UniversalClient, config RedisConfig, logger *zap.Logger) *RedisConsumer {
	return &RedisConsumer{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "queue_redis_consumer")),
	}
}

// EnsureGroup 创建消费组（已存在时忽略）
func (c *RedisConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.config.Stream, c.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create group %s: %w", c.config.Group, err)
	}
	return nil
}

// Run 消费消息直到 ctx 取消。处理成功才 XACK，失败的消息留在 PEL 中，
// 空闲超过 MinIdle 后被重新认领。
func (c *RedisConsumer) Run(ctx context.Context, handler Handler) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	lastReclaim := time.Now()
	for {
		if ctx.Err() != nil || c.closed.Load() {
			return nil
		}

		if c.config.MinIdle > 0 && time.Since(lastReclaim) >= c.config.MinIdle {
			c.reclaim(ctx, handler)
			lastReclaim = time.Now()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.config.Group,
			Consumer: c.config.Consumer,
			Streams:  []string{c.config.Stream, ">"},
			Count:    c.config.Count,
			Block:    c.config.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("xreadgroup failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg, handler)
			}
		}
	}
}

// reclaim 认领长时间未确认的消息并重新处理
func (c *RedisConsumer) reclaim(ctx context.Context, handler Handler) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.config.Stream,
		Group:    c.config.Group,
		Consumer: c.config.Consumer,
		MinIdle:  c.config.MinIdle,
		Start:    "0-0",
		Count:    c.config.Count,
	}).Result()
	if err != nil {
		c.logger.Warn("xautoclaim failed", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		c.handle(ctx, msg, handler)
	}
}

func (c *RedisConsumer) handle(ctx context.Context, msg redis.XMessage, handler Handler) {
	raw, ok := msg.Values[batchField].(string)
	if !ok {
		c.logger.Error("dropping stream entry without batch payload", zap.String("stream_id", msg.ID))
		c.ack(ctx, msg.ID)
		return
	}

	batch, err := DecodeBatch([]byte(raw))
	if err != nil {
		c.logger.Error("dropping undecodable batch", zap.String("stream_id", msg.ID), zap.Error(err))
		c.ack(ctx, msg.ID)
		return
	}

	if err := handler(ctx, batch); err != nil {
		c.logger.Warn("batch handler failed, leaving entry pending",
			zap.String("stream_id", msg.ID),
			zap.String("batch_id", batch.ID.String()),
			zap.Error(err),
		)
		return
	}
	c.ack(ctx, msg.ID)
}

// ack 不随消费循环的 ctx 取消，已处理的消息必须确认。
// 确认后删除条目，流长度只随积压增长。
func (c *RedisConsumer) ack(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	if err := c.client.XAck(ctx, c.config.Stream, c.config.Group, id).Err(); err != nil {
		c.logger.Error("xack failed", zap.String("stream_id", id), zap.Error(err))
		return
	}
	if err := c.client.XDel(ctx, c.config.Stream, id).Err(); err != nil {
		c.logger.Warn("xdel failed", zap.String("stream_id", id), zap.Error(err))
	}
}

// Close 停止消费
func (c *RedisConsumer) Close() error {
	c.closed.Store(true)
	return nil
}
