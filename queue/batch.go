package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/spanflow/tracing/span"
)

// ErrClosed 发布者或消费者已关闭
var ErrClosed = errors.New("queue: closed")

// Batch 一次摄取请求产生的 Span 批次，作为整体入队
type Batch struct {
	ID             uuid.UUID   `json:"id"`
	OrganizationID uuid.UUID   `json:"organization_id"`
	ProjectID      uuid.UUID   `json:"project_id"`
	UserID         uuid.UUID   `json:"user_id"`
	Spans          []span.Span `json:"spans"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
}

// NewBatch 创建批次并分配 ID
func NewBatch(orgID, projectID, userID uuid.UUID, spans []span.Span) Batch {
	return Batch{
		ID:             uuid.New(),
		OrganizationID: orgID,
		ProjectID:      projectID,
		UserID:         userID,
		Spans:          spans,
		EnqueuedAt:     time.Now().UTC(),
	}
}

// RootCount 批次中根 Span 的数量，即 traces 计量增量
func (b Batch) RootCount() int64 {
	return int64(span.CountRoots(b.Spans))
}

// Encode 序列化批次
func (b Batch) Encode() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("queue: encode batch %s: %w", b.ID, err)
	}
	return data, nil
}

// DecodeBatch 反序列化批次
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("queue: decode batch: %w", err)
	}
	return b, nil
}

// Publisher 批次发布者。每个批次整体成功或整体失败，不做内部重试。
type Publisher interface {
	Publish(ctx context.Context, batch Batch) error
	Close() error
}

// Backlog 消费端积压。Pending 已投递未确认，Lag 尚未投递。
type Backlog struct {
	Pending int64 `json:"pending"`
	Lag     int64 `json:"lag"`
}

// Inspector 报告消费端积压
type Inspector interface {
	Backlog(ctx context.Context) (Backlog, error)
}

// Handler 批次处理函数。返回错误时消息保留等待重投。
type Handler func(ctx context.Context, batch Batch) error

// Consumer 批次消费者
type Consumer interface {
	// Run 阻塞消费直到 ctx 取消
	Run(ctx context.Context, handler Handler) error
	Close() error
}
