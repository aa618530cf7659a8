// Package mocks 提供流水线协作方的测试替身。
//
// 支持调用记录与错误注入。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/spanflow/queue"
)

// --- RecordingPublisher ---

// RecordingPublisher 记录发布的批次
type RecordingPublisher struct {
	mu      sync.Mutex
	batches []queue.Batch
	err     error
	closed  bool
}

// NewRecordingPublisher 创建发布者
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

// WithError 之后的发布全部失败
func (p *RecordingPublisher) WithError(err error) *RecordingPublisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	return p
}

// Publish 记录批次
func (p *RecordingPublisher) Publish(ctx context.Context, batch queue.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return queue.ErrClosed
	}
	if p.err != nil {
		return p.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.batches = append(p.batches, batch)
	return nil
}

// Batches 已发布的批次
func (p *RecordingPublisher) Batches() []queue.Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]queue.Batch, len(p.batches))
	copy(out, p.batches)
	return out
}

// Close 关闭
func (p *RecordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
