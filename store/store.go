package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/BaSui01/spanflow/tracing/span"
)

// ErrNotFound Span 不存在
var ErrNotFound = errors.New("store: span not found")

// SpanStore 持久化规范化后的 Span。
// SaveSpans 以 (project_id, trace_id, span_id) 幂等，重复写入覆盖旧值。
type SpanStore interface {
	SaveSpans(ctx context.Context, orgID, projectID uuid.UUID, spans []span.Span) error
	GetSpan(ctx context.Context, projectID uuid.UUID, traceID, spanID string) (*span.Span, error)
	ListTrace(ctx context.Context, projectID uuid.UUID, traceID string) ([]span.Span, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
