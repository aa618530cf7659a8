package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/spanflow/tracing/span"
)

// =============================================================================
// 🗄️ Span 存储（GORM）
// =============================================================================

// SpanRecord spans 表记录。嵌套结构以 JSON 列存储。
type SpanRecord struct {
	ProjectID      uuid.UUID        `gorm:"column:project_id;primaryKey"`
	TraceID        string           `gorm:"column:trace_id;primaryKey;size:32"`
	SpanID         string           `gorm:"column:span_id;primaryKey;size:16"`
	OrganizationID uuid.UUID        `gorm:"column:organization_id;not null;index"`
	ParentID       *string          `gorm:"column:parent_id;size:16"`
	Name           string           `gorm:"column:name;not null"`
	Kind           string           `gorm:"column:kind;size:16;not null"`
	StartTime      time.Time        `gorm:"column:start_time;not null;index"`
	EndTime        time.Time        `gorm:"column:end_time;not null"`
	StatusCode     string           `gorm:"column:status_code;size:8;not null"`
	StatusMessage  string           `gorm:"column:status_message"`
	Attributes     *span.Attributes `gorm:"column:attributes;serializer:json"`
	Resource       *span.Attributes `gorm:"column:resource;serializer:json"`
	Scope          span.Scope       `gorm:"column:scope;serializer:json"`
	Events         []span.Event     `gorm:"column:events;serializer:json"`
	Links          []span.Link      `gorm:"column:links;serializer:json"`
	CreatedAt      time.Time        `gorm:"column:created_at"`
	UpdatedAt      time.Time        `gorm:"column:updated_at"`
}

// TableName 表名
func (SpanRecord) TableName() string { return "spans" }

func newSpanRecord(orgID, projectID uuid.UUID, s span.Span) SpanRecord {
	return SpanRecord{
		ProjectID:      projectID,
		TraceID:        s.TraceID,
		SpanID:         s.SpanID,
		OrganizationID: orgID,
		ParentID:       s.ParentID,
		Name:           s.Name,
		Kind:           s.Kind.String(),
		StartTime:      s.StartTime.UTC(),
		EndTime:        s.EndTime.UTC(),
		StatusCode:     s.StatusCode.String(),
		StatusMessage:  s.StatusMessage,
		Attributes:     s.Attributes,
		Resource:       s.Resource,
		Scope:          s.Scope,
		Events:         s.Events,
		Links:          s.Links,
	}
}

// Span 转回领域对象
func (r SpanRecord) Span() span.Span {
	s := span.Span{
		TraceID:       r.TraceID,
		SpanID:        r.SpanID,
		ParentID:      r.ParentID,
		Name:          r.Name,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		StatusMessage: r.StatusMessage,
		Attributes:    r.Attributes,
		Resource:      r.Resource,
		Scope:         r.Scope,
		Events:        r.Events,
		Links:         r.Links,
	}
	_ = s.Kind.UnmarshalText([]byte(r.Kind))
	_ = s.StatusCode.UnmarshalText([]byte(r.StatusCode))
	return s
}

// upsertColumns 冲突时覆盖的列
var upsertColumns = []string{
	"organization_id", "parent_id", "name", "kind", "start_time", "end_time",
	"status_code", "status_message", "attributes", "resource", "scope", "events", "links", "updated_at",
}

// GormSpanStore 基于 GORM 的 Span 存储，支持 PostgreSQL 与 SQLite
type GormSpanStore struct {
	db        *gorm.DB
	batchSize int
}

// NewGormSpanStore 创建 Span 存储
func NewGormSpanStore(db *gorm.DB) *GormSpanStore {
	return &GormSpanStore{db: db, batchSize: 500}
}

// SaveSpans 单事务批量 upsert
func (s *GormSpanStore) SaveSpans(ctx context.Context, orgID, projectID uuid.UUID, spans []span.Span) error {
	if len(spans) == 0 {
		return nil
	}
	records := make([]SpanRecord, len(spans))
	for i, sp := range spans {
		records[i] = newSpanRecord(orgID, projectID, sp)
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "trace_id"}, {Name: "span_id"}},
			DoUpdates: clause.AssignmentColumns(upsertColumns),
		}).
		CreateInBatches(records, s.batchSize).Error
	if err != nil {
		return fmt.Errorf("failed to save spans: %w", err)
	}
	return nil
}

// GetSpan 读取单个 Span
func (s *GormSpanStore) GetSpan(ctx context.Context, projectID uuid.UUID, traceID, spanID string) (*span.Span, error) {
	var rec SpanRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND trace_id = ? AND span_id = ?", projectID, traceID, spanID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read span: %w", err)
	}
	sp := rec.Span()
	return &sp, nil
}

// ListTrace 按开始时间返回一条 Trace 的全部 Span
func (s *GormSpanStore) ListTrace(ctx context.Context, projectID uuid.UUID, traceID string) ([]span.Span, error) {
	var recs []SpanRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND trace_id = ?", projectID, traceID).
		Order("start_time ASC, span_id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list trace: %w", err)
	}
	out := make([]span.Span, len(recs))
	for i, r := range recs {
		out[i] = r.Span()
	}
	return out, nil
}

// Ping 检查数据库连接
func (s *GormSpanStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 连接由调用方管理
func (s *GormSpanStore) Close(context.Context) error { return nil }
