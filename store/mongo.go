package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/tracing/span"
)

// =============================================================================
// 🍃 Span 存储（MongoDB）
// =============================================================================

// MongoConfig MongoDB 连接配置
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// spanDocument 文档结构。attributes 以原生文档存储便于查询，payload 保存完整 Span 用于无损读回。
type spanDocument struct {
	ID             string         `bson:"_id"`
	ProjectID      string         `bson:"project_id"`
	OrganizationID string         `bson:"organization_id"`
	TraceID        string         `bson:"trace_id"`
	SpanID         string         `bson:"span_id"`
	ParentID       *string        `bson:"parent_id,omitempty"`
	Name           string         `bson:"name"`
	Kind           string         `bson:"kind"`
	StatusCode     string         `bson:"status_code"`
	StartTime      time.Time      `bson:"start_time"`
	EndTime        time.Time      `bson:"end_time"`
	Attributes     map[string]any `bson:"attributes,omitempty"`
	Payload        string         `bson:"payload"`
	UpdatedAt      time.Time      `bson:"updated_at"`
}

func documentID(projectID uuid.UUID, traceID, spanID string) string {
	return projectID.String() + ":" + traceID + ":" + spanID
}

func newSpanDocument(orgID, projectID uuid.UUID, s span.Span, now time.Time) (spanDocument, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return spanDocument{}, fmt.Errorf("marshal span %s: %w", s.Key(), err)
	}
	doc := spanDocument{
		ID:             documentID(projectID, s.TraceID, s.SpanID),
		ProjectID:      projectID.String(),
		OrganizationID: orgID.String(),
		TraceID:        s.TraceID,
		SpanID:         s.SpanID,
		ParentID:       s.ParentID,
		Name:           s.Name,
		Kind:           s.Kind.String(),
		StatusCode:     s.StatusCode.String(),
		StartTime:      s.StartTime.UTC(),
		EndTime:        s.EndTime.UTC(),
		Payload:        string(payload),
		UpdatedAt:      now,
	}
	if s.Attributes.Len() > 0 {
		doc.Attributes = make(map[string]any, s.Attributes.Len())
		for k, v := range s.Attributes.All() {
			doc.Attributes[k] = v.Interface()
		}
	}
	return doc, nil
}

func (d spanDocument) span() (span.Span, error) {
	var s span.Span
	if err := json.Unmarshal([]byte(d.Payload), &s); err != nil {
		return span.Span{}, fmt.Errorf("decode span %s: %w", d.ID, err)
	}
	return s, nil
}

// MongoSpanStore 基于 MongoDB 的 Span 存储
type MongoSpanStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
	logger     *zap.Logger
}

// NewMongoSpanStore 连接 MongoDB 并创建存储
func NewMongoSpanStore(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoSpanStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	opt := options.Client().
		SetConnectTimeout(cfg.Timeout).
		SetServerSelectionTimeout(cfg.Timeout).
		ApplyURI(cfg.URI)

	client, err := mongo.Connect(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create mongodb client: %w", err)
	}

	s := &MongoSpanStore{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		timeout:    cfg.Timeout,
		logger:     logger.With(zap.String("component", "mongo_span_store")),
	}
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// EnsureIndexes 创建查询索引
func (s *MongoSpanStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "project_id", Value: 1}, {Key: "trace_id", Value: 1}, {Key: "start_time", Value: 1}}},
		{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "start_time", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create span indexes: %w", err)
	}
	return nil
}

// SaveSpans 以 ReplaceOne upsert 批量写入，重复投递覆盖同一文档
func (s *MongoSpanStore) SaveSpans(ctx context.Context, orgID, projectID uuid.UUID, spans []span.Span) error {
	if len(spans) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(spans))
	for _, sp := range spans {
		doc, err := newSpanDocument(orgID, projectID, sp, now)
		if err != nil {
			return err
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("failed to save spans: %w", err)
	}
	s.logger.Debug("spans saved",
		zap.Int64("upserted", res.UpsertedCount),
		zap.Int64("modified", res.ModifiedCount))
	return nil
}

// GetSpan 读取单个 Span
func (s *MongoSpanStore) GetSpan(ctx context.Context, projectID uuid.UUID, traceID, spanID string) (*span.Span, error) {
	var doc spanDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": documentID(projectID, traceID, spanID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read span: %w", err)
	}
	sp, err := doc.span()
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

// ListTrace 按开始时间返回一条 Trace 的全部 Span
func (s *MongoSpanStore) ListTrace(ctx context.Context, projectID uuid.UUID, traceID string) ([]span.Span, error) {
	filter := bson.M{"project_id": projectID.String(), "trace_id": traceID}
	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: 1}, {Key: "span_id", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace: %w", err)
	}
	var docs []spanDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to list trace: %w", err)
	}

	out := make([]span.Span, 0, len(docs))
	for _, d := range docs {
		sp, err := d.span()
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, nil
}

// Ping 检查连接
func (s *MongoSpanStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongodb ping failed: %w", err)
	}
	return nil
}

// Close 断开连接
func (s *MongoSpanStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
