package otlp

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"strings"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/tracing/span"
)

const (
	traceIDLen = 16
	spanIDLen  = 8

	placeholderNameLen = 8
	placeholderAlpha   = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// ReasonDuplicate 批次内重复的 (trace_id, span_id)
const ReasonDuplicate = "duplicate span id"

// NormalizationError 单个 Span 无法规范化
type NormalizationError struct {
	TraceID string
	SpanID  string
	Reason  string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("otlp: span %s/%s rejected: %s", e.TraceID, e.SpanID, e.Reason)
}

// Result 单个 Span 的规范化结果，Err 非 nil 时 Span 无效
type Result struct {
	Span span.Span
	Err  error
}

// =============================================================================
// 🔧 规范化器
// =============================================================================

// NormalizerOption 规范化器选项
type NormalizerOption func(*Normalizer)

// WithCostEstimator 为缺少成本的 LLM Span 估算成本
func WithCostEstimator(e *CostEstimator) NormalizerOption {
	return func(n *Normalizer) { n.costs = e }
}

// WithNameGenerator 替换占位名称生成函数
func WithNameGenerator(fn func() string) NormalizerOption {
	return func(n *Normalizer) { n.placeholderName = fn }
}

// Normalizer 将 OTLP Span 转换为规范化 Span
type Normalizer struct {
	logger          *zap.Logger
	costs           *CostEstimator
	placeholderName func() string
}

// NewNormalizer 创建规范化器
func NewNormalizer(logger *zap.Logger, opts ...NormalizerOption) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Normalizer{
		logger:          logger.With(zap.String("component", "otlp_normalizer")),
		placeholderName: randomName,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize 规范化单个 Span。now 仅在起止时间都缺失时使用。
func (n *Normalizer) Normalize(raw RawSpan, now time.Time) (span.Span, error) {
	src := raw.Span
	if src == nil {
		return span.Span{}, &NormalizationError{Reason: "nil span"}
	}

	traceID, spanID := hex.EncodeToString(src.GetTraceId()), hex.EncodeToString(src.GetSpanId())
	reject := func(reason string) (span.Span, error) {
		return span.Span{}, &NormalizationError{TraceID: traceID, SpanID: spanID, Reason: reason}
	}

	if !validID(src.GetTraceId(), traceIDLen) {
		return reject("invalid trace_id")
	}
	if !validID(src.GetSpanId(), spanIDLen) {
		return reject("invalid span_id")
	}

	out := span.Span{
		TraceID:       traceID,
		SpanID:        spanID,
		Name:          src.GetName(),
		Kind:          convertKind(src.GetKind()),
		StatusCode:    convertStatus(src.GetStatus().GetCode()),
		StatusMessage: src.GetStatus().GetMessage(),
		Attributes:    unflatten(src.GetAttributes()),
		Resource:      convertKeyValues(raw.Resource.GetAttributes()),
		Scope: span.Scope{
			Name:    raw.Scope.GetName(),
			Version: raw.Scope.GetVersion(),
		},
	}

	if parent := src.GetParentSpanId(); len(parent) > 0 && !allZero(parent) {
		if len(parent) != spanIDLen {
			return reject("invalid parent_span_id")
		}
		p := hex.EncodeToString(parent)
		out.ParentID = &p
	}

	if out.Name == "" {
		out.Name = n.placeholderName()
	}

	out.StartTime, out.EndTime = resolveTimes(src.GetStartTimeUnixNano(), src.GetEndTimeUnixNano(), now)

	for _, ev := range src.GetEvents() {
		ts := out.StartTime
		if ev.GetTimeUnixNano() != 0 {
			ts = unixNano(ev.GetTimeUnixNano())
		}
		out.Events = append(out.Events, span.Event{
			Timestamp:  ts,
			Name:       ev.GetName(),
			Attributes: convertKeyValues(ev.GetAttributes()),
		})
	}

	for _, l := range src.GetLinks() {
		if !validID(l.GetTraceId(), traceIDLen) || !validID(l.GetSpanId(), spanIDLen) {
			n.logger.Debug("skipping malformed link",
				zap.String("trace_id", traceID),
				zap.String("span_id", spanID),
			)
			continue
		}
		out.Links = append(out.Links, span.Link{
			TraceID:    hex.EncodeToString(l.GetTraceId()),
			SpanID:     hex.EncodeToString(l.GetSpanId()),
			Attributes: convertKeyValues(l.GetAttributes()),
		})
	}

	n.costs.Apply(&out)
	return out, nil
}

// Results 逐个规范化批次中的 Span，所有 Span 共享同一个 now
func (n *Normalizer) Results(batch *Batch, now time.Time) iter.Seq[Result] {
	return func(yield func(Result) bool) {
		for raw := range batch.All() {
			s, err := n.Normalize(raw, now)
			if !yield(Result{Span: s, Err: err}) {
				return
			}
		}
	}
}

// NormalizeBatch 返回规范化成功的 Span 和被丢弃的数量，丢弃的 Span 逐个记录警告日志。
// 同一批次内 (trace_id, span_id) 重复时保留第一次出现的 Span。
func (n *Normalizer) NormalizeBatch(batch *Batch, now time.Time) ([]span.Span, int) {
	spans := make([]span.Span, 0, batch.Len())
	seen := make(map[string]struct{}, batch.Len())
	dropped := 0
	for res := range n.Results(batch, now) {
		if res.Err == nil {
			key := res.Span.Key()
			if _, dup := seen[key]; dup {
				res.Err = &NormalizationError{TraceID: res.Span.TraceID, SpanID: res.Span.SpanID, Reason: ReasonDuplicate}
			} else {
				seen[key] = struct{}{}
			}
		}
		if res.Err != nil {
			dropped++
			fields := []zap.Field{zap.Error(res.Err)}
			var ne *NormalizationError
			if errors.As(res.Err, &ne) {
				fields = append(fields, zap.String("trace_id", ne.TraceID), zap.String("span_id", ne.SpanID))
			}
			n.logger.Warn("dropping span that failed normalization", fields...)
			continue
		}
		spans = append(spans, res.Span)
	}
	return spans, dropped
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// resolveTimes 只有一端时两端相同，都缺失时取 now
func resolveTimes(start, end uint64, now time.Time) (time.Time, time.Time) {
	switch {
	case start == 0 && end == 0:
		return now, now
	case start == 0:
		t := unixNano(end)
		return t, t
	case end == 0:
		t := unixNano(start)
		return t, t
	default:
		return unixNano(start), unixNano(end)
	}
}

func unixNano(ns uint64) time.Time {
	return time.Unix(0, int64(ns)).UTC()
}

func validID(id []byte, size int) bool {
	return len(id) == size && !allZero(id)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func randomName() string {
	b := make([]byte, placeholderNameLen)
	for i := range b {
		b[i] = placeholderAlpha[rand.IntN(len(placeholderAlpha))]
	}
	return string(b)
}

func convertKind(k tracepb.Span_SpanKind) span.Kind {
	switch k {
	case tracepb.Span_SPAN_KIND_INTERNAL:
		return span.KindInternal
	case tracepb.Span_SPAN_KIND_SERVER:
		return span.KindServer
	case tracepb.Span_SPAN_KIND_CLIENT:
		return span.KindClient
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return span.KindProducer
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return span.KindConsumer
	default:
		return span.KindUnspecified
	}
}

func convertStatus(c tracepb.Status_StatusCode) span.StatusCode {
	switch c {
	case tracepb.Status_STATUS_CODE_OK:
		return span.StatusOK
	case tracepb.Status_STATUS_CODE_ERROR:
		return span.StatusError
	default:
		return span.StatusUnset
	}
}

// unflatten 将点分键展开为嵌套对象；与已有标量冲突时保留原始键
func unflatten(kvs []*commonpb.KeyValue) *span.Attributes {
	attrs := span.NewAttributes()
	for _, kv := range kvs {
		key := kv.GetKey()
		if key == "" {
			continue
		}
		v := convertAnyValue(kv.GetValue())
		if !strings.Contains(key, ".") || !attrs.SetPath(key, v) {
			attrs.Set(key, v)
		}
	}
	return attrs
}

func convertKeyValues(kvs []*commonpb.KeyValue) *span.Attributes {
	if len(kvs) == 0 {
		return nil
	}
	attrs := span.NewAttributes()
	for _, kv := range kvs {
		attrs.Set(kv.GetKey(), convertAnyValue(kv.GetValue()))
	}
	return attrs
}

func convertAnyValue(v *commonpb.AnyValue) span.Value {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return span.String(val.StringValue)
	case *commonpb.AnyValue_BoolValue:
		return span.Bool(val.BoolValue)
	case *commonpb.AnyValue_IntValue:
		return span.Int(val.IntValue)
	case *commonpb.AnyValue_DoubleValue:
		return span.Float(val.DoubleValue)
	case *commonpb.AnyValue_BytesValue:
		return span.String(base64.StdEncoding.EncodeToString(val.BytesValue))
	case *commonpb.AnyValue_ArrayValue:
		items := make([]span.Value, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			items = append(items, convertAnyValue(item))
		}
		return span.Array(items...)
	case *commonpb.AnyValue_KvlistValue:
		return span.Map(convertKeyValues(val.KvlistValue.GetValues()))
	default:
		return span.Null()
	}
}
