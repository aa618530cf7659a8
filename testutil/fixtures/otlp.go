// Package fixtures 提供 OTLP 请求的测试数据构造。
package fixtures

import (
	"encoding/hex"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

// 固定的测试 ID
const (
	TraceID     = "4bf92f3577b34da6a3ce929d0e0e4736"
	RootSpanID  = "00f067aa0ba902b7"
	ChildSpanID = "00f067aa0ba902b8"
)

// SpanOption 修改测试 Span
type SpanOption func(*tracepb.Span)

// WithParent 设置父 Span
func WithParent(spanID string) SpanOption {
	return func(s *tracepb.Span) { s.ParentSpanId = mustHex(spanID) }
}

// WithCost 设置 metrics.costs.marginal
func WithCost(cost float64) SpanOption {
	return func(s *tracepb.Span) {
		s.Attributes = append(s.Attributes, &commonpb.KeyValue{
			Key:   "metrics.costs.marginal",
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: cost}},
		})
	}
}

// WithPromptTokens 设置 metrics.tokens.prompt
func WithPromptTokens(n int64) SpanOption {
	return func(s *tracepb.Span) {
		s.Attributes = append(s.Attributes, &commonpb.KeyValue{
			Key:   "metrics.tokens.prompt",
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: n}},
		})
	}
}

// WithoutTraceID 清空 trace_id，使规范化失败
func WithoutTraceID() SpanOption {
	return func(s *tracepb.Span) { s.TraceId = nil }
}

// Span 构造一个有效的 OTLP Span
func Span(spanID string, opts ...SpanOption) *tracepb.Span {
	s := &tracepb.Span{
		TraceId:           mustHex(TraceID),
		SpanId:            mustHex(spanID),
		Name:              "op-" + spanID,
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: 1_700_000_000_000_000_000,
		EndTimeUnixNano:   1_700_000_001_000_000_000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request 把 Span 包进单个 ResourceSpans/ScopeSpans
func Request(spans ...*tracepb.Span) *coltracepb.ExportTraceServiceRequest {
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
				Key:   "service.name",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "checkout"}},
			}}},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: "fixtures", Version: "1.0.0"},
				Spans: spans,
			}},
		}},
	}
}

// Payload 序列化请求
func Payload(spans ...*tracepb.Span) []byte {
	data, err := proto.Marshal(Request(spans...))
	if err != nil {
		panic(err)
	}
	return data
}

// RootAndChildRequest 根 Span 成本 0.002，子 Span 成本 0.001
func RootAndChildRequest() *coltracepb.ExportTraceServiceRequest {
	return Request(
		Span(RootSpanID, WithCost(0.002)),
		Span(ChildSpanID, WithParent(RootSpanID), WithCost(0.001)),
	)
}

// RootAndChild 序列化的 RootAndChildRequest
func RootAndChild() []byte {
	data, err := proto.Marshal(RootAndChildRequest())
	if err != nil {
		panic(err)
	}
	return data
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
