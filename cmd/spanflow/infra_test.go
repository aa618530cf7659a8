package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/BaSui01/spanflow/config"
	"github.com/BaSui01/spanflow/testutil/fixtures"
	"github.com/BaSui01/spanflow/tracing/otlp"
	"github.com/BaSui01/spanflow/tracing/span"
)

func withModel(model string, prompt int64) fixtures.SpanOption {
	return func(s *tracepb.Span) {
		s.Attributes = append(s.Attributes,
			&commonpb.KeyValue{Key: span.AttrRequestModel, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: model}}},
			&commonpb.KeyValue{Key: span.AttrTokensPrompt, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: prompt}}},
		)
	}
}

func TestNewNormalizer_UsesConfiguredPrices(t *testing.T) {
	cfg := config.DefaultIngestConfig()
	cfg.Prices = []otlp.ModelPrice{{Model: "in-house-llm", PriceInput: 2}}

	out, err := newNormalizer(cfg, zap.NewNop()).Normalize(
		otlp.RawSpan{Span: fixtures.Span(fixtures.RootSpanID, withModel("in-house-llm", 500))}, time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, out.OwnMetrics().Cost, 1e-12)

	// 内置价格仍然可用
	out, err = newNormalizer(cfg, zap.NewNop()).Normalize(
		otlp.RawSpan{Span: fixtures.Span(fixtures.RootSpanID, withModel("gpt-4o", 1000))}, time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 0.0025, out.OwnMetrics().Cost, 1e-12)
}

func TestNewNormalizer_EstimationDisabled(t *testing.T) {
	cfg := config.DefaultIngestConfig()
	cfg.EstimateCosts = false

	out, err := newNormalizer(cfg, zap.NewNop()).Normalize(
		otlp.RawSpan{Span: fixtures.Span(fixtures.RootSpanID, withModel("gpt-4o", 1000))}, time.Now())
	require.NoError(t, err)
	assert.Zero(t, out.OwnMetrics().Cost)
}
