package rollup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/BaSui01/spanflow/tracing/span"
)

const testTrace = "4bf92f3577b34da6a3ce929d0e0e4736"

func newSpan(id string, parent string) span.Span {
	s := span.Span{TraceID: testTrace, SpanID: id, Name: id, Attributes: span.NewAttributes()}
	if parent != "" {
		p := parent
		s.ParentID = &p
	}
	return s
}

func withCost(s span.Span, cost float64) span.Span {
	s.Attributes.SetPath(span.AttrCostMarginal, span.Float(cost))
	return s
}

func withPrompt(s span.Span, tokens int64) span.Span {
	s.Attributes.SetPath(span.AttrTokensPrompt, span.Int(tokens))
	return s
}

func byID(spans []span.Span) map[string]span.Span {
	out := make(map[string]span.Span, len(spans))
	for _, s := range spans {
		out[s.SpanID] = s
	}
	return out
}

func TestPropagate_ThreeLevels(t *testing.T) {
	spans := []span.Span{
		withPrompt(newSpan("root", ""), 5),
		newSpan("child", "root"),
		withPrompt(newSpan("grandchild", "child"), 10),
	}

	out := byID(NewPropagator(zap.NewNop()).Propagate(spans))

	assert.Equal(t, int64(10), out["grandchild"].CumulativeMetrics().PromptTokens)
	assert.Equal(t, int64(10), out["child"].CumulativeMetrics().PromptTokens)
	assert.Equal(t, int64(15), out["root"].CumulativeMetrics().PromptTokens)

	// 输入不被修改
	_, ok := spans[0].Attributes.Path(span.AttrTokensCumulativePrompt)
	assert.False(t, ok)
}

func TestPropagate_ChildrenBeforeParentsRegardlessOfOrder(t *testing.T) {
	spans := []span.Span{
		withCost(newSpan("leaf", "mid"), 0.001),
		withCost(newSpan("mid", "top"), 0.002),
		withCost(newSpan("top", ""), 0.004),
	}

	out := byID(NewPropagator(zap.NewNop()).Propagate(spans))
	assert.InDelta(t, 0.007, out["top"].CumulativeMetrics().Cost, 1e-12)
	assert.InDelta(t, 0.003, out["mid"].CumulativeMetrics().Cost, 1e-12)
}

func TestPropagate_ParentOutsideBatchIsLocalRoot(t *testing.T) {
	spans := []span.Span{
		withCost(newSpan("a", "missing"), 1),
		withCost(newSpan("b", "a"), 2),
	}

	out := byID(NewPropagator(zap.NewNop()).Propagate(spans))
	assert.Equal(t, 3.0, out["a"].CumulativeMetrics().Cost)
	assert.NotNil(t, out["a"].ParentID)
}

func TestPropagate_CycleTerminates(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	spans := []span.Span{
		withCost(newSpan("x", "y"), 1),
		withCost(newSpan("y", "x"), 1),
		withCost(newSpan("r", ""), 1),
	}

	out := byID(NewPropagator(zap.New(core)).Propagate(spans))

	assert.Equal(t, 1.0, out["r"].CumulativeMetrics().Cost)
	assert.Equal(t, 0.0, out["x"].CumulativeMetrics().Cost)
	assert.Equal(t, 0.0, out["y"].CumulativeMetrics().Cost)
	assert.Equal(t, 1, logs.FilterMessageSnippet("cycle").Len())
}

func TestPropagate_MissingMetricsAreZero(t *testing.T) {
	spans := []span.Span{newSpan("root", ""), newSpan("child", "root")}
	out := NewPropagator(zap.NewNop()).Propagate(spans)

	require.Len(t, out, 2)
	for _, s := range out {
		_, ok := s.Attributes.Path("metrics")
		assert.False(t, ok)
	}
}

func TestPropagate_DuplicateIDsKeepFirst(t *testing.T) {
	spans := []span.Span{
		withCost(newSpan("p", ""), 1),
		withCost(newSpan("c", "p"), 2),
		withCost(newSpan("c", "p"), 100),
	}
	out := NewPropagator(zap.NewNop()).Propagate(spans)

	require.Len(t, out, 3)
	assert.Equal(t, 3.0, out[0].CumulativeMetrics().Cost)
}

func TestPropagate_NilAttributes(t *testing.T) {
	spans := []span.Span{newSpan("root", ""), withCost(newSpan("child", "root"), 2)}
	spans[0].Attributes = nil

	out := NewPropagator(zap.NewNop()).Propagate(spans)
	require.Len(t, out, 2)
	assert.Equal(t, 2.0, out[0].CumulativeMetrics().Cost)
}

// 性质：任一森林中，所有根的 cumulative 之和等于全部 Span 自身成本之和
func TestPropagate_RootsSumToTotal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(rt, "n")
		spans := make([]span.Span, n)
		var total int64

		for i := 0; i < n; i++ {
			parent := ""
			if i > 0 && rapid.Bool().Draw(rt, fmt.Sprintf("has_parent_%d", i)) {
				parent = fmt.Sprintf("%016x", rapid.IntRange(0, i-1).Draw(rt, fmt.Sprintf("parent_%d", i)))
			}
			tokens := rapid.Int64Range(0, 1000).Draw(rt, fmt.Sprintf("tokens_%d", i))
			total += tokens
			spans[i] = withPrompt(newSpan(fmt.Sprintf("%016x", i), parent), tokens)
		}

		perm := rapid.Permutation(spans).Draw(rt, "order")
		out := NewPropagator(zap.NewNop()).Propagate(perm)

		var rootSum int64
		for _, s := range out {
			cum := s.CumulativeMetrics().PromptTokens
			if cum < s.OwnMetrics().PromptTokens {
				rt.Fatalf("span %s cumulative %d below own %d", s.SpanID, cum, s.OwnMetrics().PromptTokens)
			}
			if s.IsRoot() {
				rootSum += cum
			}
		}
		if rootSum != total {
			rt.Fatalf("roots sum to %d, want %d", rootSum, total)
		}
	})
}
