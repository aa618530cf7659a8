package rollup

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/tracing/span"
)

const (
	unvisited = iota
	visiting
	done
)

// Propagator 在批次内把子 Span 的成本与 token 汇总到父 Span
type Propagator struct {
	logger *zap.Logger
}

// NewPropagator 创建汇总器
func NewPropagator(logger *zap.Logger) *Propagator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{logger: logger.With(zap.String("component", "rollup"))}
}

// Propagate 返回写入了 cumulative 指标的 Span 副本，输入不被修改。
// 父 Span 不在批次内的 Span 视为局部根；只能通过环到达的 Span 不做汇总。
// 汇总失败时记录错误并原样返回输入。
func (p *Propagator) Propagate(spans []span.Span) (out []span.Span) {
	if len(spans) == 0 {
		return spans
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("metrics propagation failed, forwarding spans unchanged",
				zap.String("panic", fmt.Sprint(r)),
				zap.Int("spans", len(spans)),
			)
			out = spans
		}
	}()

	t := buildTree(spans, p.logger)

	out = make([]span.Span, len(spans))
	for i := range spans {
		out[i] = spans[i].Clone()
	}

	cum := make([]span.Metrics, len(spans))
	state := make([]uint8, len(spans))

	for _, root := range t.roots {
		p.walk(root, t, out, cum, state)
	}

	stranded := 0
	for i := range out {
		if t.duplicate[i] {
			continue
		}
		if state[i] != done {
			stranded++
			continue
		}
		out[i].SetCumulativeMetrics(cum[i])
	}
	if stranded > 0 {
		p.logger.Warn("parent cycle detected, spans left without cumulative metrics",
			zap.Int("spans", stranded),
		)
	}

	return out
}

// walk 迭代式后序遍历，子节点先于父节点完成
func (p *Propagator) walk(root int, t *tree, spans []span.Span, cum []span.Metrics, state []uint8) {
	type frame struct {
		node int
		next int
	}

	stack := []frame{{node: root}}
	state[root] = visiting
	cum[root] = spans[root].OwnMetrics()

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		children := t.children[top.node]

		if top.next < len(children) {
			child := children[top.next]
			top.next++

			switch state[child] {
			case unvisited:
				state[child] = visiting
				cum[child] = spans[child].OwnMetrics()
				stack = append(stack, frame{node: child})
			case visiting:
				p.logger.Warn("parent cycle detected",
					zap.String("trace_id", spans[child].TraceID),
					zap.String("span_id", spans[child].SpanID),
				)
			}
			continue
		}

		state[top.node] = done
		finished := top.node
		stack = stack[:len(stack)-1]
		if len(stack) > 0 {
			parent := stack[len(stack)-1].node
			cum[parent] = cum[parent].Add(cum[finished])
		}
	}
}
