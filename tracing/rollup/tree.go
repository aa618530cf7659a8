package rollup

import (
	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/tracing/span"
)

// tree 单个批次内的父子索引，仅在一次汇总中使用
type tree struct {
	// trace_id:span_id -> 下标，重复 ID 以首次出现为准
	index     map[string]int
	children  map[int][]int
	roots     []int
	duplicate []bool
}

func buildTree(spans []span.Span, logger *zap.Logger) *tree {
	t := &tree{
		index:     make(map[string]int, len(spans)),
		children:  make(map[int][]int),
		duplicate: make([]bool, len(spans)),
	}

	for i, s := range spans {
		key := s.Key()
		if _, exists := t.index[key]; exists {
			t.duplicate[i] = true
			logger.Warn("duplicate span id in batch, keeping first occurrence",
				zap.String("trace_id", s.TraceID),
				zap.String("span_id", s.SpanID),
			)
			continue
		}
		t.index[key] = i
	}

	for i, s := range spans {
		if t.duplicate[i] {
			continue
		}
		if s.ParentID == nil {
			t.roots = append(t.roots, i)
			continue
		}
		parent, ok := t.index[s.TraceID+":"+*s.ParentID]
		if !ok || parent == i {
			// 父 Span 不在本批次（或指向自身）时作为局部根
			t.roots = append(t.roots, i)
			continue
		}
		t.children[parent] = append(t.children[parent], i)
	}

	return t
}
