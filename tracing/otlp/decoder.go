package otlp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

// DefaultMaxBatchBytes 默认单批次上限（4 MiB）
const DefaultMaxBatchBytes int64 = 4 << 20

// ErrBatchTooLarge 载荷超过批次上限
var ErrBatchTooLarge = errors.New("otlp: batch exceeds size limit")

// DecodeError 载荷不是合法的 ExportTraceServiceRequest
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("otlp: invalid protobuf payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RawSpan 解码后尚未规范化的 Span 记录，附带所属 resource 与 scope
type RawSpan struct {
	Span     *tracepb.Span
	Resource *resourcepb.Resource
	Scope    *commonpb.InstrumentationScope
}

// =============================================================================
// 📥 解码器
// =============================================================================

// Decoder OTLP/HTTP protobuf 解码器，无副作用，可并发使用
type Decoder struct {
	maxBytes int64
}

// NewDecoder 创建解码器，maxBytes <= 0 时使用默认上限
func NewDecoder(maxBytes int64) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBatchBytes
	}
	return &Decoder{maxBytes: maxBytes}
}

// MaxBytes 返回批次上限
func (d *Decoder) MaxBytes() int64 { return d.maxBytes }

// Decode 解析载荷。超过上限时直接返回 ErrBatchTooLarge，不做任何解析。
func (d *Decoder) Decode(payload []byte) (*Batch, error) {
	if int64(len(payload)) > d.maxBytes {
		return nil, ErrBatchTooLarge
	}

	req := &coltracepb.ExportTraceServiceRequest{}
	if err := proto.Unmarshal(payload, req); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &Batch{req: req}, nil
}

// Inflate 按 Content-Encoding 解压请求体，解压后的大小同样受上限约束
func (d *Decoder) Inflate(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		defer zr.Close()

		out, err := io.ReadAll(io.LimitReader(zr, d.maxBytes+1))
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		if int64(len(out)) > d.maxBytes {
			return nil, ErrBatchTooLarge
		}
		return out, nil
	default:
		return nil, &DecodeError{Err: fmt.Errorf("unsupported content encoding %q", encoding)}
	}
}

// =============================================================================
// 📦 批次
// =============================================================================

// Batch 解码后的批次。All 返回的序列只能消费一次。
type Batch struct {
	req      *coltracepb.ExportTraceServiceRequest
	consumed atomic.Bool
}

// NewBatch 包装已解析的请求（gRPC 接收端使用）
func NewBatch(req *coltracepb.ExportTraceServiceRequest) *Batch {
	if req == nil {
		req = &coltracepb.ExportTraceServiceRequest{}
	}
	return &Batch{req: req}
}

// Len 返回批次中的 Span 总数
func (b *Batch) Len() int {
	n := 0
	for _, rs := range b.req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			n += len(ss.GetSpans())
		}
	}
	return n
}

// All 按载荷顺序惰性产出 Span；再次调用返回空序列
func (b *Batch) All() iter.Seq[RawSpan] {
	return func(yield func(RawSpan) bool) {
		if !b.consumed.CompareAndSwap(false, true) {
			return
		}
		for _, rs := range b.req.GetResourceSpans() {
			for _, ss := range rs.GetScopeSpans() {
				for _, s := range ss.GetSpans() {
					if s == nil {
						continue
					}
					if !yield(RawSpan{Span: s, Resource: rs.GetResource(), Scope: ss.GetScope()}) {
						return
					}
				}
			}
		}
	}
}
