package span

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// 🧩 枚举
// =============================================================================

// Kind Span 类型
type Kind uint8

const (
	KindUnspecified Kind = iota
	KindInternal
	KindServer
	KindClient
	KindProducer
	KindConsumer
)

var kindNames = map[Kind]string{
	KindUnspecified: "UNSPECIFIED",
	KindInternal:    "INTERNAL",
	KindServer:      "SERVER",
	KindClient:      "CLIENT",
	KindProducer:    "PRODUCER",
	KindConsumer:    "CONSUMER",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnspecified]
}

// MarshalText 实现 encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText 实现 encoding.TextUnmarshaler，未知值映射为 UNSPECIFIED
func (k *Kind) UnmarshalText(text []byte) error {
	name := strings.ToUpper(string(text))
	for kind, n := range kindNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	*k = KindUnspecified
	return nil
}

// StatusCode Span 状态
type StatusCode uint8

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return "UNSET"
	}
}

// MarshalText 实现 encoding.TextMarshaler
func (c StatusCode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText 实现 encoding.TextUnmarshaler
func (c *StatusCode) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "OK":
		*c = StatusOK
	case "ERROR":
		*c = StatusError
	default:
		*c = StatusUnset
	}
	return nil
}

// =============================================================================
// 📦 Span
// =============================================================================

// Scope 埋点库信息
type Scope struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Event Span 事件
type Event struct {
	Timestamp  time.Time   `json:"timestamp"`
	Name       string      `json:"name"`
	Attributes *Attributes `json:"attributes,omitempty"`
}

// Link 指向其他 Span 的链接
type Link struct {
	TraceID    string      `json:"trace_id"`
	SpanID     string      `json:"span_id"`
	Attributes *Attributes `json:"attributes,omitempty"`
}

// Span 规范化后的 Span。
// TraceID 为 32 位小写十六进制，SpanID 为 16 位；ParentID 为 nil 表示根 Span。
type Span struct {
	TraceID       string      `json:"trace_id"`
	SpanID        string      `json:"span_id"`
	ParentID      *string     `json:"parent_id,omitempty"`
	Name          string      `json:"name"`
	Kind          Kind        `json:"kind"`
	StartTime     time.Time   `json:"start_time"`
	EndTime       time.Time   `json:"end_time"`
	StatusCode    StatusCode  `json:"status_code"`
	StatusMessage string      `json:"status_message,omitempty"`
	Attributes    *Attributes `json:"attributes,omitempty"`
	Resource      *Attributes `json:"resource,omitempty"`
	Scope         Scope       `json:"scope"`
	Events        []Event     `json:"events,omitempty"`
	Links         []Link      `json:"links,omitempty"`
}

// IsRoot 是否为根 Span
func (s Span) IsRoot() bool { return s.ParentID == nil }

// Key 返回 trace_id:span_id
func (s Span) Key() string { return s.TraceID + ":" + s.SpanID }

// Duration 返回持续时间
func (s Span) Duration() time.Duration { return s.EndTime.Sub(s.StartTime) }

// Clone 深拷贝，属性修改不会影响原 Span
func (s Span) Clone() Span {
	out := s
	if s.ParentID != nil {
		p := *s.ParentID
		out.ParentID = &p
	}
	out.Attributes = s.Attributes.Clone()
	out.Resource = s.Resource.Clone()
	if s.Events != nil {
		out.Events = make([]Event, len(s.Events))
		for i, e := range s.Events {
			e.Attributes = e.Attributes.Clone()
			out.Events[i] = e
		}
	}
	if s.Links != nil {
		out.Links = make([]Link, len(s.Links))
		for i, l := range s.Links {
			l.Attributes = l.Attributes.Clone()
			out.Links[i] = l
		}
	}
	return out
}

// String 便于日志输出
func (s Span) String() string {
	return fmt.Sprintf("span{trace=%s span=%s name=%q}", s.TraceID, s.SpanID, s.Name)
}

// CountRoots 统计根 Span 数量
func CountRoots(spans []Span) int {
	n := 0
	for _, s := range spans {
		if s.IsRoot() {
			n++
		}
	}
	return n
}
