package span

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
)

// Attributes 保持插入顺序的 string -> Value 映射。
// nil *Attributes 可安全读取，视为空映射。
type Attributes struct {
	keys   []string
	values map[string]Value
}

// NewAttributes 创建空属性集
func NewAttributes() *Attributes {
	return &Attributes{values: make(map[string]Value)}
}

// Len 返回键数量
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Get 读取顶层键
func (a *Attributes) Get(key string) (Value, bool) {
	if a == nil {
		return Value{}, false
	}
	v, ok := a.values[key]
	return v, ok
}

// Set 写入顶层键；已存在的键保持原有位置
func (a *Attributes) Set(key string, v Value) {
	if a.values == nil {
		a.values = make(map[string]Value)
	}
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = v
}

// Delete 删除顶层键
func (a *Attributes) Delete(key string) {
	if a == nil {
		return
	}
	if _, ok := a.values[key]; !ok {
		return
	}
	delete(a.values, key)
	for i, k := range a.keys {
		if k == key {
			a.keys = append(a.keys[:i], a.keys[i+1:]...)
			break
		}
	}
}

// Keys 返回键的有序副本
func (a *Attributes) Keys() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// All 按插入顺序遍历
func (a *Attributes) All() iter.Seq2[string, Value] {
	return func(yield func(string, Value) bool) {
		if a == nil {
			return
		}
		for _, k := range a.keys {
			if !yield(k, a.values[k]) {
				return
			}
		}
	}
}

// Clone 深拷贝
func (a *Attributes) Clone() *Attributes {
	if a == nil {
		return nil
	}
	out := &Attributes{
		keys:   make([]string, len(a.keys)),
		values: make(map[string]Value, len(a.values)),
	}
	copy(out.keys, a.keys)
	for k, v := range a.values {
		out.values[k] = v.Clone()
	}
	return out
}

// Equal 比较内容，忽略键顺序
func (a *Attributes) Equal(o *Attributes) bool {
	if a.Len() != o.Len() {
		return false
	}
	for k, v := range a.All() {
		ov, ok := o.Get(k)
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Path 按点分路径读取嵌套值，例如 "metrics.costs.marginal"
func (a *Attributes) Path(path string) (Value, bool) {
	cur := a
	parts := strings.Split(path, ".")
	for i, part := range parts {
		v, ok := cur.Get(part)
		if !ok {
			return Value{}, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.AsMap()
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return Value{}, false
}

// Number 读取路径上的数值，缺失或非数值返回 0
func (a *Attributes) Number(path string) float64 {
	v, ok := a.Path(path)
	if !ok {
		return 0
	}
	n, _ := v.Number()
	return n
}

// SetPath 按点分路径写入，必要时创建中间对象。
// 中间节点已存在且不是对象时不覆盖，返回 false。
func (a *Attributes) SetPath(path string, v Value) bool {
	parts := strings.Split(path, ".")
	cur := a
	for _, part := range parts[:len(parts)-1] {
		existing, ok := cur.Get(part)
		if !ok {
			next := NewAttributes()
			cur.Set(part, Map(next))
			cur = next
			continue
		}
		next, isMap := existing.AsMap()
		if !isMap {
			return false
		}
		cur = next
	}
	cur.Set(parts[len(parts)-1], v)
	return true
}

// MarshalJSON 按插入顺序输出对象
func (a *Attributes) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := a.values[k].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON 解析对象并保留键顺序
func (a *Attributes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = Attributes{values: make(map[string]Value)}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("span: attributes must be a json object")
	}
	out, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*a = *out
	return nil
}
