package span

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueType 属性值类型
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeArray
	TypeMap
)

// String 返回类型名称
func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	case TypeMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value 递归的 JSON 值（null | bool | int | float | string | array | map）。
// 零值表示 null。
type Value struct {
	typ ValueType
	b   bool
	i   int64
	f   float64
	s   string
	arr []Value
	m   *Attributes
}

// Null 返回 null 值
func Null() Value { return Value{} }

// Bool 构造布尔值
func Bool(v bool) Value { return Value{typ: TypeBool, b: v} }

// Int 构造整数值
func Int(v int64) Value { return Value{typ: TypeInt, i: v} }

// Float 构造浮点值
func Float(v float64) Value { return Value{typ: TypeFloat, f: v} }

// String 构造字符串值
func String(v string) Value { return Value{typ: TypeString, s: v} }

// Array 构造数组值
func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{typ: TypeArray, arr: items}
}

// Map 构造嵌套对象值，nil 视为空对象
func Map(attrs *Attributes) Value {
	if attrs == nil {
		attrs = NewAttributes()
	}
	return Value{typ: TypeMap, m: attrs}
}

// Type 返回值类型
func (v Value) Type() ValueType { return v.typ }

// IsNull 是否为 null
func (v Value) IsNull() bool { return v.typ == TypeNull }

// AsBool 读取布尔值
func (v Value) AsBool() (bool, bool) { return v.b, v.typ == TypeBool }

// AsInt 读取整数值
func (v Value) AsInt() (int64, bool) { return v.i, v.typ == TypeInt }

// AsFloat 读取浮点值
func (v Value) AsFloat() (float64, bool) { return v.f, v.typ == TypeFloat }

// AsString 读取字符串值
func (v Value) AsString() (string, bool) { return v.s, v.typ == TypeString }

// AsArray 读取数组值
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.typ == TypeArray }

// AsMap 读取嵌套对象
func (v Value) AsMap() (*Attributes, bool) { return v.m, v.typ == TypeMap }

// Number 以 float64 读取 int/float 值，其他类型返回 false
func (v Value) Number() (float64, bool) {
	switch v.typ {
	case TypeInt:
		return float64(v.i), true
	case TypeFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// Clone 深拷贝
func (v Value) Clone() Value {
	switch v.typ {
	case TypeArray:
		out := make([]Value, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Clone()
		}
		return Value{typ: TypeArray, arr: out}
	case TypeMap:
		return Value{typ: TypeMap, m: v.m.Clone()}
	default:
		return v
	}
}

// Equal 结构相等（map 比较键顺序无关）
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeNull:
		return true
	case TypeBool:
		return v.b == o.b
	case TypeInt:
		return v.i == o.i
	case TypeFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case TypeString:
		return v.s == o.s
	case TypeArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case TypeMap:
		return v.m.Equal(o.m)
	}
	return false
}

// Interface 转换为 Go 原生值（map 转为 map[string]any，丢失键顺序）
func (v Value) Interface() any {
	switch v.typ {
	case TypeBool:
		return v.b
	case TypeInt:
		return v.i
	case TypeFloat:
		return v.f
	case TypeString:
		return v.s
	case TypeArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case TypeMap:
		out := make(map[string]any, v.m.Len())
		for k, item := range v.m.All() {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON 实现 json.Marshaler。非有限浮点数编码为 null。
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case TypeNull:
		return []byte("null"), nil
	case TypeBool:
		return strconv.AppendBool(nil, v.b), nil
	case TypeInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case TypeFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		b := strconv.AppendFloat(nil, v.f, 'g', -1, 64)
		// 保留小数点，解码后仍为 float
		if !bytes.ContainsAny(b, ".eE") {
			b = append(b, '.', '0')
		}
		return b, nil
	case TypeString:
		return json.Marshal(v.s)
	case TypeArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case TypeMap:
		return v.m.MarshalJSON()
	}
	return nil, fmt.Errorf("span: unknown value type %d", v.typ)
}

// UnmarshalJSON 实现 json.Unmarshaler，保留对象键顺序
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	out, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("span: invalid number %q: %w", t, err)
		}
		return Float(f), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Array(items...), nil
		case '{':
			attrs, err := decodeObject(dec)
			if err != nil {
				return Value{}, err
			}
			return Map(attrs), nil
		}
	}
	return Value{}, fmt.Errorf("span: unexpected json token %v", tok)
}

// decodeObject 读取 '{' 之后的对象内容直到 '}'
func decodeObject(dec *json.Decoder) (*Attributes, error) {
	attrs := NewAttributes()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("span: object key must be string, got %v", keyTok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		attrs.Set(key, val)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return attrs, nil
}
