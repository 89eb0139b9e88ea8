// Package value defines the tagged value type that flows through workflow
// executions: context variables, node outputs, event data, and webhook
// payloads are all maps of Value.
//
// A Value is one of: null, bool, number (float64), string, list, or map.
// JSON round-trips preserve the kind exactly: unmarshaling never widens a
// bool into a string or collapses null into a zero value.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind discriminates the variants of Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// String returns the lowercase kind name used in validation messages.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "array"
	case KindMap:
		return "object"
	default:
		return "invalid"
	}
}

// Value is an immutable tagged union. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Int wraps an integer as a number.
func Int(n int) Value { return Value{kind: KindNumber, n: float64(n)} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List wraps a slice. The slice is used as-is; callers must not mutate it
// after wrapping.
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Map wraps a map. The map is used as-is; callers must not mutate it after
// wrapping.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// From converts ordinary Go data (the result of json.Unmarshal into
// interface{}, or handler-built structures) into a Value. Unsupported types
// are stringified with fmt.Sprint.
func From(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Int(t)
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case string:
		return String(t)
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = From(item)
		}
		return Value{kind: KindList, list: items}
	case []Value:
		return List(t...)
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[k] = From(item)
		}
		return Map(m)
	case map[string]Value:
		return Map(t)
	default:
		return String(fmt.Sprint(t))
	}
}

// FromMap converts a plain map into a Value map.
func FromMap(m map[string]interface{}) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = From(v)
	}
	return out
}

// Kind reports the variant.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload. ok is false for other kinds.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the numeric payload. ok is false for other kinds.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string payload. ok is false for other kinds.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsList returns the list payload. ok is false for other kinds.
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

// AsMap returns the map payload. ok is false for other kinds.
func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Str returns the string payload or "" when the value is not a string.
func (v Value) Str() string { return v.s }

// Num returns the numeric payload or 0 when the value is not a number.
func (v Value) Num() float64 { return v.n }

// Truthy reports whether the value is considered true in guard positions:
// false for null, false, 0, "", empty list, empty map; true otherwise.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0
	case KindString:
		return v.s != ""
	case KindList:
		return len(v.list) > 0
	case KindMap:
		return len(v.m) > 0
	default:
		return false
	}
}

// Get resolves one path segment: map key for KindMap, decimal index for
// KindList. The second return is false when the segment does not resolve.
func (v Value) Get(segment string) (Value, bool) {
	switch v.kind {
	case KindMap:
		child, ok := v.m[segment]
		return child, ok
	case KindList:
		idx, err := strconv.Atoi(segment)
		if err != nil || idx < 0 || idx >= len(v.list) {
			return Value{}, false
		}
		return v.list[idx], true
	default:
		return Value{}, false
	}
}

// Equal reports deep equality. Maps compare by key set and per-key equality;
// insertion order is irrelevant.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, item := range v.m {
			other, ok := o.m[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Interface converts the value back into ordinary Go data
// (nil/bool/float64/string/[]interface{}/map[string]interface{}).
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// String renders the value as compact JSON. Used for operator comparisons
// and log output.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// MarshalJSON renders the underlying data as plain JSON with no kind
// envelope.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		// Deterministic key order keeps snapshots byte-comparable.
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := json.Marshal(v.m[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("value: cannot marshal kind %d", v.kind)
	}
}

// UnmarshalJSON parses JSON into the matching kind.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = From(raw)
	return nil
}

// Clone returns a deep copy sharing no mutable structure with the receiver.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.Clone()
		}
		return Value{kind: KindList, list: items}
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, item := range v.m {
			m[k] = item.Clone()
		}
		return Value{kind: KindMap, m: m}
	default:
		return v
	}
}

// CloneMap deep-copies a variable map.
func CloneMap(m map[string]Value) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}
