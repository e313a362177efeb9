// Package values implements the opaque structured-value representation used
// for job payloads, step state, templates, and action results throughout the
// queue and automation packages. Go is statically typed; the source system
// treats these as dynamically-typed JSON-like data, so we model them as a
// small tagged union that serializes to/from JSON losslessly.
package values

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind discriminates the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

// Value is a tagged variant: null/bool/number/string/sequence/mapping.
// Zero value is KindNull.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	seq  []Value
	m    map[string]Value
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Number(n float64) Value     { return Value{kind: KindNumber, n: n} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Sequence(v []Value) Value   { return Value{kind: KindSequence, seq: v} }
func Mapping(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMapping, m: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) BoolValue() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) NumberValue() (float64, bool)  { return v.n, v.kind == KindNumber }
func (v Value) StringValue() (string, bool)   { return v.s, v.kind == KindString }
func (v Value) SequenceValue() ([]Value, bool) {
	if v.kind != KindSequence {
		return nil, false
	}
	return v.seq, true
}
func (v Value) MappingValue() (map[string]Value, bool) {
	if v.kind != KindMapping {
		return nil, false
	}
	return v.m, true
}

// Get returns the field named key from a mapping Value, or Null if this is
// not a mapping or the key is absent.
func (v Value) Get(key string) Value {
	if v.kind != KindMapping {
		return Null()
	}
	if child, ok := v.m[key]; ok {
		return child
	}
	return Null()
}

// Lookup returns the field named key from a mapping Value and whether it was
// present at all, distinguishing "absent" from "present but null" — template
// interpolation needs this distinction to leave unknown tokens literal.
func (v Value) Lookup(key string) (Value, bool) {
	if v.kind != KindMapping {
		return Null(), false
	}
	child, ok := v.m[key]
	return child, ok
}

// Any converts a Value into the equivalent plain Go value (nil, bool,
// float64, string, []any, map[string]any), the representation used by
// encoding/json for unmarshalling into interface{}.
func (v Value) Any() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindSequence:
		out := make([]any, len(v.seq))
		for i, e := range v.seq {
			out[i] = e.Any()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Any()
		}
		return out
	default:
		return nil
	}
}

// FromAny builds a Value from a plain Go value of the kind produced by
// encoding/json (nil, bool, float64/int/..., string, []any, map[string]any).
// Unrecognized types are converted via fmt.Sprint into a string scalar so
// FromAny never fails.
func FromAny(v any) Value {
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
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case string:
		return String(t)
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromAny(e)
		}
		return Sequence(out)
	case []Value:
		return Sequence(t)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = FromAny(e)
		}
		return Mapping(out)
	case map[string]Value:
		return Mapping(t)
	default:
		return String(fmt.Sprint(t))
	}
}

// ParseJSON decodes a JSON document into a Value.
func ParseJSON(raw []byte) (Value, error) {
	if len(raw) == 0 {
		return Mapping(nil), nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Value{}, fmt.Errorf("parse value json: %w", err)
	}
	return FromAny(decoded), nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(raw []byte) error {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*v = FromAny(decoded)
	return nil
}

// String renders a scalar Value as plain text for template interpolation.
// Non-scalars render as compact JSON so a token substitution never panics.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return formatNumber(v.n)
	case KindString:
		return v.s
	default:
		raw, err := json.Marshal(v.Any())
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func formatNumber(n float64) string {
	if n == float64(int64(n)) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprintf("%g", n)
}

// SortedKeys returns a mapping's keys in sorted order, for deterministic
// iteration (template rendering, logging, tests).
func (v Value) SortedKeys() []string {
	m, ok := v.MappingValue()
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
