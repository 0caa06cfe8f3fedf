package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the variant held by a [Value].
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindJSON
)

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
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Value is a feature value or experiment variation payload. Objects and
// arrays are kept as compact JSON so values stay comparable and immutable.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// BoolValue reports whether v is the boolean true.
func (v Value) BoolValue() bool { return v.kind == KindBool && v.b }

// JSON wraps an object or array payload. Scalars are unwrapped into their
// own kinds; malformed input is an error.
func JSON(raw json.RawMessage) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(raw); err != nil {
		return Value{}, err
	}
	return v, nil
}

// NumberValue returns the number held by v.
func (v Value) NumberValue() (float64, bool) {
	return v.n, v.kind == KindNumber
}

// StringValue returns the string held by v.
func (v Value) StringValue() (string, bool) {
	return v.s, v.kind == KindString
}

// RawJSON returns the compact JSON encoding of v.
func (v Value) RawJSON() json.RawMessage {
	raw, _ := v.MarshalJSON()
	return raw
}

// Interface converts v to the plain Go representation used by encoding/json.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindJSON:
		var out any
		if err := json.Unmarshal([]byte(v.s), &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}

// Equal reports whether two values hold the same variant and payload.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == other.b
	case KindNumber:
		return v.n == other.n
	case KindString, KindJSON:
		return v.s == other.s
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	default:
		return string(v.RawJSON())
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return nil, fmt.Errorf("marshal value: unsupported number %v", v.n)
		}
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindJSON:
		return []byte(v.s), nil
	default:
		return nil, fmt.Errorf("marshal value: unknown kind %d", v.kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("unmarshal value: empty input")
	}

	switch trimmed[0] {
	case 'n':
		if string(trimmed) != "null" {
			return fmt.Errorf("unmarshal value: invalid literal %q", trimmed)
		}
		*v = Null()
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return fmt.Errorf("unmarshal value: %w", err)
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("unmarshal value: %w", err)
		}
		*v = String(s)
	case '{', '[':
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err != nil {
			return fmt.Errorf("unmarshal value: %w", err)
		}
		*v = Value{kind: KindJSON, s: compact.String()}
	default:
		var n float64
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return fmt.Errorf("unmarshal value: %w", err)
		}
		*v = Number(n)
	}

	return nil
}

// ValueOf converts a decoded JSON (or YAML) value into a [Value].
func ValueOf(input any) (Value, error) {
	switch typed := input.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(typed), nil
	case string:
		return String(typed), nil
	case Value:
		return typed, nil
	}

	if n, ok := toFloat64(input); ok {
		return Number(n), nil
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return Value{}, fmt.Errorf("convert value: %w", err)
	}

	return JSON(raw)
}
