package player

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// Kind identifies the variant held by a Value.
type Kind string

const (
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindString Kind = "string"
	KindBool   Kind = "bool"
	KindBytes  Kind = "bytes"
)

// Value is a metadata entry: exactly one of an integer, float, string, bool
// or byte slice. The zero Value holds nothing and reports an empty Kind.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
	raw  []byte
}

// IntValue returns an integer Value
func IntValue(v int64) Value { return Value{kind: KindInt, i: v} }

// FloatValue returns a float Value
func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }

// StringValue returns a string Value
func StringValue(v string) Value { return Value{kind: KindString, s: v} }

// BoolValue returns a boolean Value
func BoolValue(v bool) Value { return Value{kind: KindBool, b: v} }

// BytesValue returns a byte Value holding a copy of v.
func BytesValue(v []byte) Value {
	return Value{kind: KindBytes, raw: append([]byte(nil), v...)}
}

// Kind returns the held variant
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v holds nothing
func (v Value) IsZero() bool { return v.kind == "" }

// AsInt returns the integer and whether v holds one
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the float and whether v holds one
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsString returns the string and whether v holds one
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBool returns the bool and whether v holds one
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsBytes returns a copy of the bytes and whether v holds them.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return append([]byte(nil), v.raw...), true
}

// IntOr returns the integer held by v, or def for any other variant.
func (v Value) IntOr(def int64) int64 {
	if n, ok := v.AsInt(); ok {
		return n
	}
	return def
}

// StringOr returns the string held by v, or def for any other variant.
func (v Value) StringOr(def string) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	return def
}

// Equal reports whether both values hold the same variant and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	case KindBytes:
		return string(v.raw) == string(o.raw)
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindBytes:
		return fmt.Sprintf("%d bytes", len(v.raw))
	}
	return "<none>"
}

type wireValue struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes v as {"kind": ..., "value": ...}. Bytes are base64.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch v.kind {
	case KindInt:
		payload = v.i
	case KindFloat:
		payload = v.f
	case KindString:
		payload = v.s
	case KindBool:
		payload = v.b
	case KindBytes:
		payload = v.raw
	case "":
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.kind, Value: raw})
}

// UnmarshalJSON decodes the tagged form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}

	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Value{kind: w.Kind}
	var err error
	switch w.Kind {
	case KindInt:
		err = json.Unmarshal(w.Value, &out.i)
	case KindFloat:
		err = json.Unmarshal(w.Value, &out.f)
	case KindString:
		err = json.Unmarshal(w.Value, &out.s)
	case KindBool:
		err = json.Unmarshal(w.Value, &out.b)
	case KindBytes:
		err = json.Unmarshal(w.Value, &out.raw)
	default:
		return fmt.Errorf("unknown value kind %q", w.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s value: %w", w.Kind, err)
	}
	*v = out
	return nil
}
