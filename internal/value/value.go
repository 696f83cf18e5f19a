package value

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	Absent Kind = iota
	String
	Bool
	Int
	Double
)

var kindNames = [...]string{"absent", "string", "bool", "int", "double"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is a characteristic value: one of string, bool, int, double, or absent.
// The zero Value is Absent.
type Value struct {
	kind Kind
	s    string
	b    bool
	i    int64
	f    float64
}

// Null returns the absent value.
func Null() Value { return Value{} }

func OfString(s string) Value  { return Value{kind: String, s: s} }
func OfBool(b bool) Value      { return Value{kind: Bool, b: b} }
func OfInt(i int64) Value      { return Value{kind: Int, i: i} }
func OfDouble(f float64) Value { return Value{kind: Double, f: f} }

// FromAny converts a loosely typed platform value into a Value.
// Unsigned integers that overflow int64 and non-scalar values are rejected.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case string:
		return OfString(x), nil
	case bool:
		return OfBool(x), nil
	case int:
		return OfInt(int64(x)), nil
	case int8:
		return OfInt(int64(x)), nil
	case int16:
		return OfInt(int64(x)), nil
	case int32:
		return OfInt(int64(x)), nil
	case int64:
		return OfInt(x), nil
	case uint8:
		return OfInt(int64(x)), nil
	case uint16:
		return OfInt(int64(x)), nil
	case uint32:
		return OfInt(int64(x)), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return Null(), fmt.Errorf("uint %d overflows int64", x)
		}
		return OfInt(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Null(), fmt.Errorf("uint64 %d overflows int64", x)
		}
		return OfInt(int64(x)), nil
	case float32:
		return OfDouble(float64(x)), nil
	case float64:
		return OfDouble(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return OfInt(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Null(), fmt.Errorf("parse number %q: %w", x, err)
		}
		return OfDouble(f), nil
	default:
		return Null(), fmt.Errorf("unsupported value type %T", v)
	}
}

// FromJSONNumber converts a value decoded by encoding/json into a Value,
// turning integral float64s into Int so that 1 round-trips as an int.
func FromJSONNumber(v any) (Value, error) {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return OfInt(int64(f)), nil
	}
	return FromAny(v)
}

// Parse interprets a text payload: "null"/"" → absent, true/false → bool,
// integers → int, other numbers → double, anything else → string.
func Parse(s string) Value {
	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "", "null", "nil":
		return Null()
	case "true":
		return OfBool(true)
	case "false":
		return OfBool(false)
	}
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return OfInt(i)
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return OfDouble(f)
	}
	return OfString(s)
}

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsAbsent() bool { return v.kind == Absent }

func (v Value) AsString() (string, bool) { return v.s, v.kind == String }
func (v Value) AsBool() (bool, bool)     { return v.b, v.kind == Bool }
func (v Value) AsInt() (int64, bool)     { return v.i, v.kind == Int }

// AsDouble returns the value as float64; Int values are widened.
func (v Value) AsDouble() (float64, bool) {
	switch v.kind {
	case Double:
		return v.f, true
	case Int:
		return float64(v.i), true
	}
	return 0, false
}

// Any returns the underlying Go value (nil for absent).
func (v Value) Any() any {
	switch v.kind {
	case String:
		return v.s
	case Bool:
		return v.b
	case Int:
		return v.i
	case Double:
		return v.f
	}
	return nil
}

// Equal reports whether two values hold the same variant and payload.
// Int and Double compare numerically.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		a, aok := v.AsDouble()
		b, bok := o.AsDouble()
		return aok && bok && a == b
	}
	switch v.kind {
	case String:
		return v.s == o.s
	case Bool:
		return v.b == o.b
	case Int:
		return v.i == o.i
	case Double:
		return v.f == o.f
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case String:
		return v.s
	case Bool:
		return strconv.FormatBool(v.b)
	case Int:
		return strconv.FormatInt(v.i, 10)
	case Double:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	}
	return "null"
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == Double && (math.IsNaN(v.f) || math.IsInf(v.f, 0)) {
		return []byte("null"), nil
	}
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
