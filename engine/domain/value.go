package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ValueKind enumerates the scalar types a graph property can hold.
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindInt
	KindFloat
	KindBool
	KindDate
	KindDateTime
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindDateTime:
		return "datetime"
	default:
		return "unknown"
	}
}

// Value is a typed scalar attribute value.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Time  time.Time
}

func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value          { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value      { return Value{Kind: KindFloat, Float: f} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Date(t time.Time) Value     { return Value{Kind: KindDate, Time: t.UTC().Truncate(24 * time.Hour)} }
func DateTime(t time.Time) Value { return Value{Kind: KindDateTime, Time: t} }

// Native returns the Go value carried by v.
func (v Value) Native() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindDate, KindDateTime:
		return v.Time
	default:
		return v.Str
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindDate:
		return v.Time.Format(time.DateOnly)
	case KindDateTime:
		return v.Time.Format(time.RFC3339Nano)
	default:
		return v.Str
	}
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindDate, KindDateTime:
		return v.Time.Equal(o.Time)
	default:
		return v.Str == o.Str && v.Int == o.Int && v.Float == o.Float && v.Bool == o.Bool
	}
}

// ValueOf converts a raw parser value into a typed scalar. Structured values
// (objects, arrays) are flattened to their JSON text and reported with
// ErrUnsupportedAttributeValue; the returned Value is still usable. A nil raw
// value yields ok=false.
func ValueOf(raw any) (v Value, ok bool, err error) {
	switch x := raw.(type) {
	case nil:
		return Value{}, false, nil
	case string:
		return String(x), true, nil
	case bool:
		return Bool(x), true, nil
	case int:
		return Int(int64(x)), true, nil
	case int32:
		return Int(int64(x)), true, nil
	case int64:
		return Int(x), true, nil
	case float32:
		return numberValue(float64(x))
	case float64:
		return numberValue(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), true, nil
		}
		f, err := x.Float64()
		if err != nil {
			return String(x.String()), true, fmt.Errorf("%w: number %q", ErrUnsupportedAttributeValue, x.String())
		}
		return numberValue(f)
	case time.Time:
		return DateTime(x), true, nil
	case Value:
		return x, true, nil
	case map[string]any:
		if tv, ok := taggedValue(x); ok {
			return tv, true, nil
		}
	}
	return String(flatten(raw)), true, fmt.Errorf("%w: %T", ErrUnsupportedAttributeValue, raw)
}

func numberValue(f float64) (Value, bool, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return String(strconv.FormatFloat(f, 'g', -1, 64)), true,
			fmt.Errorf("%w: non-finite number", ErrUnsupportedAttributeValue)
	}
	return Float(f), true, nil
}

// taggedValue decodes the {"type": ..., "value": ...} form some parser
// exports use for dates and explicitly typed numbers.
func taggedValue(m map[string]any) (Value, bool) {
	if len(m) != 2 {
		return Value{}, false
	}
	typ, ok := m["type"].(string)
	if !ok {
		return Value{}, false
	}
	raw, ok := m["value"]
	if !ok {
		return Value{}, false
	}
	s := fmt.Sprint(raw)
	if n, isNum := raw.(json.Number); isNum {
		s = n.String()
	}
	switch strings.ToLower(typ) {
	case "string", "text", "label", "identifier":
		return String(s), true
	case "int", "integer":
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), true
		}
	case "float", "real", "number", "double":
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return Float(f), true
		}
	case "bool", "boolean", "logical":
		if b, err := strconv.ParseBool(s); err == nil {
			return Bool(b), true
		}
	case "date":
		if t, err := time.Parse(time.DateOnly, s); err == nil {
			return Date(t), true
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return Date(t), true
		}
	case "datetime", "timestamp":
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return DateTime(t), true
		}
	}
	return Value{}, false
}

func flatten(raw any) string {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprint(raw)
	}
	return string(data)
}
