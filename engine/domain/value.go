package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindJSON // nested object or array, kept as compact JSON text
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Value is one attribute value of a node or edge.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	I64  int64 // exact integer when Int is set; Num carries the float approximation
	Int  bool  // the number was written without a fraction
	Bool bool
	JSON string
}

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func FloatValue(f float64) Value { return Value{Kind: KindNumber, Num: f} }
func IntValue(i int64) Value     { return Value{Kind: KindNumber, Num: float64(i), I64: i, Int: true} }
func BoolValue(b bool) Value     { return Value{Kind: KindBool, Bool: b} }

// JSONValue wraps a nested structure. raw is compacted; invalid JSON is an error.
func JSONValue(raw []byte) (Value, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Value{}, err
	}
	return Value{Kind: KindJSON, JSON: buf.String()}, nil
}

// IsNull reports whether the value is absent.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Interface returns the value as a plain Go scalar (string, int64, float64,
// bool), the JSON text for nested values, or nil.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		if v.Int {
			return v.I64
		}
		return v.Num
	case KindBool:
		return v.Bool
	case KindJSON:
		return v.JSON
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		if v.Int {
			return strconv.FormatInt(v.I64, 10)
		}
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindJSON:
		return v.JSON
	default:
		return ""
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	switch data[0] {
	case 'n':
		*v = Value{}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case '{', '[':
		jv, err := JSONValue(data)
		if err != nil {
			return err
		}
		*v = jv
	default:
		num := string(data)
		if !strings.ContainsAny(num, ".eE") {
			if i, err := strconv.ParseInt(num, 10, 64); err == nil {
				*v = IntValue(i)
				return nil
			}
		}
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", num, err)
		}
		*v = FloatValue(f)
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindJSON:
		return []byte(v.JSON), nil
	default:
		return json.Marshal(v.Interface())
	}
}
