package livedata

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// ValueKind is the type tag of a field value
type ValueKind string

const (
	KindString  ValueKind = "string"
	KindInt     ValueKind = "int"
	KindFloat   ValueKind = "float"
	KindDecimal ValueKind = "decimal"
	KindBool    ValueKind = "bool"
	KindTime    ValueKind = "time"
)

// Value is a typed field value. Only the member matching Kind is meaningful.
type Value struct {
	Kind    ValueKind
	Str     string
	Int     int64
	Float   float64
	Decimal decimal.Decimal
	Bool    bool
	Time    time.Time
}

// StringValue creates a string value
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IntValue creates an int64 value
func IntValue(n int64) Value { return Value{Kind: KindInt, Int: n} }

// FloatValue creates a float64 value
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// DecimalValue creates a decimal value
func DecimalValue(d decimal.Decimal) Value { return Value{Kind: KindDecimal, Decimal: d} }

// BoolValue creates a bool value
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// TimeValue creates a time value
func TimeValue(t time.Time) Value { return Value{Kind: KindTime, Time: t.UTC()} }

// Equal compares kind and the meaningful member
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == other.Str
	case KindInt:
		return v.Int == other.Int
	case KindFloat:
		return v.Float == other.Float
	case KindDecimal:
		return v.Decimal.Equal(other.Decimal)
	case KindBool:
		return v.Bool == other.Bool
	case KindTime:
		return v.Time.Equal(other.Time)
	default:
		return false
	}
}

// String renders the value without its type tag
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindDecimal:
		return v.Decimal.String()
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindTime:
		return v.Time.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// ParseValue parses the String form of a value of the given kind
func ParseValue(kind ValueKind, s string) (Value, error) {
	switch kind {
	case KindString:
		return StringValue(s), nil
	case KindInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid int value %q: %w", s, err)
		}
		return IntValue(n), nil
	case KindFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid float value %q: %w", s, err)
		}
		return FloatValue(f), nil
	case KindDecimal:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return Value{}, fmt.Errorf("invalid decimal value %q: %w", s, err)
		}
		return DecimalValue(d), nil
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("invalid bool value %q: %w", s, err)
		}
		return BoolValue(b), nil
	case KindTime:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Value{}, fmt.Errorf("invalid time value %q: %w", s, err)
		}
		return TimeValue(t), nil
	default:
		return Value{}, fmt.Errorf("unknown value kind %q", kind)
	}
}

// Field is one named value of a payload
type Field struct {
	Name  string
	Value Value
}

type fieldJSON struct {
	Name  string    `json:"name"`
	Type  ValueKind `json:"type"`
	Value string    `json:"value"`
}

// MarshalJSON implements json.Marshaler
func (f Field) MarshalJSON() ([]byte, error) {
	return json.Marshal(fieldJSON{Name: f.Name, Type: f.Value.Kind, Value: f.Value.String()})
}

// UnmarshalJSON implements json.Unmarshaler
func (f *Field) UnmarshalJSON(data []byte) error {
	var raw fieldJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := ParseValue(raw.Type, raw.Value)
	if err != nil {
		return fmt.Errorf("field %q: %w", raw.Name, err)
	}
	f.Name = raw.Name
	f.Value = v
	return nil
}

// Payload is an ordered list of fields for one update or snapshot.
// The core passes it through without interpreting it.
type Payload struct {
	Fields []Field
}

// NewPayload creates a payload from fields
func NewPayload(fields ...Field) *Payload {
	return &Payload{Fields: fields}
}

// With appends a field and returns the payload
func (p *Payload) With(name string, v Value) *Payload {
	p.Fields = append(p.Fields, Field{Name: name, Value: v})
	return p
}

// Get returns the first field value with the given name
func (p *Payload) Get(name string) (Value, bool) {
	if p == nil {
		return Value{}, false
	}
	for _, f := range p.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Len returns the number of fields
func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Fields)
}

// Clone returns a copy that shares no field slice with p
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	fields := make([]Field, len(p.Fields))
	copy(fields, p.Fields)
	return &Payload{Fields: fields}
}

// MarshalJSON implements json.Marshaler
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Fields == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.Fields)
}

// UnmarshalJSON implements json.Unmarshaler
func (p *Payload) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.Fields)
}
