package lwm2m

import (
	"fmt"
	"strconv"
)

type (
	ObjectID   uint16
	InstanceID uint16
	ResourceID uint16
)

// Kind is the data type of a resource value.
type Kind uint8

const (
	KindFloat Kind = iota + 1
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value holds a single float or string resource value.
type Value struct {
	kind Kind
	f    float64
	s    string
}

func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func (v Value) Kind() Kind { return v.kind }

// AsFloat returns the float payload and whether v is a float.
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsString returns the string payload and whether v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Interface returns the payload as float64 or string, nil for the zero Value.
func (v Value) Interface() any {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	default:
		return "<invalid>"
	}
}

// Operations is the set of operations a resource supports.
type Operations uint8

const (
	OpRead Operations = 1 << iota
)

func (o Operations) String() string {
	if o&OpRead != 0 {
		return "R"
	}
	return fmt.Sprintf("ops(%d)", uint8(o))
}
