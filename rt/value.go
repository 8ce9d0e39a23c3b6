// Package rt is the driver's view of the managed runtime: class handles,
// type/string/method resolution, string interning, and the undo-logged
// transaction used by eager class initialization. It deliberately models
// only what the AOT pipeline touches; execution and collection belong to
// the full runtime.
package rt

import "fmt"

// ---------------------------------------------------------------------------
// Value: tagged static-field storage
// ---------------------------------------------------------------------------

// ValueKind tags a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindString
	KindObject
)

// Value is a static field slot. Strings hold the interned string; objects
// hold an opaque heap handle.
type Value struct {
	Kind ValueKind
	Int  int64
	Fp   float64
	Str  string
	Obj  *Object
}

// NullValue is the zero static-field value.
var NullValue = Value{Kind: KindNull}

// IntValue wraps an integer.
func IntValue(v int64) Value { return Value{Kind: KindInt, Int: v} }

// FloatValue wraps a float.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Fp: v} }

// StringValue wraps an interned string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// ObjectValue wraps a heap handle.
func ObjectValue(o *Object) Value { return Value{Kind: KindObject, Obj: o} }

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Fp == o.Fp
	case KindString:
		return v.Str == o.Str
	default:
		return v.Obj == o.Obj
	}
}

// String formats a value for logs.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Fp)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	default:
		return fmt.Sprintf("object@%d", v.Obj.AllocIndex)
	}
}

// Object is an opaque heap handle. The driver only cares about allocation
// order (it is what makes some phases order-sensitive) and the class.
type Object struct {
	Class      *Class
	AllocIndex uint64
}
