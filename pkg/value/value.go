// Package value defines the tagged value model shared by every other
// package in ember: the lexer/parser never see it, but the compiler,
// VM, heap, and natives all trade Values back and forth.
//
// A Value is a small, copyable struct. Anything too big to copy cheaply
// (strings, arrays, maps, sets, functions, errors) lives on the heap and
// is referenced through the obj field, which is traced by the garbage
// collector in package heap.
package value

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which alternative of the tagged union a Value holds.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindMap
	KindSet
	KindFunction
	KindNative
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindSet:
		return "set"
	case KindFunction:
		return "function"
	case KindNative:
		return "native"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// HeapObject is implemented by every reference-kind payload a Value can
// carry. The GC in package heap walks objects purely through this
// interface, so it never needs to import the concrete types that live
// in bytecode, natives, or elsewhere.
type HeapObject interface {
	// Children returns every Value directly reachable from this object,
	// for the GC's mark phase.
	Children() []Value
	// ApproxSize estimates the object's contribution to the heap's
	// allocation watermark, in bytes.
	ApproxSize() int
	// Marked/SetMarked carry the GC's mark bit. Exported so package
	// heap (which owns the collector but must not know the concrete
	// object types) can drive tracing purely through this interface.
	Marked() bool
	SetMarked(bool)
}

// gcHeader is embedded by every concrete heap object to carry the
// GC's mark bit without repeating the bookkeeping in each type.
type gcHeader struct{ isMarked bool }

func (h *gcHeader) Marked() bool     { return h.isMarked }
func (h *gcHeader) SetMarked(b bool) { h.isMarked = b }

// Value is the tagged union every opcode, native, and comparison
// operates on. number and bool are stored inline; everything else is a
// pointer to a heap object.
type Value struct {
	Kind Kind
	num  float64
	obj  HeapObject
}

func Nil() Value                 { return Value{Kind: KindNil} }
func Bool(b bool) Value          { return Value{Kind: KindBool, num: boolToFloat(b)} }
func Number(f float64) Value     { return Value{Kind: KindNumber, num: f} }
func FromObject(k Kind, o HeapObject) Value {
	return Value{Kind: k, obj: o}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (v Value) IsNil() bool    { return v.Kind == KindNil }
func (v Value) IsBool() bool   { return v.Kind == KindBool }
func (v Value) IsNumber() bool { return v.Kind == KindNumber }
func (v Value) IsString() bool { return v.Kind == KindString }

func (v Value) AsBool() bool     { return v.num != 0 }
func (v Value) AsNumber() float64 { return v.num }
func (v Value) Object() HeapObject { return v.obj }

// Truthy implements the single truthiness rule used by NOT and every
// conditional jump: nil is false, bool is its own bit, number is true
// unless it is zero or NaN, everything else is true.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNil:
		return false
	case KindBool:
		return v.AsBool()
	case KindNumber:
		return v.num != 0 && !math.IsNaN(v.num)
	default:
		return true
	}
}

// TypeName returns the name the `type` builtin and error messages use.
func (v Value) TypeName() string { return v.Kind.String() }

// Equal implements the structural equality rule from the data model:
// nil=nil, bool/number compare by value (NaN never equal to itself),
// strings compare by content, collections compare deep-structurally,
// and function/native values compare by identity.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNil:
		return true
	case KindBool:
		return v.AsBool() == other.AsBool()
	case KindNumber:
		return v.num == other.num
	case KindString:
		return v.AsString().Value == other.AsString().Value
	case KindArray:
		a, b := v.AsArray(), other.AsArray()
		if len(a.Elements) != len(b.Elements) {
			return false
		}
		for i := range a.Elements {
			if !a.Elements[i].Equal(b.Elements[i]) {
				return false
			}
		}
		return true
	case KindMap:
		a, b := v.AsMap(), other.AsMap()
		if len(a.entries) != len(b.entries) {
			return false
		}
		for k, av := range a.entries {
			bv, ok := b.entries[k]
			if !ok || !av.Equal(bv) {
				return false
			}
		}
		return true
	case KindSet:
		a, b := v.AsSet(), other.AsSet()
		if len(a.members) != len(b.members) {
			return false
		}
		for k := range a.members {
			if _, ok := b.members[k]; !ok {
				return false
			}
		}
		return true
	default:
		// function, native, error: identity comparison.
		return v.obj == other.obj
	}
}

// AsString returns the underlying String heap object. Callers must
// check Kind == KindString first; this mirrors the rest of the VM's
// convention of trusting the tag rather than re-checking everywhere.
func (v Value) AsString() *String { return v.obj.(*String) }
func (v Value) AsArray() *Array   { return v.obj.(*Array) }
func (v Value) AsMap() *Map       { return v.obj.(*Map) }
func (v Value) AsSet() *Set       { return v.obj.(*Set) }
func (v Value) AsError() *ErrorObj { return v.obj.(*ErrorObj) }

// Print renders a Value using the printable-value format shared by
// `print` and the REPL: number via %g, bool as true/false, nil as nil,
// string raw, array as [v1, v2, …], map as {k1: v1, …} in an arbitrary
// (but stable within a process) key order.
func (v Value) Print() string {
	switch v.Kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.AsBool() {
			return "true"
		}
		return "false"
	case KindNumber:
		return formatNumber(v.num)
	case KindString:
		return v.AsString().Value
	case KindArray:
		arr := v.AsArray()
		parts := make([]string, len(arr.Elements))
		for i, e := range arr.Elements {
			parts[i] = e.reprInCollection()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		m := v.AsMap()
		keys := make([]string, 0, len(m.entries))
		for k := range m.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", m.keys[k].Print(), m.entries[k].reprInCollection()))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindSet:
		s := v.AsSet()
		keys := make([]string, 0, len(s.members))
		for k := range s.members {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "{" + strings.Join(keys, ", ") + "}"
	case KindFunction:
		return "<function>"
	case KindNative:
		return "<native>"
	case KindError:
		e := v.AsError()
		return fmt.Sprintf("<error %s: %s>", e.Kind, e.Message)
	default:
		return "<unknown>"
	}
}

// reprInCollection quotes strings when nested inside an array/map print,
// matching how literal source would be re-entered.
func (v Value) reprInCollection() string {
	if v.Kind == KindString {
		return strconv.Quote(v.AsString().Value)
	}
	return v.Print()
}

func formatNumber(f float64) string {
	if math.IsNaN(f) {
		return "nan"
	}
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
