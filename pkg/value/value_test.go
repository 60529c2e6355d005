package value_test

import (
	"math"
	"testing"

	"github.com/kristofer/ember/pkg/value"
)

// §4.1: nil->false, bool->its bit, number->!=0 and not NaN->true,
// everything else->true.
func TestTruthiness(t *testing.T) {
	cases := []struct {
		name string
		v    value.Value
		want bool
	}{
		{"nil", value.Nil(), false},
		{"false", value.Bool(false), false},
		{"true", value.Bool(true), true},
		{"zero", value.Number(0), false},
		{"negative zero", value.Number(math.Copysign(0, -1)), false},
		{"nan", value.Number(math.NaN()), false},
		{"nonzero", value.Number(1), true},
		{"negative nonzero", value.Number(-5), true},
		{"string", value.FromObject(value.KindString, value.NewString("")), true},
		{"empty array is truthy", value.FromObject(value.KindArray, value.NewArray(nil)), true},
	}
	for _, c := range cases {
		if got := c.v.Truthy(); got != c.want {
			t.Errorf("%s: Truthy() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestEqualityNumberNaNNeverEqual(t *testing.T) {
	nan := value.Number(math.NaN())
	if nan.Equal(nan) {
		t.Fatalf("NaN must never equal itself")
	}
	if !value.Number(1).Equal(value.Number(1)) {
		t.Fatalf("1 == 1 must hold")
	}
}

func TestEqualityStructuralOnCollections(t *testing.T) {
	a := value.FromObject(value.KindArray, value.NewArray([]value.Value{value.Number(1), value.Number(2)}))
	b := value.FromObject(value.KindArray, value.NewArray([]value.Value{value.Number(1), value.Number(2)}))
	c := value.FromObject(value.KindArray, value.NewArray([]value.Value{value.Number(1), value.Number(3)}))
	if !a.Equal(b) {
		t.Errorf("structurally identical arrays should be Equal")
	}
	if a.Equal(c) {
		t.Errorf("structurally different arrays should not be Equal")
	}
}

func TestEqualityFunctionIsIdentityNotStructural(t *testing.T) {
	n1 := value.FromObject(value.KindNative, value.NewNative("f", 0, nil))
	n2 := value.FromObject(value.KindNative, value.NewNative("f", 0, nil))
	if n1.Equal(n2) {
		t.Fatalf("two distinct native objects with the same name must not compare equal")
	}
	if !n1.Equal(n1) {
		t.Fatalf("a native value must equal itself")
	}
}

func TestEqualityDifferentKindsNeverEqual(t *testing.T) {
	if value.Nil().Equal(value.Bool(false)) {
		t.Errorf("nil must not equal bool(false)")
	}
	if value.Number(0).Equal(value.Bool(false)) {
		t.Errorf("number(0) must not equal bool(false)")
	}
}

func TestPrintFormats(t *testing.T) {
	cases := []struct {
		v    value.Value
		want string
	}{
		{value.Nil(), "nil"},
		{value.Bool(true), "true"},
		{value.Bool(false), "false"},
		{value.Number(14), "14"},
		{value.Number(2.5), "2.5"},
		{value.FromObject(value.KindString, value.NewString("hi")), "hi"},
	}
	for _, c := range cases {
		if got := c.v.Print(); got != c.want {
			t.Errorf("Print() = %q, want %q", got, c.want)
		}
	}
}

func TestPrintArrayAndMap(t *testing.T) {
	arr := value.FromObject(value.KindArray, value.NewArray([]value.Value{
		value.Number(1), value.FromObject(value.KindString, value.NewString("a")),
	}))
	if got, want := arr.Print(), `[1, "a"]`; got != want {
		t.Errorf("array Print() = %q, want %q", got, want)
	}

	m := value.NewMap()
	m.Set(value.FromObject(value.KindString, value.NewString("k")), value.Number(1))
	mv := value.FromObject(value.KindMap, m)
	if got, want := mv.Print(), `{k: 1}`; got != want {
		t.Errorf("map Print() = %q, want %q", got, want)
	}
}

func TestTypeName(t *testing.T) {
	if value.Number(1).TypeName() != "number" {
		t.Errorf("TypeName() = %q, want number", value.Number(1).TypeName())
	}
	if value.FromObject(value.KindArray, value.NewArray(nil)).TypeName() != "array" {
		t.Errorf("array TypeName() wrong")
	}
}

func TestMapSetGetDeleteAndStructuralKeys(t *testing.T) {
	m := value.NewMap()
	key := value.Number(1)
	m.Set(key, value.FromObject(value.KindString, value.NewString("one")))
	got, ok := m.Get(value.Number(1))
	if !ok || got.AsString().Value != "one" {
		t.Fatalf("Get by structurally-equal key failed: ok=%v got=%#v", ok, got)
	}
	m.Delete(value.Number(1))
	if _, ok := m.Get(value.Number(1)); ok {
		t.Fatalf("key should be gone after Delete")
	}
}

func TestSetMembership(t *testing.T) {
	s := value.NewSet()
	s.Add(value.Number(1))
	s.Add(value.Number(1))
	if s.Len() != 1 {
		t.Fatalf("adding the same value twice should not duplicate, Len() = %d", s.Len())
	}
	if !s.Has(value.Number(1)) {
		t.Fatalf("Has(1) should be true")
	}
	s.Remove(value.Number(1))
	if s.Has(value.Number(1)) {
		t.Fatalf("Has(1) should be false after Remove")
	}
}
