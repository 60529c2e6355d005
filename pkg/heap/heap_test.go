package heap

import (
	"testing"

	"github.com/kristofer/ember/pkg/value"
)

func TestCollectFreesUnreachable(t *testing.T) {
	h := New()
	for i := 0; i < 10; i++ {
		s := value.NewString("temp")
		h.Alloc(s)
	}
	if h.LiveObjects() != 10 {
		t.Fatalf("expected 10 live objects, got %d", h.LiveObjects())
	}

	h.Collect(nil)

	if h.LiveObjects() != 0 {
		t.Fatalf("expected 0 live objects after collecting with no roots, got %d", h.LiveObjects())
	}
	if h.Collections != 1 {
		t.Fatalf("expected 1 recorded collection, got %d", h.Collections)
	}
}

func TestCollectKeepsRooted(t *testing.T) {
	h := New()
	kept := value.NewString("kept")
	h.Alloc(kept)
	h.Alloc(value.NewString("discarded"))

	root := value.FromObject(value.KindString, kept)
	h.Collect([]value.Value{root})

	if h.LiveObjects() != 1 {
		t.Fatalf("expected 1 live object after collecting with one root, got %d", h.LiveObjects())
	}
}

func TestCollectTracesArrayChildren(t *testing.T) {
	h := New()
	inner := value.NewString("inner")
	h.Alloc(inner)
	arr := value.NewArray([]value.Value{value.FromObject(value.KindString, inner)})
	h.Alloc(arr)

	root := value.FromObject(value.KindArray, arr)
	h.Collect([]value.Value{root})

	if h.LiveObjects() != 2 {
		t.Fatalf("expected array and its string element to survive, got %d live objects", h.LiveObjects())
	}
}

func TestShouldCollectRespectsWatermark(t *testing.T) {
	h := New()
	if h.ShouldCollect() {
		t.Fatalf("fresh heap should not need collection")
	}
	for i := 0; i < 10000; i++ {
		h.Alloc(value.NewString("012345678901234567890123456789"))
	}
	if !h.ShouldCollect() {
		t.Fatalf("heap with many allocations should request collection")
	}
}
