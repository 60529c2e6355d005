package compiler_test

import (
	"testing"

	"github.com/kristofer/ember/pkg/compiler"
	"github.com/kristofer/ember/pkg/parser"
	"github.com/kristofer/ember/pkg/value"
	"github.com/kristofer/ember/pkg/vm"
)

func run(t *testing.T, src string) (value.Value, *vm.VM) {
	t.Helper()
	p := parser.New(src)
	program, perr := p.Parse()
	if perr != nil {
		t.Fatalf("parse error: %v", perr)
	}
	fn, cerr := compiler.Compile(program)
	if cerr != nil {
		t.Fatalf("compile error: %v", cerr)
	}
	host := vm.New()
	result, rerr := host.Run(fn)
	if rerr != nil {
		t.Fatalf("runtime error: %v", rerr)
	}
	return result, host
}

func TestTopLevelLastExpressionIsResult(t *testing.T) {
	result, _ := run(t, "1 + 2 * 3;")
	if result.AsNumber() != 7 {
		t.Fatalf("got %v, want 7", result.AsNumber())
	}
}

func TestTopLevelNonExpressionEndingReturnsNil(t *testing.T) {
	result, _ := run(t, "x = 5;")
	if !result.IsNil() {
		t.Fatalf("expected nil result when program doesn't end in a bare expression, got %s", result.Print())
	}
}

func TestIfExpressionBranches(t *testing.T) {
	result, _ := run(t, `if 1 < 2 "yes" else "no";`)
	if result.AsString().Value != "yes" {
		t.Errorf("got %q, want %q", result.AsString().Value, "yes")
	}
	result, _ = run(t, `if 2 < 1 "yes" else "no";`)
	if result.AsString().Value != "no" {
		t.Errorf("got %q, want %q", result.AsString().Value, "no")
	}
}

func TestIfExpressionWithoutElseIsNil(t *testing.T) {
	result, _ := run(t, `if 2 < 1 "yes";`)
	if !result.IsNil() {
		t.Errorf("expected nil from a falsy if-expression with no else, got %s", result.Print())
	}
}

func TestShortCircuitAndSkipsRightOperand(t *testing.T) {
	// sideEffect flips touched[0] (an array it shares with the script)
	// only if evaluated; && over a false left operand must never call it.
	result, host := run(t, `
		touched = [false];
		func sideEffect() { touched[0] = true; return true; }
		false && sideEffect();
		touched[0];
	`)
	if result.AsBool() != false {
		t.Fatalf("side effect ran despite short-circuit, touched=%v", result.AsBool())
	}
	_ = host
}

func TestShortCircuitOrSkipsRightOperand(t *testing.T) {
	result, _ := run(t, `
		touched = [false];
		func sideEffect() { touched[0] = true; return true; }
		true || sideEffect();
		touched[0];
	`)
	if result.AsBool() != false {
		t.Fatalf("side effect ran despite short-circuit, touched=%v", result.AsBool())
	}
}

func TestWhileLoopAccumulates(t *testing.T) {
	result, _ := run(t, `
		i = 0;
		sum = 0;
		while (i < 5) {
			sum = sum + i;
			i = i + 1;
		}
		sum;
	`)
	if result.AsNumber() != 10 {
		t.Fatalf("got %v, want 10", result.AsNumber())
	}
}

func TestForLoopAccumulates(t *testing.T) {
	result, _ := run(t, `
		sum = 0;
		for (i = 0; i < 5; i = i + 1) {
			sum = sum + i;
		}
		sum;
	`)
	if result.AsNumber() != 10 {
		t.Fatalf("got %v, want 10", result.AsNumber())
	}
}

func TestClosureCapturesUpvalue(t *testing.T) {
	result, _ := run(t, `
		func makeCounter() {
			count = 0;
			return func() {
				count = count + 1;
				return count;
			};
		}
		counter = makeCounter();
		counter();
		counter();
		counter();
	`)
	if result.AsNumber() != 3 {
		t.Fatalf("got %v, want 3 (closure must retain its own upvalue across calls)", result.AsNumber())
	}
}

func TestTwoClosuresFromSameCallDoNotShareState(t *testing.T) {
	result, _ := run(t, `
		func makeCounter() {
			count = 0;
			return func() {
				count = count + 1;
				return count;
			};
		}
		a = makeCounter();
		b = makeCounter();
		a();
		a();
		b();
		a() + b();
	`)
	if result.AsNumber() != 5 {
		t.Fatalf("got %v, want 5 (3 from a, 2 from b)", result.AsNumber())
	}
}

func TestTryCatchCatchesThrow(t *testing.T) {
	result, _ := run(t, `
		caught = nil;
		try {
			throw "boom";
		} catch (e) {
			caught = e;
		}
		caught;
	`)
	if result.IsNil() {
		t.Fatalf("expected the thrown value to reach the catch binding")
	}
}

func TestTryCatchFinallyOrdering(t *testing.T) {
	result, _ := run(t, `
		order = [];
		try {
			order = push(order, "try");
			throw "x";
		} catch (e) {
			order = push(order, "catch");
		} finally {
			order = push(order, "finally");
		}
		order;
	`)
	arr := result.AsArray()
	if len(arr.Elements) != 3 {
		t.Fatalf("got %d elements, want 3: %s", len(arr.Elements), result.Print())
	}
	want := []string{"try", "catch", "finally"}
	for i, w := range want {
		if arr.Elements[i].AsString().Value != w {
			t.Errorf("order[%d] = %q, want %q", i, arr.Elements[i].AsString().Value, w)
		}
	}
}

func TestDivisionByZeroIsCatchable(t *testing.T) {
	result, _ := run(t, `
		caught = false;
		try {
			1 / 0;
		} catch (e) {
			caught = true;
		}
		caught;
	`)
	if result.AsBool() != true {
		t.Fatalf("expected division by zero to be caught, got %v", result.AsBool())
	}
}

func TestArrayIndexOutOfBoundsIsCatchable(t *testing.T) {
	result, _ := run(t, `
		caught = false;
		arr = [1, 2, 3];
		try {
			arr[10];
		} catch (e) {
			caught = true;
		}
		caught;
	`)
	if result.AsBool() != true {
		t.Fatalf("expected out-of-bounds index to be caught, got %v", result.AsBool())
	}
}

func TestReturnInsideTryRunsFinally(t *testing.T) {
	result, _ := run(t, `
		sideEffects = [];
		func f() {
			try {
				return 1;
			} finally {
				sideEffects = push(sideEffects, "finally");
			}
		}
		r = f();
		sideEffects = push(sideEffects, r);
		sideEffects;
	`)
	arr := result.AsArray()
	if len(arr.Elements) != 2 {
		t.Fatalf("got %d elements, want 2: %s", len(arr.Elements), result.Print())
	}
	if arr.Elements[0].AsString().Value != "finally" {
		t.Errorf("finally did not run before the call returned: %s", result.Print())
	}
	if arr.Elements[1].AsNumber() != 1 {
		t.Errorf("return value lost, got %s", arr.Elements[1].Print())
	}
}

// TestReturnInsideTryDoesNotDangleHandler is a regression test: a
// return from inside a try body used to leave that try's handler on
// the VM's handler stack pointing at a call frame already popped by
// the return. A later, unrelated throw would then index past the end
// of the (now shorter) frame stack instead of propagating cleanly.
func TestReturnInsideTryDoesNotDangleHandler(t *testing.T) {
	p := parser.New(`
		func f() {
			try {
				return 1;
			} finally {
			}
		}
		f();
		throw "boom";
	`)
	program, perr := p.Parse()
	if perr != nil {
		t.Fatalf("parse error: %v", perr)
	}
	fn, cerr := compiler.Compile(program)
	if cerr != nil {
		t.Fatalf("compile error: %v", cerr)
	}
	host := vm.New()
	_, rerr := host.Run(fn)
	if rerr == nil {
		t.Fatalf("expected the trailing throw to propagate as an uncaught error")
	}
}

func TestThrowInsideCatchStillRunsFinally(t *testing.T) {
	result, _ := run(t, `
		order = [];
		caught = nil;
		try {
			try {
				throw "a";
			} catch (e) {
				order = push(order, "catch");
				throw "b";
			} finally {
				order = push(order, "finally");
			}
		} catch (e) {
			caught = e;
		}
		order;
	`)
	arr := result.AsArray()
	if len(arr.Elements) != 2 {
		t.Fatalf("got %d elements, want 2 (catch, finally): %s", len(arr.Elements), result.Print())
	}
	want := []string{"catch", "finally"}
	for i, w := range want {
		if arr.Elements[i].AsString().Value != w {
			t.Errorf("order[%d] = %q, want %q", i, arr.Elements[i].AsString().Value, w)
		}
	}
}

func TestFunctionDeclarationWritesGlobal(t *testing.T) {
	_, host := run(t, `func add(a, b) { return a + b; }`)
	if _, ok := host.Global("add"); !ok {
		t.Fatalf("expected `func add` to be registered as a global")
	}
}

func TestIndexAssignment(t *testing.T) {
	result, _ := run(t, `
		m = {};
		m["key"] = 42;
		m["key"];
	`)
	if result.AsNumber() != 42 {
		t.Fatalf("got %v, want 42", result.AsNumber())
	}
}
