package embed_test

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kristofer/ember/pkg/embed"
	"github.com/kristofer/ember/pkg/errs"
	"github.com/kristofer/ember/pkg/value"
	"github.com/kristofer/ember/pkg/vfs"
)

// captureStdout redirects os.Stdout for the duration of fn and returns
// everything written to it, for exercising `print` (§6 scenarios 1-4
// are specified in terms of stdout).
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	w.Close()
	out, _ := io.ReadAll(r)
	return string(out)
}

// §8 scenario 1: print(2 + 3 * 4) -> "14\n", exit 0.
func TestScenarioArithmeticAndPrinting(t *testing.T) {
	h := embed.New()
	out := captureStdout(t, func() {
		if _, err := h.Eval(`print(2 + 3 * 4);`); err != nil {
			t.Fatalf("eval error: %v", err)
		}
	})
	if out != "14\n" {
		t.Fatalf("stdout = %q, want %q", out, "14\n")
	}
	if h.HasError() {
		t.Fatalf("unexpected error state: %v", h.GetError())
	}
}

// §8 scenario 2: conditional expression.
func TestScenarioConditionalExpression(t *testing.T) {
	h := embed.New()
	out := captureStdout(t, func() {
		_, err := h.Eval(`x = 10; y = 0; print(if x > y "pos" else "neg");`)
		if err != nil {
			t.Fatalf("eval error: %v", err)
		}
	})
	if out != "pos\n" {
		t.Fatalf("stdout = %q, want %q", out, "pos\n")
	}
}

// §8 scenario 3: try/catch/finally order, handler count returns to 0.
func TestScenarioTryCatchFinallyOrder(t *testing.T) {
	h := embed.New()
	out := captureStdout(t, func() {
		_, err := h.Eval(`try { throw "oops" } catch (e) { print("caught " + e) } finally { print("done") }`)
		if err != nil {
			t.Fatalf("eval error: %v", err)
		}
	})
	if out != "caught oops\ndone\n" {
		t.Fatalf("stdout = %q, want %q", out, "caught oops\ndone\n")
	}
	if h.HandlerCount() != 0 {
		t.Errorf("handler count = %d, want 0 after a fully-handled try", h.HandlerCount())
	}
	if h.FinallyDepth() != 0 {
		t.Errorf("finally depth = %d, want 0", h.FinallyDepth())
	}
}

// §8 scenario 4: division by zero is a catchable runtime error, exit 0.
func TestScenarioDivisionByZeroIsCatchable(t *testing.T) {
	h := embed.New()
	out := captureStdout(t, func() {
		_, err := h.Eval(`try { x = 10 / 0; } catch (e) { print("err"); }`)
		if err != nil {
			t.Fatalf("eval error: %v", err)
		}
	})
	if out != "err\n" {
		t.Fatalf("stdout = %q, want %q", out, "err\n")
	}
	if h.HasError() {
		t.Fatalf("caught error should not leave HasError set: %v", h.GetError())
	}
}

// §8 scenario 5: array out-of-bounds is a Bounds-kind runtime error.
func TestScenarioArrayOutOfBounds(t *testing.T) {
	h := embed.New()
	_, err := h.Eval(`arr = [1,2,3]; v = arr[10];`)
	if err == nil {
		t.Fatalf("expected an out-of-bounds error")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "out of bounds") {
		t.Errorf("error message %q does not mention 'out of bounds'", err.Error())
	}
	if !h.HasError() {
		t.Fatalf("expected HasError after an uncaught runtime error")
	}
	if h.GetError().Kind != errs.Bounds && h.GetError().Kind != errs.Runtime {
		t.Errorf("error kind = %s, want Bounds or Runtime", h.GetError().Kind)
	}
}

// §8 scenario 6: a write through a traversal sequence must fail
// security-kind and must not touch the filesystem outside the mount.
// write_file surfaces the failure as an error-kind return value (a
// native's Throw does not auto-unwind, see DESIGN.md's pkg/natives
// section) rather than as an Eval-level *errs.Error, so the assertion
// inspects the returned value's Kind/AsError().Kind.
func TestScenarioVFSEscapeRefused(t *testing.T) {
	sandbox := t.TempDir()
	h := embed.New()
	if err := h.Mount("/app", sandbox, vfs.ReadWrite); err != nil {
		t.Fatalf("mount: %v", err)
	}

	result, err := h.Eval(`write_file("/app/../etc/passwd", "x");`)
	if err != nil {
		t.Fatalf("eval error: %v", err)
	}
	if result.Kind != value.KindError {
		t.Fatalf("expected an error-kind result refusing the traversal, got %s", result.TypeName())
	}
	if got := result.AsError().Kind; got != string(errs.Security) {
		t.Errorf("error kind = %s, want %s", got, errs.Security)
	}
	if _, statErr := os.Stat(filepath.Join(sandbox, "..", "etc", "passwd")); statErr == nil {
		t.Fatalf("traversal must not have actually written outside the mount")
	}
}

// §8 scenario 6 (variant): a write on a read-only mount is refused too.
func TestScenarioVFSWriteOnReadOnlyMountRefused(t *testing.T) {
	sandbox := t.TempDir()
	h := embed.New()
	if err := h.Mount("/ro", sandbox, vfs.ReadOnly); err != nil {
		t.Fatalf("mount: %v", err)
	}

	result, err := h.Eval(`write_file("/ro/out.txt", "x");`)
	if err != nil {
		t.Fatalf("eval error: %v", err)
	}
	if result.Kind != value.KindError {
		t.Fatalf("expected an error-kind result for a write to a read-only mount, got %s", result.TypeName())
	}
	if got := result.AsError().Kind; got != string(errs.Security) {
		t.Errorf("error kind = %s, want %s", got, errs.Security)
	}
}

// §8 universal invariant: for every eval (success or caught failure),
// exception_handler_count and finally_block_count return to their
// pre-call values.
func TestHandlerAndFinallyCountsReturnToZero(t *testing.T) {
	h := embed.New()
	scripts := []string{
		`try { 1 + 1; } catch (e) { 0; } finally { 0; }`,
		`try { throw "x"; } catch (e) { 0; }`,
		`try { try { throw "x"; } finally { 0; } } catch (e) { 0; }`,
	}
	for _, src := range scripts {
		if _, err := h.Eval(src); err != nil {
			t.Fatalf("eval(%q) error: %v", src, err)
		}
		if h.HandlerCount() != 0 {
			t.Errorf("eval(%q): handler count = %d, want 0", src, h.HandlerCount())
		}
		if h.FinallyDepth() != 0 {
			t.Errorf("eval(%q): finally depth = %d, want 0", src, h.FinallyDepth())
		}
	}
}

// §8 universal invariant: bool(bool(x)) == bool(x); len(split) matches
// segment count; join(split(s,d),d) == s.
func TestStringAndBoolRoundTrips(t *testing.T) {
	h := embed.New()
	result, err := h.Eval(`bool(bool(0)) == bool(0) && bool(bool(5)) == bool(5);`)
	if err != nil {
		t.Fatalf("eval error: %v", err)
	}
	if !result.AsBool() {
		t.Fatalf("bool(bool(x)) != bool(x)")
	}

	result, err = h.Eval(`join(split("a,b,,c", ","), ",");`)
	if err != nil {
		t.Fatalf("eval error: %v", err)
	}
	if result.AsString().Value != "a,b,,c" {
		t.Fatalf("join(split(s,d),d) = %q, want %q", result.AsString().Value, "a,b,,c")
	}

	result, err = h.Eval(`len(split("a,b,,c", ","));`)
	if err != nil {
		t.Fatalf("eval error: %v", err)
	}
	if result.AsNumber() != 4 {
		t.Fatalf("len(split(...)) = %v, want 4", result.AsNumber())
	}
}

// §8 universal invariant: NaN is the one documented exception to
// reflexive equality. sqrt(-1) is the built-in that yields NaN.
func TestNumberNaNIsNeverEqualToItself(t *testing.T) {
	h := embed.New()
	result, err := h.Eval(`n = sqrt(-1); n == n;`)
	if err != nil {
		t.Fatalf("eval error: %v", err)
	}
	if result.AsBool() {
		t.Fatalf("NaN == NaN evaluated true, want false")
	}
}

// ClearError resets HasError/GetError regardless of which stage
// (syntax vs runtime) produced the failure.
func TestClearErrorResetsStateAfterEitherFailureStage(t *testing.T) {
	h := embed.New()
	if _, err := h.Eval(`this is not valid ember syntax }{`); err == nil {
		t.Fatalf("expected a syntax error")
	}
	if !h.HasError() {
		t.Fatalf("expected HasError after a syntax error")
	}
	h.ClearError()
	if h.HasError() {
		t.Fatalf("ClearError did not reset HasError")
	}

	if _, err := h.Eval(`arr = []; arr[0];`); err == nil {
		t.Fatalf("expected a runtime error")
	}
	if !h.HasError() {
		t.Fatalf("expected HasError after a runtime error")
	}
	h.ClearError()
	if h.HasError() {
		t.Fatalf("ClearError did not reset HasError after a runtime failure")
	}
}

// Call invokes a Script-defined global function directly, bypassing
// Eval's parse step (§4.10 call()).
func TestCallInvokesScriptDefinedGlobal(t *testing.T) {
	h := embed.New()
	if _, err := h.Eval(`func add(a, b) { return a + b; }`); err != nil {
		t.Fatalf("eval error: %v", err)
	}
	result, err := h.Call("add", h.MakeNumber(2), h.MakeNumber(3))
	if err != nil {
		t.Fatalf("call error: %v", err)
	}
	if result.AsNumber() != 5 {
		t.Fatalf("add(2, 3) = %v, want 5", result.AsNumber())
	}
}

// §4.5: a caught error value exposes kind and message via '.' access.
func TestCaughtErrorExposesKindAndMessageAccessors(t *testing.T) {
	h := embed.New()
	out := captureStdout(t, func() {
		_, err := h.Eval(`try { x = 10 / 0; } catch (e) { print(e.kind); print(e.message); }`)
		if err != nil {
			t.Fatalf("eval error: %v", err)
		}
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("stdout = %q, want two lines (kind, message)", out)
	}
	if lines[0] == "" {
		t.Errorf("e.kind printed empty, want a non-empty error kind")
	}
	if lines[1] == "" {
		t.Errorf("e.message printed empty, want a non-empty message")
	}
}

// RegisterNative installs a host function callable like any built-in.
func TestRegisterNativeIsCallableFromScript(t *testing.T) {
	h := embed.New()
	h.RegisterNative("triple", 1, func(host value.NativeHost, argv []value.Value) value.Value {
		return value.Number(argv[0].AsNumber() * 3)
	})
	result, err := h.Eval(`triple(4);`)
	if err != nil {
		t.Fatalf("eval error: %v", err)
	}
	if result.AsNumber() != 12 {
		t.Fatalf("triple(4) = %v, want 12", result.AsNumber())
	}
}
