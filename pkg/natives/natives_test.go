package natives_test

import (
	"testing"

	"github.com/kristofer/ember/pkg/value"
	"github.com/kristofer/ember/pkg/vm"
)

// newHost builds a *vm.VM purely to exercise its value.NativeHost
// implementation; natives.Register already wired every builtin into
// its globals as part of vm.New().
func newHost(t *testing.T) *vm.VM {
	t.Helper()
	return vm.New()
}

func global(t *testing.T, host *vm.VM, name string) value.Value {
	t.Helper()
	g, ok := host.Global(name)
	if !ok {
		t.Fatalf("native %q not registered", name)
	}
	return g
}

func callNative(t *testing.T, host *vm.VM, name string, argv ...value.Value) value.Value {
	t.Helper()
	n := global(t, host, name)
	if n.Kind != value.KindNative {
		t.Fatalf("%q is not a native value", name)
	}
	return n.Object().(*value.Native).Fn(host, argv)
}

func TestLenAcrossKinds(t *testing.T) {
	host := newHost(t)
	s := callNative(t, host, "len", host.NewString("hello"))
	if s.AsNumber() != 5 {
		t.Errorf("len(\"hello\") = %v, want 5", s.AsNumber())
	}
	arr := host.NewArray([]value.Value{value.Number(1), value.Number(2)})
	if callNative(t, host, "len", arr).AsNumber() != 2 {
		t.Errorf("len(array) did not return 2")
	}
	if !callNative(t, host, "len", value.Number(3)).IsNil() {
		t.Errorf("len(number) should return nil, the arity-mismatch default")
	}
}

func TestSplitJoinRoundTrip(t *testing.T) {
	host := newHost(t)
	parts := callNative(t, host, "split", host.NewString("a,b,,c"), host.NewString(","))
	if got := len(parts.AsArray().Elements); got != 4 {
		t.Fatalf("split produced %d segments, want 4 (empty segments preserved)", got)
	}
	joined := callNative(t, host, "join", parts, host.NewString(","))
	if joined.AsString().Value != "a,b,,c" {
		t.Errorf("join(split(s, d), d) = %q, want %q", joined.AsString().Value, "a,b,,c")
	}
}

func TestSubstr(t *testing.T) {
	host := newHost(t)
	got := callNative(t, host, "substr", host.NewString("hello world"), value.Number(6))
	if got.AsString().Value != "world" {
		t.Errorf("substr(s, 6) = %q, want %q", got.AsString().Value, "world")
	}
	got = callNative(t, host, "substr", host.NewString("hello world"), value.Number(0), value.Number(5))
	if got.AsString().Value != "hello" {
		t.Errorf("substr(s, 0, 5) = %q, want %q", got.AsString().Value, "hello")
	}
	if !callNative(t, host, "substr", host.NewString("hi"), value.Number(99)).IsNil() {
		t.Errorf("substr out of range should return nil")
	}
}

func TestStartsEndsWith(t *testing.T) {
	host := newHost(t)
	if !callNative(t, host, "starts_with", host.NewString("hello"), host.NewString("he")).AsBool() {
		t.Errorf("starts_with should be true")
	}
	if !callNative(t, host, "ends_with", host.NewString("hello"), host.NewString("lo")).AsBool() {
		t.Errorf("ends_with should be true")
	}
}

func TestNumInt(t *testing.T) {
	host := newHost(t)
	n := callNative(t, host, "num", host.NewString("3.5"))
	if n.AsNumber() != 3.5 {
		t.Errorf("num(\"3.5\") = %v, want 3.5", n.AsNumber())
	}
	i := callNative(t, host, "int", host.NewString("3.9"))
	if i.AsNumber() != 3 {
		t.Errorf("int(\"3.9\") = %v, want 3", i.AsNumber())
	}
	if !callNative(t, host, "num", host.NewString("not a number")).IsNil() {
		t.Errorf("num of non-numeric string should return nil")
	}
}

func TestMathNatives(t *testing.T) {
	host := newHost(t)
	if callNative(t, host, "abs", value.Number(-4)).AsNumber() != 4 {
		t.Errorf("abs(-4) != 4")
	}
	if callNative(t, host, "max", value.Number(3), value.Number(7)).AsNumber() != 7 {
		t.Errorf("max(3, 7) != 7")
	}
	if callNative(t, host, "pow", value.Number(2), value.Number(10)).AsNumber() != 1024 {
		t.Errorf("pow(2, 10) != 1024")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	host := newHost(t)
	arr := host.NewArray([]value.Value{value.Number(1), value.Number(2), host.NewString("x")})
	encoded := callNative(t, host, "json_stringify", arr)
	if !callNative(t, host, "json_validate", encoded).AsBool() {
		t.Fatalf("json_validate rejected json_stringify's own output: %q", encoded.AsString().Value)
	}
	decoded := callNative(t, host, "json_parse", encoded)
	if decoded.Kind != value.KindArray || len(decoded.AsArray().Elements) != 3 {
		t.Fatalf("json_parse(json_stringify(arr)) did not round-trip, got %+v", decoded)
	}
}

func TestJSONValidateRejectsGarbage(t *testing.T) {
	host := newHost(t)
	if callNative(t, host, "json_validate", host.NewString("{not json")).AsBool() {
		t.Errorf("json_validate should reject malformed input")
	}
}

func TestSha256KnownVector(t *testing.T) {
	host := newHost(t)
	got := callNative(t, host, "sha256", host.NewString(""))
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got.AsString().Value != want {
		t.Errorf("sha256(\"\") = %s, want %s", got.AsString().Value, want)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	host := newHost(t)
	enc := callNative(t, host, "base64_encode", host.NewString("ember"))
	dec := callNative(t, host, "base64_decode", enc)
	if dec.AsString().Value != "ember" {
		t.Errorf("base64 round trip failed, got %q", dec.AsString().Value)
	}
}

func TestGzipRoundTrip(t *testing.T) {
	host := newHost(t)
	enc := callNative(t, host, "gzip_compress", host.NewString("a repeated repeated repeated string"))
	dec := callNative(t, host, "gzip_decompress", enc)
	if dec.AsString().Value != "a repeated repeated repeated string" {
		t.Errorf("gzip round trip failed, got %q", dec.AsString().Value)
	}
}

func TestRegexNatives(t *testing.T) {
	host := newHost(t)
	if !callNative(t, host, "regex_match", host.NewString("^a+$"), host.NewString("aaa")).AsBool() {
		t.Errorf("regex_match should match")
	}
	all := callNative(t, host, "regex_find_all", host.NewString("[0-9]+"), host.NewString("a1 b22 c333"))
	if len(all.AsArray().Elements) != 3 {
		t.Errorf("regex_find_all found %d matches, want 3", len(all.AsArray().Elements))
	}
	replaced := callNative(t, host, "regex_replace", host.NewString("[0-9]+"), host.NewString("a1 b2"), host.NewString("#"))
	if replaced.AsString().Value != "a# b#" {
		t.Errorf("regex_replace = %q, want %q", replaced.AsString().Value, "a# b#")
	}
}

func TestDateFormatParseRoundTrip(t *testing.T) {
	host := newHost(t)
	ts := value.Number(1700000000)
	formatted := callNative(t, host, "date_format", ts, host.NewString("date"))
	parsed := callNative(t, host, "date_parse", formatted, host.NewString("date"))
	reformatted := callNative(t, host, "date_format", parsed, host.NewString("date"))
	if reformatted.AsString().Value != formatted.AsString().Value {
		t.Errorf("date round trip mismatch: %q vs %q", formatted.AsString().Value, reformatted.AsString().Value)
	}
}

func TestArityMismatchReturnsNilByDefault(t *testing.T) {
	host := newHost(t)
	if !callNative(t, host, "abs").IsNil() {
		t.Errorf("calling abs with wrong arity should return nil, not error")
	}
}

func TestArityMismatchErrorsForStrictNatives(t *testing.T) {
	host := newHost(t)
	got := callNative(t, host, "sha256")
	if got.Kind != value.KindError {
		t.Errorf("calling sha256 with wrong arity should raise a Type error, got %s", got.TypeName())
	}
}
