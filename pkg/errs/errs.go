// Package errs defines the closed error-kind taxonomy every other
// package in ember returns, generalized from the teacher's
// RuntimeError/StackFrame pair (github.com/kristofer/smog/pkg/vm/errors.go)
// to the {Syntax, Runtime, Type, Bounds, Memory, Security, IO, Import}
// set the language core specifies (§7).
package errs

import (
	"fmt"
	"strings"
)

// Kind is the closed set of error categories a Script-visible error
// object can carry. Tooling (and the catch binding's `.kind` accessor)
// distinguishes behavior by this tag rather than by string matching
// on Message.
type Kind string

const (
	Syntax  Kind = "Syntax"
	Runtime Kind = "Runtime"
	Type    Kind = "Type"
	Bounds  Kind = "Bounds"
	Memory  Kind = "Memory"
	Security Kind = "Security"
	IO      Kind = "IO"
	Import  Kind = "Import"
)

// Location pins an error to a position in source text, when the
// producing layer has one available (the parser always does; the VM
// does via the bytecode chunk's per-instruction line).
type Location struct {
	File     string
	Line     int
	Column   int
	LineText string
}

// StackEntry is one captured call-stack frame at the moment an error
// was raised.
type StackEntry struct {
	FunctionName string
	SourceLine   int
}

// Error is the single error type every ember package returns across
// its own API boundary (parser, compiler, vm, module, vfs, pkginstall,
// embed). It implements the stdlib error interface so it composes with
// %w/errors.Is/errors.As at call sites that don't care about Kind.
type Error struct {
	Kind     Kind
	Message  string
	Location *Location // nil if no source position is known
	Stack    []StackEntry
	// Security marks a Security-kind error that tooling should treat
	// specially (stack overflow, VFS escape, handler-limit exceeded,
	// unvalidated name) per §7's "unwindable but marked" requirement.
	// Kept distinct from Kind==Security for forward compatibility even
	// though today every Security-kind error also sets this.
	Security bool
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Security: kind == Security}
}

func (e *Error) WithLocation(file string, line, column int, lineText string) *Error {
	e.Location = &Location{File: file, Line: line, Column: column, LineText: lineText}
	return e
}

func (e *Error) WithStack(stack []StackEntry) *Error {
	e.Stack = stack
	return e
}

// Error implements the stdlib error interface: a one-line diagnostic
// suitable for the CLI's "file:line:column: message" output (§7).
func (e *Error) Error() string {
	var b strings.Builder
	if e.Location != nil && e.Location.Line > 0 {
		if e.Location.File != "" {
			fmt.Fprintf(&b, "%s:", e.Location.File)
		}
		fmt.Fprintf(&b, "%d:%d: ", e.Location.Line, e.Location.Column)
	}
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	for i := len(e.Stack) - 1; i >= 0; i-- {
		frame := e.Stack[i]
		fmt.Fprintf(&b, "\n  at %s (line %d)", frame.FunctionName, frame.SourceLine)
	}
	return b.String()
}

// Is lets errors.Is(err, errs.Security) style checks work by comparing
// Kind when the target is itself an *Error with no Message set.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel zero-message errors usable with errors.Is(err, errs.ErrSecurityKind).
var (
	ErrSyntaxKind   = &Error{Kind: Syntax}
	ErrRuntimeKind  = &Error{Kind: Runtime}
	ErrTypeKind     = &Error{Kind: Type}
	ErrBoundsKind   = &Error{Kind: Bounds}
	ErrMemoryKind   = &Error{Kind: Memory}
	ErrSecurityKind = &Error{Kind: Security}
	ErrIOKind       = &Error{Kind: IO}
	ErrImportKind   = &Error{Kind: Import}
)
