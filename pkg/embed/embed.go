// Package embed is ember's public embedding API (§4.10): new_vm,
// free_vm, eval, call, register_native, value constructors, and the
// has_error/get_error/clear_error trio, all wrapping pkg/vm plus the
// parse/compile pipeline so a host program never touches pkg/vm,
// pkg/parser, or pkg/compiler directly.
package embed

import (
	"github.com/kristofer/ember/pkg/compiler"
	"github.com/kristofer/ember/pkg/errs"
	"github.com/kristofer/ember/pkg/module"
	"github.com/kristofer/ember/pkg/parser"
	"github.com/kristofer/ember/pkg/value"
	"github.com/kristofer/ember/pkg/vfs"
	"github.com/kristofer/ember/pkg/vm"
	"github.com/rs/zerolog"
)

// VM is one embedded interpreter instance: its own heap, globals,
// module cache, and VFS, independent of any other VM (§4.2, §4.8).
type VM struct {
	vm        *vm.VM
	loader    *module.Loader
	lastError *errs.Error
}

// New creates a VM with every §4.6/§5 native already registered and a
// module loader wired in as its Importer (new_vm).
func New() *VM {
	v := vm.New()
	l := module.New(v)
	return &VM{vm: v, loader: l}
}

// Free drops the VM's heap and module cache. The underlying
// interpreter holds no native (non-Go-GC'd) resources, so this is a
// no-op beyond releasing the reference (free_vm).
func (h *VM) Free() {
	h.vm = nil
	h.loader = nil
}

// SetLogger attaches a structured logger shared by the VM and its
// module loader.
func (h *VM) SetLogger(log zerolog.Logger) {
	h.vm.SetLogger(log)
	h.loader.SetLogger(log)
}

// Eval parses and runs source as the VM's top-level program (eval). It
// returns the program's result (nil unless the source's last statement
// was a bare expression, per pkg/compiler's top-level convention) and
// an error on any syntax or runtime failure. A runtime failure also
// leaves the VM's HasError/GetError state set, per §7; a syntax or
// compile failure happens before Run ever starts, so Eval records it
// the same way itself, keeping the trio consistent regardless of which
// stage failed.
func (h *VM) Eval(source string) (value.Value, *errs.Error) {
	p := parser.New(source)
	program, perr := p.Parse()
	if perr != nil {
		err := errs.New(errs.Syntax, "%v", perr)
		h.lastError = err
		return value.Nil(), err
	}
	fn, cerr := compiler.Compile(program)
	if cerr != nil {
		err := errs.New(errs.Syntax, "%v", cerr)
		h.lastError = err
		return value.Nil(), err
	}
	result, rerr := h.vm.Run(fn)
	if rerr != nil {
		h.lastError = rerr
		return value.Nil(), rerr
	}
	return result, nil
}

// Call invokes a named global function — native or Script-defined —
// with argv (call).
func (h *VM) Call(name string, argv ...value.Value) (value.Value, *errs.Error) {
	result, err := h.vm.Call(name, argv)
	if err != nil {
		h.lastError = err
		return value.Nil(), err
	}
	return result, nil
}

// RegisterNative installs a host function under name, callable from
// Script exactly like a built-in (register_native).
func (h *VM) RegisterNative(name string, arity int, fn value.NativeFunc) {
	h.vm.SetGlobal(name, value.FromObject(value.KindNative, value.NewNative(name, arity, fn)))
}

// --- value constructors (§4.10 make_*) ---

func (h *VM) MakeString(s string) value.Value           { return h.vm.NewString(s) }
func (h *VM) MakeArray(elems []value.Value) value.Value { return h.vm.NewArray(elems) }
func (h *VM) MakeMap() value.Value                      { return h.vm.NewMap() }
func (h *VM) MakeSet() value.Value                      { return h.vm.NewSet() }
func (h *VM) MakeNumber(f float64) value.Value          { return value.Number(f) }
func (h *VM) MakeBool(b bool) value.Value               { return value.Bool(b) }
func (h *VM) MakeNil() value.Value                      { return value.Nil() }

// --- error API (§4.10, §7) ---

func (h *VM) HasError() bool        { return h.lastError != nil }
func (h *VM) GetError() *errs.Error { return h.lastError }
func (h *VM) ClearError() {
	h.lastError = nil
	h.vm.ClearError()
}

// --- VFS / module path configuration shared by the CLI and embedders ---

func (h *VM) Mount(virtual, host string, mode vfs.Mode) *errs.Error {
	return h.vm.VFS().Mount(virtual, host, mode)
}

func (h *VM) ApplyMountsEnv(spec string) *errs.Error { return h.vm.VFS().ApplyMountsEnv(spec) }

func (h *VM) AddModulePath(dir string) *errs.Error { return h.loader.AddModulePath(dir) }

// --- invariant-inspection accessors, used by the §8 test scenarios ---

func (h *VM) HandlerCount() int { return h.vm.HandlerCount() }
func (h *VM) FinallyDepth() int { return h.vm.FinallyDepth() }

// EnableDebugger turns on the interactive breakpoint/step debugger
// (cmd/ember's --debug flag) and returns it so the caller can seed
// breakpoints before running a script.
func (h *VM) EnableDebugger() *vm.Debugger { return h.vm.EnableDebugger() }
