// Package vm implements ember's bytecode virtual machine: the
// stack-based interpreter loop, call frames, globals, the exception
// handler stack, and the native-function calling convention.
//
// Structurally this follows github.com/kristofer/smog/pkg/vm/vm.go:
// a flat operand stack, a fixed-size stack array, a dispatch loop over
// decoded instructions, and a frame-based call stack for error
// reporting. The teacher VM dispatches Smalltalk message sends
// (SEND/SUPER_SEND) against interface{} receivers and a class table;
// this VM dispatches the language core's explicit stack-machine opcode
// set (§4.3-§4.4) against value.Value and a bytecode.Chunk, adding the
// exception/finally handler stack (§4.5) the teacher never needed.
package vm

import (
	"math"

	"github.com/kristofer/ember/pkg/bytecode"
	"github.com/kristofer/ember/pkg/errs"
	"github.com/kristofer/ember/pkg/heap"
	"github.com/kristofer/ember/pkg/natives"
	"github.com/kristofer/ember/pkg/value"
	"github.com/kristofer/ember/pkg/vfs"
	"github.com/rs/zerolog"
)

// StackMax is the fixed operand-stack capacity (§3 "stack_top in
// [0, STACK_MAX]"). It also bounds how deep locals+temporaries across
// every active call frame may grow before a security error fires.
const StackMax = 2048

// MaxCallFrames bounds recursion depth; exceeding it raises the
// "[SECURITY] stack depth exceeded" error from §4.5.
const MaxCallFrames = 256

// MaxHandlers is the fixed ceiling on simultaneously active try
// handlers, per §5's "fixed max exception-handler count (e.g. 64)".
const MaxHandlers = 64

// Importer is implemented by the module loader so the VM can execute
// OpImport without importing package module itself (module already
// imports vm to run a module's top level; vm importing module back
// would cycle). Set by assigning the VM.Importer field directly.
type Importer interface {
	Import(name string) (value.Value, error)
}

// frame is one call-frame record: the function/closure being
// executed, its instruction pointer, and the base offset into the
// operand stack where its locals begin (§4.4).
type frame struct {
	fn       *bytecode.Function
	upvalues []*bytecode.Upvalue
	ip       int
	base     int
	name     string
}

// handler is one entry on the exception-handler stack, installed by
// TRY_PUSH and tagged with the frame it belongs to so THROW can pop
// enclosing call frames down to whichever handler actually catches
// (§4.5 transition 2).
type handler struct {
	frameIndex  int
	stackHeight int
	entry       bytecode.TryEntry
}

// VM is one independent interpreter instance: its own heap, operand
// stack, globals, module table, and mount-free of any other VM's
// state, per the single-threaded-execution-unit model (§5).
type VM struct {
	stack [StackMax]value.Value
	sp    int

	frames []frame

	globals map[string]value.Value
	modules map[string]value.Value

	handlers     []handler
	handlerFloor int
	finallyDepth int

	hasPending       bool
	pendingException value.Value

	// hasPendingReturn/pendingReturnValue carry a RETURN/RETURN_VALUE
	// across any finally blocks it must run first, the same way
	// hasPending/pendingException carry a propagating exception across
	// them: startReturn suspends into FINALLY_BEGIN.. and OpFinallyEnd
	// resumes it once the finally completes (§4.5).
	hasPendingReturn   bool
	pendingReturnValue value.Value

	heap *heap.Heap
	vfs  *vfs.VFS

	Importer Importer

	// lastError is the most recent uncaught error surfaced across the
	// embedding boundary, retained until cleared or overwritten by the
	// next Eval/Call (§4.10 error API).
	lastError *errs.Error

	log zerolog.Logger

	// debugger is nil unless EnableDebugger has been called; run()
	// checks it on every iteration so an idle (unwired) debugger costs
	// one nil check per instruction.
	debugger *Debugger
}

// New creates a VM with an initialized heap, default VFS mounts, a
// disabled (no-op) logger, and every §4.6 native already registered
// into globals (package natives has no dependency on package vm, so
// wiring it in here carries no import cycle). Callers that want
// instruction tracing call SetLogger.
func New() *VM {
	vm := &VM{
		globals: make(map[string]value.Value),
		modules: make(map[string]value.Value),
		heap:    heap.New(),
		vfs:     vfs.New(),
		log:     zerolog.Nop(),
	}
	natives.Register(vm.globals)
	return vm
}

// VFS exposes the VM's mount table so the CLI and module loader can
// add mounts/module paths against the same sandboxed view the file
// builtins use.
func (vm *VM) VFS() *vfs.VFS { return vm.vfs }

// SetLogger attaches a structured logger; the VM emits debug-level
// per-instruction traces and info-level GC/module-load lines through
// it, following other_examples/…rgehrsitz-rex…runtime.go's
// log.Debug().Int("ip", …).Str("opcode", …) convention.
func (vm *VM) SetLogger(l zerolog.Logger) {
	vm.log = l
	vm.vfs.SetLogger(l)
}

// Heap exposes the VM's heap for diagnostics (GC-stress tests, §8
// scenario 8) and for natives that need to allocate.
func (vm *VM) Heap() *heap.Heap { return vm.heap }

// Globals exposes the globals table for the embedding API and the
// module loader (module top-level execution snapshots this).
func (vm *VM) Globals() map[string]value.Value { return vm.globals }

// SetGlobal installs a global (used by the embedding API's
// RegisterNative).
func (vm *VM) SetGlobal(name string, v value.Value) { vm.globals[name] = v }

// Global looks up a global by name.
func (vm *VM) Global(name string) (value.Value, bool) { v, ok := vm.globals[name]; return v, ok }

// Module and SetModule expose the module table the loader caches
// loaded modules in (§4.7), rooted for GC via collectGarbage.
func (vm *VM) Module(name string) (value.Value, bool) { v, ok := vm.modules[name]; return v, ok }
func (vm *VM) SetModule(name string, v value.Value)   { vm.modules[name] = v }

// HandlerCount and FinallyDepth expose the two invariants §4.5 and §8
// require to return to their pre-eval counts after every successful
// eval/call.
func (vm *VM) HandlerCount() int  { return len(vm.handlers) }
func (vm *VM) FinallyDepth() int  { return vm.finallyDepth }
func (vm *VM) StackTop() int      { return vm.sp }

// EnableDebugger lazily creates this VM's debugger and enables it, so
// run()'s per-instruction ShouldPause check starts firing. Returned so
// a caller (cmd/ember's --debug flag) can set breakpoints/step mode on
// it directly.
func (vm *VM) EnableDebugger() *Debugger {
	if vm.debugger == nil {
		vm.debugger = NewDebugger(vm)
	}
	vm.debugger.Enable()
	return vm.debugger
}

// GetDebugger returns the attached debugger, or nil if EnableDebugger
// was never called.
func (vm *VM) GetDebugger() *Debugger { return vm.debugger }

// LastError and ClearError implement the embedding API's has_error/
// get_error/clear_error trio (§4.10, §7).
func (vm *VM) LastError() *errs.Error { return vm.lastError }
func (vm *VM) HasError() bool         { return vm.lastError != nil }
func (vm *VM) ClearError()            { vm.lastError = nil }

// push/pop are the primitive stack operations every opcode handler
// uses; push enforces the StackMax ceiling as a catchable security
// error rather than a Go panic.
func (vm *VM) push(v value.Value) *errs.Error {
	if vm.sp >= StackMax {
		return errs.New(errs.Security, "[SECURITY] stack depth exceeded")
	}
	vm.stack[vm.sp] = v
	vm.sp++
	return nil
}

func (vm *VM) pop() value.Value {
	vm.sp--
	v := vm.stack[vm.sp]
	vm.stack[vm.sp] = value.Value{}
	return v
}

func (vm *VM) peek(distance int) value.Value { return vm.stack[vm.sp-1-distance] }

func (vm *VM) currentFrame() *frame { return &vm.frames[len(vm.frames)-1] }

// Run executes fn (a top-level script) from a clean stack and returns
// either the single result value left behind (per §8's "stack_top = 0
// ... else exactly 1") or a propagated *errs.Error. It is the engine
// behind Eval; module top-level execution uses RunNested instead (see
// below), since a plain Run would clobber whatever script is already
// mid-execution when an import statement is reached.
func (vm *VM) Run(fn *bytecode.Function) (value.Value, *errs.Error) {
	vm.sp = 0
	vm.frames = vm.frames[:0]
	vm.hasPending = false
	vm.hasPendingReturn = false

	result, rerr := vm.runFrame(fn)
	if rerr != nil {
		vm.lastError = rerr
		return value.Nil(), rerr
	}
	return result, nil
}

// RunNested executes fn (a freshly compiled module's top level) on top
// of whatever script is already running, without disturbing its
// operand stack or call frames (§4.7 transition 4). OpImport is
// dispatched from inside the very run() loop an enclosing script is
// using, so resetting sp/frames the way Run does would corrupt or
// truncate the caller's own in-flight execution the moment `import`
// appears anywhere but as the program's first instruction.
//
// The exception-handler floor is raised for the duration so a runtime
// error during the module's own top level unwinds only the module's
// own try/catch/finally blocks and returns as an *errs.Error (an import
// failure, §4.7 point 5) rather than escaping into a handler installed
// by the importing script.
func (vm *VM) RunNested(fn *bytecode.Function) (value.Value, *errs.Error) {
	return vm.runFrame(fn)
}

// runFrame pushes fn as a new call frame on top of the current operand
// stack and runs the dispatch loop until that frame (and anything it
// calls) completes, restoring the pre-call exception-handler/finally
// counts and stack height before returning. Used by both Run (after
// the caller has reset sp/frames to start a fresh top-level program)
// and RunNested (which leaves the existing stack and frames intact).
func (vm *VM) runFrame(fn *bytecode.Function) (value.Value, *errs.Error) {
	if len(vm.frames) >= MaxCallFrames {
		return value.Nil(), errs.New(errs.Security, "[SECURITY] stack depth exceeded")
	}

	preFrames := len(vm.frames)
	preHandlers := len(vm.handlers)
	preFinally := vm.finallyDepth
	prevFloor := vm.handlerFloor
	vm.handlerFloor = preHandlers

	// Reserve a dummy "callee" slot the way CALL would, so doReturn's
	// base-1 (where the return value lands) always lands on a slot this
	// call reserved, never one belonging to an enclosing frame.
	calleeSlot := vm.sp
	if err := vm.push(value.Nil()); err != nil {
		vm.handlerFloor = prevFloor
		return value.Nil(), err
	}
	base := vm.sp
	for i := 0; i < fn.Chunk.LocalCount; i++ {
		if err := vm.push(value.Nil()); err != nil {
			vm.sp = calleeSlot
			vm.handlerFloor = prevFloor
			return value.Nil(), err
		}
	}
	vm.frames = append(vm.frames, frame{fn: fn, ip: 0, base: base, name: fn.Name})

	result, rerr := vm.run()

	vm.handlers = vm.handlers[:preHandlers]
	vm.finallyDepth = preFinally
	vm.handlerFloor = prevFloor
	if rerr != nil {
		// An exception that exhausts every handler down to this call's
		// own floor returns straight out of run() without unwinding the
		// frames/stack a matched handler would have: restore both by
		// hand so an enclosing script (one that merely triggered this
		// nested call via import) sees its own frames/stack untouched.
		vm.frames = vm.frames[:preFrames]
		vm.sp = calleeSlot
		return value.Nil(), rerr
	}
	return result, nil
}

// Call invokes a named global (native or Script function) with argv,
// per the embedding API (§4.10). Result is returned directly rather
// than left on an operand stack the host can't see.
func (vm *VM) Call(name string, argv []value.Value) (value.Value, *errs.Error) {
	callee, ok := vm.globals[name]
	if !ok {
		return value.Nil(), errs.New(errs.Runtime, "no such global function %q", name)
	}

	preHandlers := len(vm.handlers)
	preFinally := vm.finallyDepth
	prevFloor := vm.handlerFloor
	vm.handlerFloor = preHandlers
	vm.sp = 0
	vm.frames = vm.frames[:0]
	vm.hasPending = false
	vm.hasPendingReturn = false

	if err := vm.push(callee); err != nil {
		vm.handlerFloor = prevFloor
		return value.Nil(), err
	}
	for _, a := range argv {
		if err := vm.push(a); err != nil {
			vm.handlerFloor = prevFloor
			return value.Nil(), err
		}
	}
	if err := vm.dispatchCall(len(argv)); err != nil {
		vm.handlers = vm.handlers[:preHandlers]
		vm.finallyDepth = preFinally
		vm.handlerFloor = prevFloor
		vm.lastError = err
		return value.Nil(), err
	}

	var result value.Value
	var rerr *errs.Error
	if len(vm.frames) == 0 {
		// Native call: dispatchCall already left the result on the stack.
		result = vm.pop()
	} else {
		result, rerr = vm.run()
	}

	vm.handlers = vm.handlers[:preHandlers]
	vm.finallyDepth = preFinally
	vm.handlerFloor = prevFloor
	if rerr != nil {
		vm.lastError = rerr
		return value.Nil(), rerr
	}
	return result, nil
}

// run is the dispatch loop shared by Run and Call once the initial
// frame (or native dispatch) is already on the stack.
func (vm *VM) run() (value.Value, *errs.Error) {
	baseFrameCount := len(vm.frames)

	for {
		if vm.heap.ShouldCollect() {
			vm.collectGarbage()
		}

		framesBefore := len(vm.frames)
		fr := vm.currentFrame()

		if vm.debugger != nil && vm.debugger.ShouldPause() {
			if !vm.debugger.InteractivePrompt() {
				return value.Nil(), errs.New(errs.Runtime, "debugging session terminated")
			}
		}

		if fr.ip >= len(fr.fn.Chunk.Instructions) {
			// Fell off the end without an explicit RETURN: implicit nil return.
			if err := vm.doReturn(value.Nil()); err != nil {
				if uerr := vm.unwind(errorValueOf(err)); uerr != nil {
					return value.Nil(), uerr
				}
				continue
			}
			if len(vm.frames) < baseFrameCount {
				return vm.pop(), nil
			}
			continue
		}

		inst := fr.fn.Chunk.Instructions[fr.ip]
		fr.ip++

		vm.log.Debug().Int("ip", fr.ip-1).Str("opcode", inst.Op.String()).Int("sp", vm.sp).Msg("instruction")

		if err := vm.exec(inst, fr); err != nil {
			if uerr := vm.unwind(errorValueOf(err)); uerr != nil {
				return value.Nil(), uerr
			}
			continue
		}

		if len(vm.frames) < framesBefore && len(vm.frames) < baseFrameCount {
			return vm.pop(), nil
		}
	}
}

func errorValueOf(e *errs.Error) value.Value {
	obj := value.NewError(string(e.Kind), e.Message)
	if e.Location != nil {
		obj.File, obj.Line, obj.Column, obj.LineText = e.Location.File, e.Location.Line, e.Location.Column, e.Location.LineText
	}
	for _, s := range e.Stack {
		obj.Stack = append(obj.Stack, value.StackEntry{FunctionName: s.FunctionName, SourceLine: s.SourceLine})
	}
	return value.FromObject(value.KindError, obj)
}

// CollectNow forces one mark-sweep cycle using the VM's current root
// set, regardless of the allocation watermark. Exposed for GC-stress
// assertions (§8 scenario 8) that want to observe the heap settled
// rather than mid-cycle.
func (vm *VM) CollectNow() { vm.collectGarbage() }

// collectGarbage gathers every root named in §4.2/§3 and runs one
// mark-sweep cycle: the operand stack (which also holds every active
// frame's locals, per the base-pointer design), globals, the module
// table, and any exception currently in flight.
func (vm *VM) collectGarbage() {
	roots := make([]value.Value, 0, vm.sp+len(vm.globals)+len(vm.modules)+1)
	roots = append(roots, vm.stack[:vm.sp]...)
	for _, v := range vm.globals {
		roots = append(roots, v)
	}
	for _, v := range vm.modules {
		roots = append(roots, v)
	}
	if vm.hasPending {
		roots = append(roots, vm.pendingException)
	}
	if vm.hasPendingReturn {
		roots = append(roots, vm.pendingReturnValue)
	}
	before := vm.heap.LiveObjects()
	vm.heap.Collect(roots)
	vm.log.Info().Int("before", before).Int("after", vm.heap.LiveObjects()).Msg("gc cycle")
}

// --- allocation helpers used by opcode handlers and the NativeHost interface ---

func (vm *VM) NewString(s string) value.Value {
	obj := value.NewString(s)
	vm.heap.Alloc(obj)
	return value.FromObject(value.KindString, obj)
}

func (vm *VM) NewArray(elems []value.Value) value.Value {
	obj := value.NewArray(elems)
	vm.heap.Alloc(obj)
	return value.FromObject(value.KindArray, obj)
}

func (vm *VM) NewMap() value.Value {
	obj := value.NewMap()
	vm.heap.Alloc(obj)
	return value.FromObject(value.KindMap, obj)
}

func (vm *VM) NewSet() value.Value {
	obj := value.NewSet()
	vm.heap.Alloc(obj)
	return value.FromObject(value.KindSet, obj)
}

func (vm *VM) NewError(kind, message string) value.Value {
	obj := value.NewError(kind, message)
	vm.heap.Alloc(obj)
	return value.FromObject(value.KindError, obj)
}

// Throw is the NativeHost hook natives use to report an error: it
// returns a new error value for the native to return as its result.
// It does not unwind the handler stack; a script raises the value
// with an explicit `throw`.
func (vm *VM) Throw(kind, message string) value.Value {
	return vm.NewError(kind, message)
}

// errorField implements the kind/message accessors a caught error
// object exposes to Script via '.' access (§4.5: "appears to Script
// code as an error-object with kind and message accessors"). Any other
// field name is nil rather than a Type error, matching the missing-key
// behavior of '.' access on a map.
func (vm *VM) errorField(e *value.ErrorObj, name string) value.Value {
	switch name {
	case "kind":
		return vm.NewString(e.Kind)
	case "message":
		return vm.NewString(e.Message)
	case "file":
		return vm.NewString(e.File)
	case "line":
		return value.Number(float64(e.Line))
	default:
		return value.Nil()
	}
}

// ReadFile, WriteFile, and FileExists implement the remaining
// value.NativeHost methods by delegating to the VM's sandboxed VFS
// (§4.8); natives never touch os.* directly.
func (vm *VM) ReadFile(path string) ([]byte, error) {
	data, err := vm.vfs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (vm *VM) WriteFile(path string, data []byte, appendMode bool) error {
	if err := vm.vfs.WriteFile(path, data, appendMode); err != nil {
		return err
	}
	return nil
}

func (vm *VM) FileExists(path string) bool { return vm.vfs.FileExists(path) }

// --- opcode dispatch ---

func (vm *VM) exec(inst bytecode.Instruction, fr *frame) *errs.Error {
	switch inst.Op {
	case bytecode.OpPushConst:
		return vm.push(fr.fn.Chunk.Constants[inst.Operand])
	case bytecode.OpPushNil:
		return vm.push(value.Nil())
	case bytecode.OpPushTrue:
		return vm.push(value.Bool(true))
	case bytecode.OpPushFalse:
		return vm.push(value.Bool(false))
	case bytecode.OpPop:
		vm.pop()
		return nil
	case bytecode.OpDup:
		return vm.push(vm.peek(0))

	case bytecode.OpLoadLocal:
		return vm.push(vm.stack[fr.base+inst.Operand])
	case bytecode.OpStoreLocal:
		vm.stack[fr.base+inst.Operand] = vm.peek(0)
		return nil
	case bytecode.OpLoadGlobal:
		name := fr.fn.Chunk.Constants[inst.Operand].AsString().Value
		v, ok := vm.globals[name]
		if !ok {
			v = value.Nil()
		}
		return vm.push(v)
	case bytecode.OpStoreGlobal:
		name := fr.fn.Chunk.Constants[inst.Operand].AsString().Value
		vm.globals[name] = vm.peek(0)
		return nil
	case bytecode.OpLoadUpvalue:
		return vm.push(fr.upvalues[inst.Operand].Value)
	case bytecode.OpStoreUpvalue:
		fr.upvalues[inst.Operand].Value = vm.peek(0)
		return nil

	case bytecode.OpAdd:
		return vm.binaryAdd()
	case bytecode.OpSub:
		return vm.binaryArith(inst.Op)
	case bytecode.OpMul:
		return vm.binaryArith(inst.Op)
	case bytecode.OpDiv:
		return vm.binaryArith(inst.Op)
	case bytecode.OpMod:
		return vm.binaryArith(inst.Op)
	case bytecode.OpNeg:
		v := vm.pop()
		if !v.IsNumber() {
			return errs.New(errs.Type, "unary - requires a number")
		}
		return vm.push(value.Number(-v.AsNumber()))

	case bytecode.OpNot:
		v := vm.pop()
		return vm.push(value.Bool(!v.Truthy()))
	case bytecode.OpEq:
		b := vm.pop()
		a := vm.pop()
		return vm.push(value.Bool(a.Equal(b)))
	case bytecode.OpNeq:
		b := vm.pop()
		a := vm.pop()
		return vm.push(value.Bool(!a.Equal(b)))
	case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		return vm.compare(inst.Op)
	case bytecode.OpAnd:
		b := vm.pop()
		a := vm.pop()
		return vm.push(value.Bool(a.Truthy() && b.Truthy()))
	case bytecode.OpOr:
		b := vm.pop()
		a := vm.pop()
		return vm.push(value.Bool(a.Truthy() || b.Truthy()))

	case bytecode.OpJump:
		fr.ip = inst.Operand
		return nil
	case bytecode.OpJumpIfFalse:
		if !vm.peek(0).Truthy() {
			fr.ip = inst.Operand
		}
		return nil
	case bytecode.OpLoop:
		fr.ip = inst.Operand
		return nil

	case bytecode.OpReturn:
		return vm.startReturn(value.Nil(), fr)
	case bytecode.OpReturnValue:
		return vm.startReturn(vm.pop(), fr)

	case bytecode.OpCall:
		return vm.dispatchCall(inst.Operand)
	case bytecode.OpMakeClosure:
		return vm.makeClosure(inst.Operand, fr)

	case bytecode.OpNewArray:
		elems := make([]value.Value, inst.Operand)
		for i := inst.Operand - 1; i >= 0; i-- {
			elems[i] = vm.pop()
		}
		return vm.push(vm.NewArray(elems))
	case bytecode.OpNewMap:
		m := vm.NewMap()
		mv := m.AsMap()
		entries := make([]value.Value, 2*inst.Operand)
		for i := range entries {
			entries[len(entries)-1-i] = vm.pop()
		}
		for i := 0; i < inst.Operand; i++ {
			mv.Set(entries[2*i], entries[2*i+1])
		}
		return vm.push(m)
	case bytecode.OpNewSet:
		s := vm.NewSet()
		sv := s.AsSet()
		elems := make([]value.Value, inst.Operand)
		for i := inst.Operand - 1; i >= 0; i-- {
			elems[i] = vm.pop()
		}
		for _, e := range elems {
			sv.Add(e)
		}
		return vm.push(s)
	case bytecode.OpIndexGet:
		return vm.indexGet()
	case bytecode.OpIndexSet:
		return vm.indexSet()
	case bytecode.OpDotGet:
		name := fr.fn.Chunk.Constants[inst.Operand].AsString().Value
		recv := vm.pop()
		if recv.Kind == value.KindError {
			return vm.push(vm.errorField(recv.AsError(), name))
		}
		if recv.Kind != value.KindMap {
			return errs.New(errs.Type, "'.' access requires a map, got %s", recv.TypeName())
		}
		v, ok := recv.AsMap().Get(value.FromObject(value.KindString, value.NewString(name)))
		if !ok {
			v = value.Nil()
		}
		return vm.push(v)

	case bytecode.OpTryPush:
		if len(vm.handlers) >= MaxHandlers {
			return errs.New(errs.Security, "[SECURITY] exception handler limit exceeded")
		}
		entry := fr.fn.Chunk.Trys[inst.Operand]
		vm.handlers = append(vm.handlers, handler{
			frameIndex:  len(vm.frames) - 1,
			stackHeight: vm.sp,
			entry:       entry,
		})
		return nil
	case bytecode.OpTryPop:
		h := vm.handlers[len(vm.handlers)-1]
		vm.handlers = vm.handlers[:len(vm.handlers)-1]
		if h.entry.HasFinally {
			fr.ip = h.entry.FinallyOffset
		} else {
			fr.ip = h.entry.AfterOffset
		}
		return nil
	case bytecode.OpThrow:
		v := vm.pop()
		return vm.unwind(v)
	case bytecode.OpFinallyBegin:
		vm.finallyDepth++
		// Drop the synthetic catch-guard handler pushed by unwind when it
		// jumped into this same try's catch block (§4.5): control reaching
		// FINALLY_BEGIN here by falling out of a catch body that neither
		// threw nor returned means the guard has done its job and must not
		// outlive the construct it was protecting.
		if n := len(vm.handlers); n > 0 {
			top := vm.handlers[n-1]
			if top.frameIndex == len(vm.frames)-1 && !top.entry.HasCatch &&
				top.entry.HasFinally && top.entry.FinallyOffset == fr.ip-1 {
				vm.handlers = vm.handlers[:n-1]
			}
		}
		return nil
	case bytecode.OpFinallyEnd:
		vm.finallyDepth--
		if vm.hasPending {
			exc := vm.pendingException
			vm.hasPending = false
			vm.hasPendingReturn = false
			return vm.unwind(exc)
		}
		if vm.hasPendingReturn {
			v := vm.pendingReturnValue
			vm.hasPendingReturn = false
			return vm.startReturn(v, fr)
		}
		return nil

	case bytecode.OpImport:
		name := fr.fn.Chunk.Constants[inst.Operand].AsString().Value
		if vm.Importer == nil {
			return errs.New(errs.Import, "no module loader configured")
		}
		exports, err := vm.Importer.Import(name)
		if err != nil {
			if ee, ok := err.(*errs.Error); ok {
				return ee
			}
			return errs.New(errs.Import, "%v", err)
		}
		return vm.push(exports)

	default:
		return errs.New(errs.Runtime, "unknown opcode %s", inst.Op)
	}
}

func (vm *VM) doReturn(result value.Value) *errs.Error {
	fr := vm.frames[len(vm.frames)-1]
	vm.frames = vm.frames[:len(vm.frames)-1]
	vm.sp = fr.base - 1
	return vm.push(result)
}

// startReturn implements RETURN/RETURN_VALUE (§4.4). A bare doReturn
// would pop the current frame out from under any try handler that
// frame had installed and never reached TRY_POP for: the handler would
// both skip its finally (§4.5 "finally ... executes regardless") and
// dangle on vm.handlers pointing at a frame index that no longer
// exists, corrupting a later THROW's unwind. So before the frame is
// actually popped, retire every handler still belonging to it: one
// with a finally suspends the return into that finally (resumed by
// OpFinallyEnd below once it completes) and one without is simply
// dropped, since there's nothing left to run for it.
func (vm *VM) startReturn(result value.Value, fr *frame) *errs.Error {
	frameIdx := len(vm.frames) - 1
	for len(vm.handlers) > 0 {
		h := vm.handlers[len(vm.handlers)-1]
		if h.frameIndex != frameIdx {
			break
		}
		vm.handlers = vm.handlers[:len(vm.handlers)-1]
		if h.entry.HasFinally {
			vm.hasPendingReturn = true
			vm.pendingReturnValue = result
			fr.ip = h.entry.FinallyOffset
			return nil
		}
	}
	return vm.doReturn(result)
}

func (vm *VM) binaryAdd() *errs.Error {
	b := vm.pop()
	a := vm.pop()
	if a.IsNumber() && b.IsNumber() {
		return vm.push(value.Number(a.AsNumber() + b.AsNumber()))
	}
	if a.Kind == value.KindString && b.Kind == value.KindString {
		return vm.push(vm.NewString(a.AsString().Value + b.AsString().Value))
	}
	return errs.New(errs.Type, "+ requires two numbers or two strings, got %s and %s", a.TypeName(), b.TypeName())
}

func (vm *VM) binaryArith(op bytecode.Opcode) *errs.Error {
	b := vm.pop()
	a := vm.pop()
	if !a.IsNumber() || !b.IsNumber() {
		return errs.New(errs.Type, "arithmetic requires two numbers, got %s and %s", a.TypeName(), b.TypeName())
	}
	x, y := a.AsNumber(), b.AsNumber()
	switch op {
	case bytecode.OpSub:
		return vm.push(value.Number(x - y))
	case bytecode.OpMul:
		return vm.push(value.Number(x * y))
	case bytecode.OpDiv:
		if y == 0 {
			return errs.New(errs.Runtime, "Division by zero")
		}
		return vm.push(value.Number(x / y))
	case bytecode.OpMod:
		if y == 0 {
			return errs.New(errs.Runtime, "Division by zero")
		}
		return vm.push(value.Number(math.Mod(x, y)))
	}
	return errs.New(errs.Runtime, "unreachable arithmetic opcode %s", op)
}

func (vm *VM) compare(op bytecode.Opcode) *errs.Error {
	b := vm.pop()
	a := vm.pop()
	var less, equal bool
	switch {
	case a.IsNumber() && b.IsNumber():
		less = a.AsNumber() < b.AsNumber()
		equal = a.AsNumber() == b.AsNumber()
	case a.Kind == value.KindString && b.Kind == value.KindString:
		as, bs := a.AsString().Value, b.AsString().Value
		less = as < bs
		equal = as == bs
	default:
		return errs.New(errs.Type, "comparison requires two numbers or two strings, got %s and %s", a.TypeName(), b.TypeName())
	}
	switch op {
	case bytecode.OpLt:
		return vm.push(value.Bool(less))
	case bytecode.OpLe:
		return vm.push(value.Bool(less || equal))
	case bytecode.OpGt:
		return vm.push(value.Bool(!less && !equal))
	case bytecode.OpGe:
		return vm.push(value.Bool(!less))
	}
	return errs.New(errs.Runtime, "unreachable comparison opcode %s", op)
}

func (vm *VM) indexGet() *errs.Error {
	idx := vm.pop()
	coll := vm.pop()
	switch coll.Kind {
	case value.KindArray:
		arr := coll.AsArray()
		if !idx.IsNumber() {
			return errs.New(errs.Type, "array index must be a number, got %s", idx.TypeName())
		}
		i := int(idx.AsNumber())
		if i < 0 || i >= len(arr.Elements) {
			return errs.New(errs.Bounds, "Index out of bounds")
		}
		return vm.push(arr.Elements[i])
	case value.KindMap:
		v, ok := coll.AsMap().Get(idx)
		if !ok {
			return vm.push(value.Nil())
		}
		return vm.push(v)
	case value.KindString:
		s := coll.AsString().Value
		if !idx.IsNumber() {
			return errs.New(errs.Type, "string index must be a number, got %s", idx.TypeName())
		}
		i := int(idx.AsNumber())
		if i < 0 || i >= len(s) {
			return errs.New(errs.Bounds, "Index out of bounds")
		}
		return vm.push(vm.NewString(string(s[i])))
	default:
		return errs.New(errs.Type, "cannot index a %s", coll.TypeName())
	}
}

func (vm *VM) indexSet() *errs.Error {
	val := vm.pop()
	idx := vm.pop()
	coll := vm.pop()
	switch coll.Kind {
	case value.KindArray:
		arr := coll.AsArray()
		if !idx.IsNumber() {
			return errs.New(errs.Type, "array index must be a number, got %s", idx.TypeName())
		}
		i := int(idx.AsNumber())
		if i < 0 || i >= len(arr.Elements) {
			return errs.New(errs.Bounds, "Index out of bounds")
		}
		arr.Elements[i] = val
	case value.KindMap:
		coll.AsMap().Set(idx, val)
	default:
		return errs.New(errs.Type, "cannot index-assign a %s", coll.TypeName())
	}
	return vm.push(val)
}

// dispatchCall implements CALL argc (§4.4): native callees invoke
// directly and leave their result on the stack; Script callees push a
// new frame and let the dispatch loop take over.
func (vm *VM) dispatchCall(argc int) *errs.Error {
	callee := vm.stack[vm.sp-argc-1]
	switch callee.Kind {
	case value.KindNative:
		native := callee.Object().(*value.Native)
		argv := append([]value.Value(nil), vm.stack[vm.sp-argc:vm.sp]...)
		result := native.Fn(vm, argv)
		vm.sp = vm.sp - argc - 1
		return vm.push(result)
	case value.KindFunction:
		return vm.callFunction(callee.Object(), argc)
	default:
		return errs.New(errs.Type, "cannot call a %s", callee.TypeName())
	}
}

func (vm *VM) callFunction(obj value.HeapObject, argc int) *errs.Error {
	if len(vm.frames) >= MaxCallFrames {
		return errs.New(errs.Security, "[SECURITY] stack depth exceeded")
	}

	var fn *bytecode.Function
	var upvalues []*bytecode.Upvalue
	switch f := obj.(type) {
	case *bytecode.Function:
		fn = f
	case *bytecode.Closure:
		fn = f.Fn
		upvalues = f.Upvalues
	default:
		return errs.New(errs.Type, "cannot call a non-function object")
	}

	base := vm.sp - argc
	localCount := fn.Chunk.LocalCount
	if localCount < argc {
		vm.sp = base + localCount
	} else {
		for i := argc; i < localCount; i++ {
			vm.stack[base+i] = value.Nil()
		}
		vm.sp = base + localCount
	}

	vm.frames = append(vm.frames, frame{fn: fn, upvalues: upvalues, ip: 0, base: base, name: fn.Name})
	return nil
}

func (vm *VM) makeClosure(constIdx int, fr *frame) *errs.Error {
	fn := fr.fn.Chunk.Constants[constIdx].Object().(*bytecode.Function)
	if len(fn.Upvalues) == 0 {
		return vm.push(value.FromObject(value.KindFunction, fn))
	}
	captured := make([]*bytecode.Upvalue, len(fn.Upvalues))
	for i, src := range fn.Upvalues {
		if src.FromLocal {
			captured[i] = &bytecode.Upvalue{Value: vm.stack[fr.base+src.Index]}
		} else {
			captured[i] = fr.upvalues[src.Index]
		}
	}
	closure := bytecode.NewClosure(fn, captured)
	vm.heap.Alloc(closure)
	return vm.push(value.FromObject(value.KindFunction, closure))
}

// unwind implements THROW's handler search (§4.5 transitions 2-5): pop
// handlers until one both matches and can absorb the exception (HasCatch),
// running any finally blocks encountered along the way. If the handler
// stack is exhausted, the exception propagates out of Run/Call.
func (vm *VM) unwind(excValue value.Value) *errs.Error {
	vm.hasPending = true
	vm.pendingException = excValue

	// Never pop past vm.handlerFloor: those entries belong to a script
	// that is merely suspended beneath the current nested runFrame call
	// (e.g. the script that triggered a module import), not to this
	// execution, and must stay untouched (§4.7 point 5 — a module's own
	// uncaught error is an import failure, not a catch in the caller).
	for len(vm.handlers) > vm.handlerFloor {
		h := vm.handlers[len(vm.handlers)-1]
		vm.handlers = vm.handlers[:len(vm.handlers)-1]

		if h.frameIndex+1 < len(vm.frames) {
			vm.frames = vm.frames[:h.frameIndex+1]
		}
		vm.sp = h.stackHeight

		fr := &vm.frames[h.frameIndex]

		if h.entry.HasCatch {
			vm.stack[fr.base+h.entry.BindingSlot] = vm.pendingException
			vm.hasPending = false
			fr.ip = h.entry.CatchOffset
			if h.entry.HasFinally {
				// The handler that got us here is already gone, but this
				// try's own finally must still run if the catch body itself
				// throws or returns rather than completing normally (§4.5
				// "finally ... executes regardless"). Push a finally-only
				// guard in its place so a re-throw/return finds it; normal
				// completion of the catch drops it again at FINALLY_BEGIN.
				guard := h.entry
				guard.HasCatch = false
				vm.handlers = append(vm.handlers, handler{
					frameIndex:  h.frameIndex,
					stackHeight: h.stackHeight,
					entry:       guard,
				})
			}
			return nil
		}
		if h.entry.HasFinally {
			fr.ip = h.entry.FinallyOffset
			// pendingException stays set; FINALLY_END resumes the search
			// once this finally block completes, per §4.5 transition 5.
			return nil
		}
		// Neither catch nor finally: nothing to do here, keep unwinding.
	}

	return fmtUncaught(vm.pendingException)
}

func fmtUncaught(v value.Value) *errs.Error {
	if v.Kind == value.KindError {
		e := v.AsError()
		err := errs.New(errs.Kind(e.Kind), "%s", e.Message)
		if e.File != "" || e.Line != 0 {
			err = err.WithLocation(e.File, e.Line, e.Column, e.LineText)
		}
		for _, s := range e.Stack {
			err.Stack = append(err.Stack, errs.StackEntry{FunctionName: s.FunctionName, SourceLine: s.SourceLine})
		}
		return err
	}
	return errs.New(errs.Runtime, "uncaught: %s", v.Print())
}
