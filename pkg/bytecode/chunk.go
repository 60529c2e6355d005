package bytecode

import "github.com/kristofer/ember/pkg/value"

// Chunk is an immutable-after-compile unit of bytecode: a sequence of
// instructions plus the constant pool they index into. Every
// Instruction carries its own source line, so no separate parallel
// line table is needed (smog's compiler attaches lines the same way).
type Chunk struct {
	Instructions []Instruction
	Constants    []value.Value
	Trys         []TryEntry
	LocalCount   int
}

// UpvalueSource tells MAKE_CLOSURE where to find the live cell for one
// of a Function's upvalues at closure-creation time: either a local
// slot in the frame being closed over, or an upvalue already captured
// by that frame's own closure.
type UpvalueSource struct {
	FromLocal bool
	Index     int
}

// Function is the heap object for a compiled, named function: a Chunk
// plus its arity and upvalue descriptor. It implements
// value.HeapObject so it can be stored directly in a value.Value
// tagged KindFunction; the constant pool it closes over is traced
// through its own Children.
type Function struct {
	Name         string
	Arity        int
	UpvalueNames []string
	Upvalues     []UpvalueSource
	Chunk        *Chunk
	marked       bool
}

func NewFunction(name string, arity int, chunk *Chunk, upvalues []string, sources []UpvalueSource) *Function {
	return &Function{Name: name, Arity: arity, Chunk: chunk, UpvalueNames: upvalues, Upvalues: sources}
}

func (f *Function) Children() []value.Value { return f.Chunk.Constants }
func (f *Function) ApproxSize() int {
	return 64 + 24*len(f.Chunk.Instructions) + 16*len(f.Chunk.Constants)
}
func (f *Function) Marked() bool     { return f.marked }
func (f *Function) SetMarked(b bool) { f.marked = b }

// Closure pairs a Function with the upvalue slots it captured at
// creation time, per the design note that closures model captured
// variables as explicit upvalue slots rather than raw frame pointers
// so they outlive their defining frame safely.
type Closure struct {
	Fn       *Function
	Upvalues []*Upvalue
	marked   bool
}

// Upvalue is a single captured variable cell. Capturing a local
// copies its current value into a fresh cell, so later writes through
// the cell and writes to the defining frame's local are not seen by
// each other; a nested closure that captures an enclosing closure's
// upvalue shares that same cell.
type Upvalue struct {
	Value value.Value
}

func NewClosure(fn *Function, upvalues []*Upvalue) *Closure {
	return &Closure{Fn: fn, Upvalues: upvalues}
}

func (c *Closure) Children() []value.Value {
	children := append([]value.Value{}, c.Fn.Chunk.Constants...)
	for _, uv := range c.Upvalues {
		children = append(children, uv.Value)
	}
	return children
}
func (c *Closure) ApproxSize() int  { return 32 + 8*len(c.Upvalues) }
func (c *Closure) Marked() bool     { return c.marked }
func (c *Closure) SetMarked(b bool) { c.marked = b }
