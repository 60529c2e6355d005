// Package compiler compiles ember's AST into bytecode.Chunk/Function
// values the VM can run.
//
// Structurally this keeps github.com/kristofer/smog/pkg/compiler's
// overall shape: a single Compiler walking the AST and emitting into a
// flat instruction list while tracking a symbol table of local slots.
// Three things are generalized past what the teacher's compiler did:
//
//   - The teacher emitted one opcode (SEND) for every operation via a
//     class/selector dispatch; this compiler emits the language core's
//     explicit opcode set (§4.3) — arithmetic, comparison, jumps,
//     indexing, exceptions — each opcode doing one thing.
//   - Nested function literals need upvalue resolution (clox-style:
//     an enclosing-Compiler chain, resolveLocal/resolveUpvalue walking
//     outward), which the teacher's flat single-scope compiler never
//     needed since Smalltalk blocks weren't in scope for this port.
//   - try/catch/finally compiles into the TRY_PUSH/TRY_POP/THROW/
//     FINALLY_BEGIN/FINALLY_END opcode sequence described in §4.5,
//     something smog has no equivalent of at all.
//
// Scoping: per ast.BlockStatement's own doc comment, blocks introduce
// no new lexical scope — if/while/for/try bodies share their enclosing
// function's flat locals-slot space. The first assignment to a name
// that isn't already a local or upvalue declares a new local slot in
// the current function; only a named `func` declaration or an
// `import` statement ever writes to the globals table,
// matching §9's "there is no global mutable state at the language
// level" design note.
package compiler

import (
	"fmt"

	"github.com/kristofer/ember/pkg/ast"
	"github.com/kristofer/ember/pkg/bytecode"
	"github.com/kristofer/ember/pkg/value"
)

// localVar is one named local slot in the Compiler currently being
// built; slots are never reclaimed mid-function since blocks add no
// new scope.
type localVar struct {
	name string
	slot int
}

// upvalueRef records how MAKE_CLOSURE should populate one upvalue slot
// for the function this Compiler is building: captured directly from a
// local in the immediately enclosing function, or forwarded from an
// upvalue the enclosing function itself already captured.
type upvalueRef struct {
	name      string
	fromLocal bool
	index     int
}

// Compiler compiles one function body (or the top-level program, which
// is compiled as a zero-arity "<script>" function) into a
// bytecode.Chunk. Compiling a nested function literal creates a child
// Compiler with `enclosing` set, so upvalue resolution can walk
// outward through the lexical nesting.
type Compiler struct {
	enclosing *Compiler

	instructions []bytecode.Instruction
	constants    []value.Value
	trys         []bytecode.TryEntry

	locals   []localVar
	upvalues []upvalueRef
}

func newCompiler(enclosing *Compiler, params []string) *Compiler {
	c := &Compiler{enclosing: enclosing}
	for _, p := range params {
		c.declareLocal(p)
	}
	return c
}

// Compile compiles a parsed program into a callable top-level Function
// (§4.3/§4.4): a script or module's top level is itself a zero-arity
// function the VM runs exactly like any other callee. If the final
// top-level statement is a bare expression, its value is left as the
// function's result (RETURN_VALUE) rather than discarded, so eval/the
// REPL have something meaningful to report (§6, §8 "expression
// result"); every other statement shape implicitly returns nil.
func Compile(program *ast.Program) (*bytecode.Function, error) {
	c := newCompiler(nil, nil)
	return c.compileProgram(program)
}

func (c *Compiler) compileProgram(program *ast.Program) (*bytecode.Function, error) {
	stmts := program.Statements
	for i, stmt := range stmts {
		if i == len(stmts)-1 {
			if exprStmt, ok := stmt.(*ast.ExpressionStatement); ok {
				if err := c.compileExpression(exprStmt.Expression); err != nil {
					return nil, err
				}
				c.emit(bytecode.OpReturnValue, 0, exprStmt.Line)
				return bytecode.NewFunction("<script>", 0, c.finish(), nil, nil), nil
			}
		}
		if err := c.compileStatement(stmt); err != nil {
			return nil, err
		}
	}
	c.emit(bytecode.OpReturn, 0, 0)
	return bytecode.NewFunction("<script>", 0, c.finish(), nil, nil), nil
}

func (c *Compiler) finish() *bytecode.Chunk {
	return &bytecode.Chunk{
		Instructions: c.instructions,
		Constants:    c.constants,
		Trys:         c.trys,
		LocalCount:   len(c.locals),
	}
}

func (c *Compiler) emit(op bytecode.Opcode, operand int, line int) {
	c.instructions = append(c.instructions, bytecode.Instruction{Op: op, Operand: operand, Line: line})
}

// emitJump appends a jump with a placeholder target and returns its
// index for a later patchJump call. JUMP/JUMP_IF_FALSE/LOOP operands
// are absolute instruction indices (the VM sets fr.ip = inst.Operand
// directly), so patching just means filling in the real index once
// it's known.
func (c *Compiler) emitJump(op bytecode.Opcode) int {
	c.instructions = append(c.instructions, bytecode.Instruction{Op: op, Operand: -1})
	return len(c.instructions) - 1
}

func (c *Compiler) patchJump(idx int) {
	c.instructions[idx].Operand = len(c.instructions)
}

func (c *Compiler) addConstant(v value.Value) int {
	c.constants = append(c.constants, v)
	return len(c.constants) - 1
}

func (c *Compiler) constString(s string) int {
	return c.addConstant(value.FromObject(value.KindString, value.NewString(s)))
}

// declareLocal allocates a new local slot; locals are never removed
// mid-function (see package doc), so slot indices only ever grow.
func (c *Compiler) declareLocal(name string) int {
	slot := len(c.locals)
	c.locals = append(c.locals, localVar{name: name, slot: slot})
	return slot
}

func (c *Compiler) resolveLocal(name string) (int, bool) {
	for i := len(c.locals) - 1; i >= 0; i-- {
		if c.locals[i].name == name {
			return c.locals[i].slot, true
		}
	}
	return 0, false
}

// resolveUpvalue walks outward through the enclosing-Compiler chain
// (clox-style), capturing the first local it finds directly and
// threading anything found further out through each intervening
// function's own upvalue list.
func (c *Compiler) resolveUpvalue(name string) (int, bool) {
	if c.enclosing == nil {
		return 0, false
	}
	if slot, ok := c.enclosing.resolveLocal(name); ok {
		return c.addUpvalue(name, true, slot), true
	}
	if idx, ok := c.enclosing.resolveUpvalue(name); ok {
		return c.addUpvalue(name, false, idx), true
	}
	return 0, false
}

func (c *Compiler) addUpvalue(name string, fromLocal bool, index int) int {
	for i, u := range c.upvalues {
		if u.name == name && u.fromLocal == fromLocal && u.index == index {
			return i
		}
	}
	c.upvalues = append(c.upvalues, upvalueRef{name: name, fromLocal: fromLocal, index: index})
	return len(c.upvalues) - 1
}

// --- statements ---

func (c *Compiler) compileStatement(stmt ast.Statement) error {
	switch s := stmt.(type) {
	case *ast.ExpressionStatement:
		if err := c.compileExpression(s.Expression); err != nil {
			return err
		}
		c.emit(bytecode.OpPop, 0, s.Line)
		return nil
	case *ast.BlockStatement:
		return c.compileBlock(s)
	case *ast.IfStatement:
		return c.compileIf(s)
	case *ast.WhileStatement:
		return c.compileWhile(s)
	case *ast.ForStatement:
		return c.compileFor(s)
	case *ast.TryStatement:
		return c.compileTry(s)
	case *ast.ThrowStatement:
		if err := c.compileExpression(s.Value); err != nil {
			return err
		}
		c.emit(bytecode.OpThrow, 0, s.Line)
		return nil
	case *ast.ReturnStatement:
		if s.Value != nil {
			if err := c.compileExpression(s.Value); err != nil {
				return err
			}
			c.emit(bytecode.OpReturnValue, 0, s.Line)
		} else {
			c.emit(bytecode.OpReturn, 0, s.Line)
		}
		return nil
	case *ast.ImportStatement:
		return c.compileImport(s)
	case *ast.FunctionDeclaration:
		return c.compileFunctionDeclaration(s)
	default:
		return fmt.Errorf("compiler: unknown statement type %T", stmt)
	}
}

func (c *Compiler) compileBlock(b *ast.BlockStatement) error {
	for _, stmt := range b.Statements {
		if err := c.compileStatement(stmt); err != nil {
			return err
		}
	}
	return nil
}

// compileIf emits the standard condition/JUMP_IF_FALSE/then/JUMP/else
// pattern. JUMP_IF_FALSE only peeks its operand (§4.4), so both arms
// explicitly pop the condition value before running.
func (c *Compiler) compileIf(s *ast.IfStatement) error {
	if err := c.compileExpression(s.Condition); err != nil {
		return err
	}
	thenJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emit(bytecode.OpPop, 0, 0)
	if err := c.compileStatement(s.Then); err != nil {
		return err
	}
	elseJump := c.emitJump(bytecode.OpJump)
	c.patchJump(thenJump)
	c.emit(bytecode.OpPop, 0, 0)
	if s.Else != nil {
		if err := c.compileStatement(s.Else); err != nil {
			return err
		}
	}
	c.patchJump(elseJump)
	return nil
}

func (c *Compiler) compileWhile(s *ast.WhileStatement) error {
	loopStart := len(c.instructions)
	if err := c.compileExpression(s.Condition); err != nil {
		return err
	}
	exitJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emit(bytecode.OpPop, 0, 0)
	if err := c.compileStatement(s.Body); err != nil {
		return err
	}
	c.emit(bytecode.OpLoop, loopStart, 0)
	c.patchJump(exitJump)
	c.emit(bytecode.OpPop, 0, 0)
	return nil
}

// compileFor desugars the three-clause for loop into compare+jump
// opcodes at compile time, per the design note that "the for loop is a
// desugaring emitted by the parser into compare+jump opcodes" — here
// performed by the compiler, since the parser hands over a structured
// ForStatement rather than raw jumps.
func (c *Compiler) compileFor(s *ast.ForStatement) error {
	if s.Init != nil {
		if err := c.compileStatement(s.Init); err != nil {
			return err
		}
	}
	loopStart := len(c.instructions)
	exitJump := -1
	if s.Condition != nil {
		if err := c.compileExpression(s.Condition); err != nil {
			return err
		}
		exitJump = c.emitJump(bytecode.OpJumpIfFalse)
		c.emit(bytecode.OpPop, 0, 0)
	}
	if err := c.compileStatement(s.Body); err != nil {
		return err
	}
	if s.Post != nil {
		if err := c.compileStatement(s.Post); err != nil {
			return err
		}
	}
	c.emit(bytecode.OpLoop, loopStart, 0)
	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emit(bytecode.OpPop, 0, 0)
	}
	return nil
}

// compileTry lays out try/catch/finally per §4.5:
//
//	TRY_PUSH idx
//	<try body>
//	TRY_POP                  -- normal exit: jumps to FinallyOffset or AfterOffset
//	<catch body>              -- only present if HasCatch; entered directly
//	                             via THROW's handler search, never by
//	                             fall-through from TRY_POP
//	FINALLY_BEGIN             -- only present if HasFinally; catch falls
//	<finally body>               through into here when both are present,
//	FINALLY_END                  so finally always runs after catch
//	<after>
func (c *Compiler) compileTry(s *ast.TryStatement) error {
	idx := len(c.trys)
	c.trys = append(c.trys, bytecode.TryEntry{})

	c.emit(bytecode.OpTryPush, idx, s.Line)
	if err := c.compileBlock(s.Try); err != nil {
		return err
	}
	c.emit(bytecode.OpTryPop, 0, 0)

	entry := bytecode.TryEntry{BindingSlot: -1}

	if s.Catch != nil {
		entry.HasCatch = true
		entry.CatchOffset = len(c.instructions)
		entry.BindingSlot = c.declareLocal(s.CatchParam)
		if err := c.compileBlock(s.Catch); err != nil {
			return err
		}
	}

	if s.Finally != nil {
		entry.HasFinally = true
		entry.FinallyOffset = len(c.instructions)
		c.emit(bytecode.OpFinallyBegin, 0, 0)
		if err := c.compileBlock(s.Finally); err != nil {
			return err
		}
		c.emit(bytecode.OpFinallyEnd, 0, 0)
	}

	entry.AfterOffset = len(c.instructions)
	c.trys[idx] = entry
	return nil
}

// compileImport binds an imported module's exports to a global of the
// same name (so `import mathutils; mathutils.add(1, 2)` resolves
// mathutils via LOAD_GLOBAL like any other identifier) — a design
// choice filling in what §4.7 leaves unspecified about how an imported
// module's exports become addressable from the importing script.
func (c *Compiler) compileImport(s *ast.ImportStatement) error {
	nameIdx := c.constString(s.Name)
	c.emit(bytecode.OpImport, nameIdx, 0)
	c.emit(bytecode.OpStoreGlobal, nameIdx, 0)
	c.emit(bytecode.OpPop, 0, 0)
	return nil
}

func (c *Compiler) compileFunctionDeclaration(s *ast.FunctionDeclaration) error {
	fn, err := c.compileFunctionBody(s.Name, s.Parameters, s.Body)
	if err != nil {
		return err
	}
	fnIdx := c.addConstant(value.FromObject(value.KindFunction, fn))
	c.emit(bytecode.OpMakeClosure, fnIdx, 0)
	nameIdx := c.constString(s.Name)
	c.emit(bytecode.OpStoreGlobal, nameIdx, 0)
	c.emit(bytecode.OpPop, 0, 0)
	return nil
}

func (c *Compiler) compileFunctionBody(name string, params []string, body *ast.BlockStatement) (*bytecode.Function, error) {
	fc := newCompiler(c, params)
	if err := fc.compileBlock(body); err != nil {
		return nil, err
	}
	fc.emit(bytecode.OpReturn, 0, 0)

	upNames := make([]string, len(fc.upvalues))
	upSources := make([]bytecode.UpvalueSource, len(fc.upvalues))
	for i, u := range fc.upvalues {
		upNames[i] = u.name
		upSources[i] = bytecode.UpvalueSource{FromLocal: u.fromLocal, Index: u.index}
	}
	return bytecode.NewFunction(name, len(params), fc.finish(), upNames, upSources), nil
}

// --- expressions ---

func (c *Compiler) compileExpression(expr ast.Expression) error {
	switch e := expr.(type) {
	case *ast.NumberLiteral:
		c.emit(bytecode.OpPushConst, c.addConstant(value.Number(e.Value)), 0)
	case *ast.StringLiteral:
		c.emit(bytecode.OpPushConst, c.constString(e.Value), 0)
	case *ast.BooleanLiteral:
		if e.Value {
			c.emit(bytecode.OpPushTrue, 0, 0)
		} else {
			c.emit(bytecode.OpPushFalse, 0, 0)
		}
	case *ast.NilLiteral:
		c.emit(bytecode.OpPushNil, 0, 0)
	case *ast.Identifier:
		c.compileIdentifier(e)
	case *ast.ArrayLiteral:
		for _, el := range e.Elements {
			if err := c.compileExpression(el); err != nil {
				return err
			}
		}
		c.emit(bytecode.OpNewArray, len(e.Elements), 0)
	case *ast.MapLiteral:
		for _, entry := range e.Entries {
			if err := c.compileExpression(entry.Key); err != nil {
				return err
			}
			if err := c.compileExpression(entry.Value); err != nil {
				return err
			}
		}
		c.emit(bytecode.OpNewMap, len(e.Entries), 0)
	case *ast.SetLiteral:
		for _, el := range e.Elements {
			if err := c.compileExpression(el); err != nil {
				return err
			}
		}
		c.emit(bytecode.OpNewSet, len(e.Elements), 0)
	case *ast.Assignment:
		return c.compileAssignment(e)
	case *ast.BinaryExpression:
		return c.compileBinary(e)
	case *ast.UnaryExpression:
		return c.compileUnary(e)
	case *ast.CallExpression:
		return c.compileCall(e)
	case *ast.IndexExpression:
		if err := c.compileExpression(e.Collection); err != nil {
			return err
		}
		if err := c.compileExpression(e.Index); err != nil {
			return err
		}
		c.emit(bytecode.OpIndexGet, 0, e.Line)
	case *ast.DotExpression:
		if err := c.compileExpression(e.Receiver); err != nil {
			return err
		}
		c.emit(bytecode.OpDotGet, c.constString(e.Name), 0)
	case *ast.IfExpression:
		return c.compileIfExpression(e)
	case *ast.FunctionLiteral:
		return c.compileFunctionLiteral(e)
	default:
		return fmt.Errorf("compiler: unknown expression type %T", expr)
	}
	return nil
}

func (c *Compiler) compileIdentifier(e *ast.Identifier) {
	if slot, ok := c.resolveLocal(e.Name); ok {
		c.emit(bytecode.OpLoadLocal, slot, 0)
		return
	}
	if idx, ok := c.resolveUpvalue(e.Name); ok {
		c.emit(bytecode.OpLoadUpvalue, idx, 0)
		return
	}
	c.emit(bytecode.OpLoadGlobal, c.constString(e.Name), 0)
}

func (c *Compiler) compileAssignment(e *ast.Assignment) error {
	switch target := e.Target.(type) {
	case *ast.Identifier:
		if err := c.compileExpression(e.Value); err != nil {
			return err
		}
		if slot, ok := c.resolveLocal(target.Name); ok {
			c.emit(bytecode.OpStoreLocal, slot, e.Line)
			return nil
		}
		if idx, ok := c.resolveUpvalue(target.Name); ok {
			c.emit(bytecode.OpStoreUpvalue, idx, e.Line)
			return nil
		}
		// First assignment to an unresolved name declares a new local
		// in the current function (see package doc): there is no
		// `var`/`let` keyword, so this is the only place ordinary
		// variables come into existence.
		slot := c.declareLocal(target.Name)
		c.emit(bytecode.OpStoreLocal, slot, e.Line)
		return nil
	case *ast.IndexExpression:
		if err := c.compileExpression(target.Collection); err != nil {
			return err
		}
		if err := c.compileExpression(target.Index); err != nil {
			return err
		}
		if err := c.compileExpression(e.Value); err != nil {
			return err
		}
		c.emit(bytecode.OpIndexSet, 0, e.Line)
		return nil
	default:
		return fmt.Errorf("compiler: invalid assignment target %T", e.Target)
	}
}

// compileBinary handles arithmetic/comparison directly; && and || are
// delegated to short-circuiting jump sequences rather than the plain
// OpAnd/OpOr opcodes, since §4.3 specifies short-circuit evaluation
// ("AND, OR (short-circuit via jumps)") and a single binary opcode
// can't skip evaluating its own right-hand operand. OpAnd/OpOr remain
// in the opcode set (and the VM still implements them) for any other
// bytecode producer that wants eager boolean combination; this
// compiler just never emits them.
func (c *Compiler) compileBinary(e *ast.BinaryExpression) error {
	switch e.Operator {
	case "&&":
		return c.compileLogicalAnd(e)
	case "||":
		return c.compileLogicalOr(e)
	}
	if err := c.compileExpression(e.Left); err != nil {
		return err
	}
	if err := c.compileExpression(e.Right); err != nil {
		return err
	}
	switch e.Operator {
	case "+":
		c.emit(bytecode.OpAdd, 0, 0)
	case "-":
		c.emit(bytecode.OpSub, 0, 0)
	case "*":
		c.emit(bytecode.OpMul, 0, 0)
	case "/":
		c.emit(bytecode.OpDiv, 0, 0)
	case "%":
		c.emit(bytecode.OpMod, 0, 0)
	case "==":
		c.emit(bytecode.OpEq, 0, 0)
	case "!=":
		c.emit(bytecode.OpNeq, 0, 0)
	case "<":
		c.emit(bytecode.OpLt, 0, 0)
	case "<=":
		c.emit(bytecode.OpLe, 0, 0)
	case ">":
		c.emit(bytecode.OpGt, 0, 0)
	case ">=":
		c.emit(bytecode.OpGe, 0, 0)
	default:
		return fmt.Errorf("compiler: unknown binary operator %q", e.Operator)
	}
	return nil
}

func (c *Compiler) compileLogicalAnd(e *ast.BinaryExpression) error {
	if err := c.compileExpression(e.Left); err != nil {
		return err
	}
	endJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emit(bytecode.OpPop, 0, 0)
	if err := c.compileExpression(e.Right); err != nil {
		return err
	}
	c.patchJump(endJump)
	return nil
}

func (c *Compiler) compileLogicalOr(e *ast.BinaryExpression) error {
	if err := c.compileExpression(e.Left); err != nil {
		return err
	}
	elseJump := c.emitJump(bytecode.OpJumpIfFalse)
	endJump := c.emitJump(bytecode.OpJump)
	c.patchJump(elseJump)
	c.emit(bytecode.OpPop, 0, 0)
	if err := c.compileExpression(e.Right); err != nil {
		return err
	}
	c.patchJump(endJump)
	return nil
}

func (c *Compiler) compileUnary(e *ast.UnaryExpression) error {
	if err := c.compileExpression(e.Operand); err != nil {
		return err
	}
	switch e.Operator {
	case "-":
		c.emit(bytecode.OpNeg, 0, 0)
	case "!":
		c.emit(bytecode.OpNot, 0, 0)
	default:
		return fmt.Errorf("compiler: unknown unary operator %q", e.Operator)
	}
	return nil
}

func (c *Compiler) compileCall(e *ast.CallExpression) error {
	if err := c.compileExpression(e.Callee); err != nil {
		return err
	}
	for _, a := range e.Args {
		if err := c.compileExpression(a); err != nil {
			return err
		}
	}
	c.emit(bytecode.OpCall, len(e.Args), e.Line)
	return nil
}

func (c *Compiler) compileIfExpression(e *ast.IfExpression) error {
	if err := c.compileExpression(e.Condition); err != nil {
		return err
	}
	thenJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emit(bytecode.OpPop, 0, 0)
	if err := c.compileExpression(e.Then); err != nil {
		return err
	}
	elseJump := c.emitJump(bytecode.OpJump)
	c.patchJump(thenJump)
	c.emit(bytecode.OpPop, 0, 0)
	if e.Else != nil {
		if err := c.compileExpression(e.Else); err != nil {
			return err
		}
	} else {
		c.emit(bytecode.OpPushNil, 0, 0)
	}
	c.patchJump(elseJump)
	return nil
}

func (c *Compiler) compileFunctionLiteral(e *ast.FunctionLiteral) error {
	fn, err := c.compileFunctionBody("<anonymous>", e.Parameters, e.Body)
	if err != nil {
		return err
	}
	c.emit(bytecode.OpMakeClosure, c.addConstant(value.FromObject(value.KindFunction, fn)), 0)
	return nil
}
