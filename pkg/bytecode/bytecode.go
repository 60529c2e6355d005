// Package bytecode defines ember's instruction set and the Chunk
// container a compiled function is stored in.
//
// The opcode and operand-packing conventions (a byte opcode, an int
// operand, a parallel source-line table) follow
// github.com/kristofer/smog/pkg/bytecode closely; the opcode set
// itself is generalized from smog's Smalltalk message-send model to
// the explicit stack-machine opcode list the language core specifies.
package bytecode

// Opcode identifies a single VM instruction.
type Opcode byte

const (
	// Constants/load
	OpPushConst Opcode = iota
	OpPushNil
	OpPushTrue
	OpPushFalse
	OpPop
	OpDup

	// Locals/globals
	OpLoadLocal
	OpStoreLocal
	OpLoadGlobal
	OpStoreGlobal
	OpLoadUpvalue
	OpStoreUpvalue

	// Arithmetic
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg

	// Logical/compare
	OpNot
	OpEq
	OpNeq
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr

	// Control flow
	OpJump
	OpJumpIfFalse
	OpLoop
	OpReturn
	OpReturnValue

	// Calls
	OpCall
	OpMakeClosure

	// Aggregates
	OpNewArray
	OpNewMap
	OpNewSet
	OpIndexGet
	OpIndexSet
	OpDotGet

	// Exceptions
	OpTryPush
	OpTryPop
	OpThrow
	OpFinallyBegin
	OpFinallyEnd

	// Modules
	OpImport
)

var opcodeNames = map[Opcode]string{
	OpPushConst:    "PUSH_CONST",
	OpPushNil:      "PUSH_NIL",
	OpPushTrue:     "PUSH_TRUE",
	OpPushFalse:    "PUSH_FALSE",
	OpPop:          "POP",
	OpDup:          "DUP",
	OpLoadLocal:    "LOAD_LOCAL",
	OpStoreLocal:   "STORE_LOCAL",
	OpLoadGlobal:   "LOAD_GLOBAL",
	OpStoreGlobal:  "STORE_GLOBAL",
	OpLoadUpvalue:  "LOAD_UPVALUE",
	OpStoreUpvalue: "STORE_UPVALUE",
	OpAdd:          "ADD",
	OpSub:          "SUB",
	OpMul:          "MUL",
	OpDiv:          "DIV",
	OpMod:          "MOD",
	OpNeg:          "NEG",
	OpNot:          "NOT",
	OpEq:           "EQ",
	OpNeq:          "NEQ",
	OpLt:           "LT",
	OpLe:           "LE",
	OpGt:           "GT",
	OpGe:           "GE",
	OpAnd:          "AND",
	OpOr:           "OR",
	OpJump:         "JUMP",
	OpJumpIfFalse:  "JUMP_IF_FALSE",
	OpLoop:         "LOOP",
	OpReturn:       "RETURN",
	OpReturnValue:  "RETURN_VALUE",
	OpCall:         "CALL",
	OpMakeClosure:  "MAKE_CLOSURE",
	OpNewArray:     "NEW_ARRAY",
	OpNewMap:       "NEW_MAP",
	OpNewSet:       "NEW_SET",
	OpIndexGet:     "INDEX_GET",
	OpIndexSet:     "INDEX_SET",
	OpDotGet:       "DOT_GET",
	OpTryPush:      "TRY_PUSH",
	OpTryPop:       "TRY_POP",
	OpThrow:        "THROW",
	OpFinallyBegin: "FINALLY_BEGIN",
	OpFinallyEnd:   "FINALLY_END",
	OpImport:       "IMPORT",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "UNKNOWN"
}

// Instruction is one decoded bytecode instruction. Operand meaning
// depends on Op: a constant-pool index, a local slot, a jump offset,
// an argument count, or (for TRY_PUSH) an index into the owning
// Chunk's Trys table.
type Instruction struct {
	Op      Opcode
	Operand int
	Line    int
}

// TryEntry mirrors TRY_PUSH's {catch_off, finally_off} pair (§4.3). An
// OpTryPush instruction's Operand indexes into the owning Chunk's Trys
// slice rather than bit-packing two offsets into one int, so both
// offsets resolve without bit tricks.
//
// AfterOffset is where control resumes once the whole try/catch/finally
// construct completes, whether or not a finally ran; both the
// try-completed-normally path and the catch-completed-normally path
// converge there.
type TryEntry struct {
	HasCatch      bool
	CatchOffset   int
	HasFinally    bool
	FinallyOffset int // meaningful only if HasFinally
	AfterOffset   int
	BindingSlot   int // local slot the caught value binds to, -1 if unused
}
