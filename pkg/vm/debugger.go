// Package vm - debugger support.
//
// Kept and adapted from kristofer-smog/pkg/vm/debugger.go per SPEC_FULL
// §5: same breakpoint/step-mode/interactive-prompt shape, rebuilt
// against this VM's frame/handler/stack layout instead of the
// teacher's ip/locals/callStack fields and OpSend-era bytecode. It
// also gains a handler-stack view (ShowHandlers) the teacher's
// debugger never needed, since smog had no try/catch/finally to
// unwind through.
package vm

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kristofer/ember/pkg/bytecode"
)

// Debugger provides interactive debugging capabilities for the VM.
type Debugger struct {
	vm          *VM
	breakpoints map[int]bool // instruction offsets, within the current frame's chunk
	stepMode    bool
	enabled     bool
}

// NewDebugger creates a new debugger instance attached to vm.
func NewDebugger(vm *VM) *Debugger {
	return &Debugger{vm: vm, breakpoints: make(map[int]bool)}
}

func (d *Debugger) Enable()  { d.enabled = true }
func (d *Debugger) Disable() { d.enabled = false }

// SetStepMode enables or disables step mode. In step mode, execution
// pauses after each instruction.
func (d *Debugger) SetStepMode(enabled bool) { d.stepMode = enabled }

func (d *Debugger) AddBreakpoint(ip int)    { d.breakpoints[ip] = true }
func (d *Debugger) RemoveBreakpoint(ip int) { delete(d.breakpoints, ip) }
func (d *Debugger) ClearBreakpoints()       { d.breakpoints = make(map[int]bool) }

// ShouldPause reports whether execution should pause before the
// current frame's next instruction: step mode, or a breakpoint at its
// ip.
func (d *Debugger) ShouldPause() bool {
	if !d.enabled || len(d.vm.frames) == 0 {
		return false
	}
	if d.stepMode {
		return true
	}
	return d.breakpoints[d.vm.currentFrame().ip]
}

// ShowCurrentInstruction displays the instruction the current frame is
// about to execute.
func (d *Debugger) ShowCurrentInstruction() {
	if len(d.vm.frames) == 0 {
		fmt.Println("No active frame")
		return
	}
	fr := d.vm.currentFrame()
	chunk := fr.fn.Chunk
	if fr.ip >= len(chunk.Instructions) {
		fmt.Println("No current instruction (frame past its last instruction)")
		return
	}
	inst := chunk.Instructions[fr.ip]
	fmt.Printf("  %4d: %s", fr.ip, inst.Op)
	formatOperand(inst)
	fmt.Println()
}

func formatOperand(inst bytecode.Instruction) {
	switch inst.Op {
	case bytecode.OpPushConst, bytecode.OpLoadGlobal, bytecode.OpStoreGlobal, bytecode.OpMakeClosure, bytecode.OpImport:
		fmt.Printf(" const=%d", inst.Operand)
	case bytecode.OpLoadLocal, bytecode.OpStoreLocal, bytecode.OpLoadUpvalue, bytecode.OpStoreUpvalue:
		fmt.Printf(" slot=%d", inst.Operand)
	case bytecode.OpJump, bytecode.OpJumpIfFalse, bytecode.OpLoop:
		fmt.Printf(" ->%d", inst.Operand)
	case bytecode.OpCall:
		fmt.Printf(" argc=%d", inst.Operand)
	case bytecode.OpTryPush:
		fmt.Printf(" try=%d", inst.Operand)
	default:
		if inst.Operand != 0 {
			fmt.Printf(" %d", inst.Operand)
		}
	}
}

// ShowStack displays the current VM operand stack.
func (d *Debugger) ShowStack() {
	fmt.Println("Stack (top to bottom):")
	if d.vm.sp == 0 {
		fmt.Println("  (empty)")
		return
	}
	for i := d.vm.sp - 1; i >= 0; i-- {
		fmt.Printf("  [%d] %s (%s)\n", i, d.vm.stack[i].Print(), d.vm.stack[i].TypeName())
	}
}

// ShowLocals displays the current frame's local slots: the region of
// the shared stack from its base to its top.
func (d *Debugger) ShowLocals() {
	fmt.Println("Local variables:")
	if len(d.vm.frames) == 0 {
		fmt.Println("  (no active frame)")
		return
	}
	fr := d.vm.currentFrame()
	if d.vm.sp <= fr.base {
		fmt.Println("  (none set)")
		return
	}
	for i := fr.base; i < d.vm.sp; i++ {
		fmt.Printf("  [%d] %s (%s)\n", i-fr.base, d.vm.stack[i].Print(), d.vm.stack[i].TypeName())
	}
}

// ShowGlobals displays all global variables.
func (d *Debugger) ShowGlobals() {
	fmt.Println("Global variables:")
	if len(d.vm.globals) == 0 {
		fmt.Println("  (none)")
		return
	}
	for name, val := range d.vm.globals {
		fmt.Printf("  %s = %s (%s)\n", name, val.Print(), val.TypeName())
	}
}

// ShowCallStack displays the current call stack, innermost first.
func (d *Debugger) ShowCallStack() {
	fmt.Println("Call stack (top to bottom):")
	if len(d.vm.frames) == 0 {
		fmt.Println("  (empty)")
		return
	}
	for i := len(d.vm.frames) - 1; i >= 0; i-- {
		fr := &d.vm.frames[i]
		fmt.Printf("  %s [ip=%d base=%d]\n", fr.name, fr.ip, fr.base)
	}
}

// ShowHandlers displays the active try/catch/finally handler stack —
// the unwind state that isn't visible from the call stack alone, since
// a handler can stay live across several frames unwinding above it.
func (d *Debugger) ShowHandlers() {
	fmt.Println("Handler stack (top to bottom):")
	if len(d.vm.handlers) == 0 {
		fmt.Println("  (empty)")
		return
	}
	for i := len(d.vm.handlers) - 1; i >= 0; i-- {
		h := d.vm.handlers[i]
		entry := h.entry
		fmt.Printf("  frame=%d stackHeight=%d hasCatch=%v catch=%d hasFinally=%v finally=%d after=%d\n",
			h.frameIndex, h.stackHeight, entry.HasCatch, entry.CatchOffset, entry.HasFinally, entry.FinallyOffset, entry.AfterOffset)
	}
	fmt.Printf("finallyDepth=%d\n", d.vm.finallyDepth)
}

// InteractivePrompt is called when execution pauses at a breakpoint or
// in step mode. It blocks on stdin until a command resumes execution.
func (d *Debugger) InteractivePrompt() (continueExecution bool) {
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Println("\n=== Debugger Paused ===")
	d.ShowCurrentInstruction()

	for {
		fmt.Print("debug> ")
		if !scanner.Scan() {
			return false
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		command := parts[0]

		switch command {
		case "help", "h", "?":
			d.printHelp()

		case "continue", "c":
			d.SetStepMode(false)
			return true

		case "step", "s":
			d.SetStepMode(true)
			return true

		case "next", "n":
			return true

		case "stack", "st":
			d.ShowStack()

		case "locals", "l":
			d.ShowLocals()

		case "globals", "g":
			d.ShowGlobals()

		case "callstack", "cs":
			d.ShowCallStack()

		case "handlers", "ha":
			d.ShowHandlers()

		case "instruction", "i":
			d.ShowCurrentInstruction()

		case "breakpoint", "b":
			if len(parts) < 2 {
				fmt.Println("Usage: breakpoint <instruction_number>")
				continue
			}
			ip, err := strconv.Atoi(parts[1])
			if err != nil {
				fmt.Println("Invalid instruction number")
				continue
			}
			d.AddBreakpoint(ip)
			fmt.Printf("Breakpoint added at instruction %d\n", ip)

		case "delete", "d":
			if len(parts) < 2 {
				fmt.Println("Usage: delete <instruction_number>")
				continue
			}
			ip, err := strconv.Atoi(parts[1])
			if err != nil {
				fmt.Println("Invalid instruction number")
				continue
			}
			d.RemoveBreakpoint(ip)
			fmt.Printf("Breakpoint removed at instruction %d\n", ip)

		case "list", "ls":
			d.listInstructions()

		case "quit", "q":
			return false

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", command)
		}
	}
}

func (d *Debugger) printHelp() {
	fmt.Println("Debugger Commands:")
	fmt.Println("  help, h, ?           Show this help")
	fmt.Println("  continue, c          Continue execution")
	fmt.Println("  step, s              Enable step mode (pause after each instruction)")
	fmt.Println("  next, n              Execute next instruction")
	fmt.Println("  stack, st            Show VM stack")
	fmt.Println("  locals, l            Show current frame's locals")
	fmt.Println("  globals, g           Show global variables")
	fmt.Println("  callstack, cs        Show call stack")
	fmt.Println("  handlers, ha         Show try/catch/finally handler stack")
	fmt.Println("  instruction, i       Show current instruction")
	fmt.Println("  breakpoint <n>, b    Add breakpoint at instruction n")
	fmt.Println("  delete <n>, d        Remove breakpoint at instruction n")
	fmt.Println("  list, ls             List all instructions in the current frame")
	fmt.Println("  quit, q              Quit debugging (abort execution)")
}

// listInstructions displays every instruction in the current frame's
// chunk, marking the next one to run and any breakpoints.
func (d *Debugger) listInstructions() {
	fmt.Println("Instructions:")
	if len(d.vm.frames) == 0 {
		fmt.Println("  (no active frame)")
		return
	}
	fr := d.vm.currentFrame()
	for i, inst := range fr.fn.Chunk.Instructions {
		marker := "  "
		if i == fr.ip {
			marker = "->"
		} else if d.breakpoints[i] {
			marker = "*"
		}
		fmt.Printf("%s %4d: %s", marker, i, inst.Op)
		formatOperand(inst)
		fmt.Println()
	}
}
