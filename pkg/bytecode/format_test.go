package bytecode

import (
	"bytes"
	"testing"

	"github.com/kristofer/ember/pkg/value"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := &Chunk{
		Instructions: []Instruction{
			{Op: OpPushConst, Operand: 0, Line: 1},
			{Op: OpPushConst, Operand: 1, Line: 1},
			{Op: OpAdd, Line: 1},
			{Op: OpReturnValue, Line: 1},
		},
		Constants: []value.Value{
			value.Number(2),
			value.FromObject(value.KindString, value.NewString("hello")),
		},
		Trys:       []TryEntry{{HasCatch: true, CatchOffset: 4, HasFinally: false, FinallyOffset: -1, AfterOffset: 5, BindingSlot: 0}},
		LocalCount: 2,
	}

	var buf bytes.Buffer
	if err := Encode(&buf, original); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if len(decoded.Instructions) != len(original.Instructions) {
		t.Fatalf("instruction count mismatch: got %d want %d", len(decoded.Instructions), len(original.Instructions))
	}
	for i, inst := range original.Instructions {
		if decoded.Instructions[i] != inst {
			t.Errorf("instruction %d mismatch: got %+v want %+v", i, decoded.Instructions[i], inst)
		}
	}

	if decoded.Constants[0].AsNumber() != 2 {
		t.Errorf("constant 0: got %v want 2", decoded.Constants[0].AsNumber())
	}
	if decoded.Constants[1].AsString().Value != "hello" {
		t.Errorf("constant 1: got %q want %q", decoded.Constants[1].AsString().Value, "hello")
	}
	if len(decoded.Trys) != 1 || decoded.Trys[0].CatchOffset != 4 {
		t.Errorf("try table mismatch: got %+v", decoded.Trys)
	}
	if decoded.LocalCount != 2 {
		t.Errorf("LocalCount: got %d want 2", decoded.LocalCount)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0})
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error decoding bad magic number")
	}
}

func TestOpcodeString(t *testing.T) {
	if OpAdd.String() != "ADD" {
		t.Errorf("OpAdd.String() = %q, want ADD", OpAdd.String())
	}
	if Opcode(200).String() != "UNKNOWN" {
		t.Errorf("unknown opcode should stringify to UNKNOWN")
	}
}
