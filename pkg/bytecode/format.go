// Binary serialization for ember's .emberc bytecode cache files,
// adapted from github.com/kristofer/smog/pkg/bytecode's .sg format:
// same magic+version+flags header shape, same length-prefixed
// constant and instruction sections, generalized to ember's constant
// kinds and its TRY_PUSH table.
//
// Binary layout:
//
//	[Header]
//	  Magic (4 bytes): "EMBR" (0x454D4252)
//	  Version (4 bytes): format version, currently 1
//	  Flags (4 bytes): reserved, must be 0
//
//	[Constants]
//	  Count (4 bytes)
//	  For each constant: Type (1 byte) + type-specific payload
//	    0x01 number (float64, 8 bytes)
//	    0x02 string (4-byte length + UTF-8 bytes)
//	    0x03 bool (1 byte)
//	    0x04 nil (0 bytes)
//
//	[Try table]
//	  Count (4 bytes)
//	  For each entry: HasCatch, HasFinally (1 byte each) then
//	  CatchOffset, FinallyOffset, AfterOffset, BindingSlot (4 bytes each, signed)
//
//	[Instructions]
//	  Count (4 bytes)
//	  For each instruction: Opcode (1 byte) + Operand (4 bytes) + Line (4 bytes)
//
//	LocalCount (4 bytes) trailer.
package bytecode

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kristofer/ember/pkg/value"
)

const (
	// MagicNumber is the file signature for .emberc files: "EMBR".
	MagicNumber uint32 = 0x454D4252
	// FormatVersion is the current cache format version.
	FormatVersion uint32 = 1
)

const (
	constNumber byte = 0x01
	constString byte = 0x02
	constBool   byte = 0x03
	constNil    byte = 0x04
)

// Encode writes chunk to w in the .emberc binary format.
func Encode(w io.Writer, chunk *Chunk) error {
	if err := writeU32(w, MagicNumber); err != nil {
		return err
	}
	if err := writeU32(w, FormatVersion); err != nil {
		return err
	}
	if err := writeU32(w, 0); err != nil { // flags, reserved
		return err
	}

	if err := writeU32(w, uint32(len(chunk.Constants))); err != nil {
		return err
	}
	for _, c := range chunk.Constants {
		if err := encodeConstant(w, c); err != nil {
			return err
		}
	}

	if err := writeU32(w, uint32(len(chunk.Trys))); err != nil {
		return err
	}
	for _, t := range chunk.Trys {
		if err := writeBool(w, t.HasCatch); err != nil {
			return err
		}
		if err := writeBool(w, t.HasFinally); err != nil {
			return err
		}
		if err := writeI32(w, int32(t.CatchOffset)); err != nil {
			return err
		}
		if err := writeI32(w, int32(t.FinallyOffset)); err != nil {
			return err
		}
		if err := writeI32(w, int32(t.AfterOffset)); err != nil {
			return err
		}
		if err := writeI32(w, int32(t.BindingSlot)); err != nil {
			return err
		}
	}

	if err := writeU32(w, uint32(len(chunk.Instructions))); err != nil {
		return err
	}
	for _, inst := range chunk.Instructions {
		if err := binary.Write(w, binary.BigEndian, byte(inst.Op)); err != nil {
			return err
		}
		if err := writeI32(w, int32(inst.Operand)); err != nil {
			return err
		}
		if err := writeI32(w, int32(inst.Line)); err != nil {
			return err
		}
	}

	return writeI32(w, int32(chunk.LocalCount))
}

// Decode reads a Chunk previously written by Encode.
func Decode(r io.Reader) (*Chunk, error) {
	magic, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if magic != MagicNumber {
		return nil, fmt.Errorf("bytecode: bad magic number %#x", magic)
	}
	version, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("bytecode: unsupported format version %d", version)
	}
	if _, err := readU32(r); err != nil { // flags
		return nil, err
	}

	constCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	constants := make([]value.Value, constCount)
	for i := range constants {
		c, err := decodeConstant(r)
		if err != nil {
			return nil, err
		}
		constants[i] = c
	}

	tryCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	trys := make([]TryEntry, tryCount)
	for i := range trys {
		hasCatch, err := readBool(r)
		if err != nil {
			return nil, err
		}
		hasFinally, err := readBool(r)
		if err != nil {
			return nil, err
		}
		catchOff, err := readI32(r)
		if err != nil {
			return nil, err
		}
		finallyOff, err := readI32(r)
		if err != nil {
			return nil, err
		}
		afterOff, err := readI32(r)
		if err != nil {
			return nil, err
		}
		slot, err := readI32(r)
		if err != nil {
			return nil, err
		}
		trys[i] = TryEntry{
			HasCatch:      hasCatch,
			CatchOffset:   int(catchOff),
			HasFinally:    hasFinally,
			FinallyOffset: int(finallyOff),
			AfterOffset:   int(afterOff),
			BindingSlot:   int(slot),
		}
	}

	instCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	instructions := make([]Instruction, instCount)
	for i := range instructions {
		var opByte byte
		if err := binary.Read(r, binary.BigEndian, &opByte); err != nil {
			return nil, err
		}
		operand, err := readI32(r)
		if err != nil {
			return nil, err
		}
		line, err := readI32(r)
		if err != nil {
			return nil, err
		}
		instructions[i] = Instruction{Op: Opcode(opByte), Operand: int(operand), Line: int(line)}
	}

	localCount, err := readI32(r)
	if err != nil {
		return nil, err
	}

	return &Chunk{
		Instructions: instructions,
		Constants:    constants,
		Trys:         trys,
		LocalCount:   int(localCount),
	}, nil
}

func encodeConstant(w io.Writer, v value.Value) error {
	switch v.Kind {
	case value.KindNumber:
		if err := binary.Write(w, binary.BigEndian, constNumber); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v.AsNumber())
	case value.KindString:
		if err := binary.Write(w, binary.BigEndian, constString); err != nil {
			return err
		}
		s := v.AsString().Value
		if err := writeU32(w, uint32(len(s))); err != nil {
			return err
		}
		_, err := w.Write([]byte(s))
		return err
	case value.KindBool:
		if err := binary.Write(w, binary.BigEndian, constBool); err != nil {
			return err
		}
		b := byte(0)
		if v.AsBool() {
			b = 1
		}
		return binary.Write(w, binary.BigEndian, b)
	case value.KindNil:
		return binary.Write(w, binary.BigEndian, constNil)
	default:
		return fmt.Errorf("bytecode: constant kind %s is not serializable", v.Kind)
	}
}

func decodeConstant(r io.Reader) (value.Value, error) {
	var tag byte
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return value.Value{}, err
	}
	switch tag {
	case constNumber:
		var f float64
		if err := binary.Read(r, binary.BigEndian, &f); err != nil {
			return value.Value{}, err
		}
		return value.Number(f), nil
	case constString:
		n, err := readU32(r)
		if err != nil {
			return value.Value{}, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return value.Value{}, err
		}
		return value.FromObject(value.KindString, value.NewString(string(buf))), nil
	case constBool:
		var b byte
		if err := binary.Read(r, binary.BigEndian, &b); err != nil {
			return value.Value{}, err
		}
		return value.Bool(b != 0), nil
	case constNil:
		return value.Nil(), nil
	default:
		return value.Value{}, fmt.Errorf("bytecode: unknown constant tag %#x", tag)
	}
}

func writeU32(w io.Writer, v uint32) error { return binary.Write(w, binary.BigEndian, v) }
func writeI32(w io.Writer, v int32) error  { return binary.Write(w, binary.BigEndian, v) }

func writeBool(w io.Writer, b bool) error {
	var v byte
	if b {
		v = 1
	}
	return binary.Write(w, binary.BigEndian, v)
}

func readBool(r io.Reader) (bool, error) {
	var v byte
	err := binary.Read(r, binary.BigEndian, &v)
	return v != 0, err
}

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func readI32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}
