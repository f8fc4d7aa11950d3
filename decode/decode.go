// Package decode turns raw instruction bytes into the architecture-neutral
// form the execution tiers (interp, jit, trace) consume: an operation, a
// small fixed operand set, and a byte length. It never touches CPU state —
// segment bases, RIP, and CR0.PE-derived widths are resolved by callers —
// so the same decode result can feed the interpreter, the block JIT, or a
// disassembly dump identically.
//
// Decoding itself is delegated to golang.org/x/arch/x86/x86asm; here it is
// the primary decoder every execution tier depends on, not a fallback for
// a debugger.
package decode

import (
	"errors"

	"golang.org/x/arch/x86/x86asm"
)

// ErrTruncated means fewer than 15 bytes were available and the decoder
// could not rule out a longer encoding; the caller must fetch more bytes
// (typically meaning: more of the page, or the next page) and retry.
var ErrTruncated = errors.New("decode: truncated instruction")

// ErrIllegal means the byte sequence is not a valid x86 encoding under any
// amount of additional input; callers raise #UD.
var ErrIllegal = errors.New("decode: illegal instruction")

// Width is an operation's operand width in bits.
type Width uint8

const (
	Width8 Width = 8
	Width16 Width = 16
	Width32 Width = 32
	Width64 Width = 64
)

// OperandKind distinguishes the four operand shapes an instruction's
// arguments can take.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandMem
	OperandImm
	OperandRel
)

// Mem is a memory operand: Segment:[Base + Scale*Index + Disp], with a
// RIPRelative flag set when Base encodes instruction-pointer-relative
// addressing rather than an architectural base register.
type Mem struct {
	HasSegment bool
	Segment    x86asm.Reg

	HasBase     bool
	Base        x86asm.Reg
	RIPRelative bool

	HasIndex bool
	Index    x86asm.Reg
	Scale    uint8

	Disp int64
}

// Operand is one decoded instruction argument.
type Operand struct {
	Kind OperandKind
	Reg  x86asm.Reg
	Mem  Mem
	Imm  int64
	Rel  int32
}

// Inst is one decoded instruction.
type Inst struct {
	Op       x86asm.Op
	Args     [4]Operand
	NArgs    int
	Width    Width
	MemBytes int // size of a memory argument in bytes, when one is present
	Len      int
	Prefixes x86asm.Prefixes
}

// Decode consumes up to 15 bytes of src (the longest legal x86 encoding)
// at the given processor mode (16, 32 or 64) and yields a decoded
// instruction. It is pure and allocation-free beyond the returned value:
// it reads only src.
func Decode(src []byte, mode int) (Inst, error) {
	raw, err := x86asm.Decode(src, mode)
	if err != nil {
		switch {
		case errors.Is(err, x86asm.ErrTruncated):
			return Inst{}, ErrTruncated
		default:
			return Inst{}, ErrIllegal
		}
	}

	inst := Inst{
		Op:       raw.Op,
		Width:    Width(raw.DataSize),
		MemBytes: raw.MemBytes,
		Len:      raw.Len,
		Prefixes: raw.Prefix,
	}

	for i, a := range raw.Args {
		if a == nil {
			break
		}

		inst.Args[i] = translateOperand(a)
		inst.NArgs++
	}

	return inst, nil
}

func translateOperand(a x86asm.Arg) Operand {
	switch v := a.(type) {
	case x86asm.Reg:
		return Operand{Kind: OperandReg, Reg: v}
	case x86asm.Mem:
		return Operand{Kind: OperandMem, Mem: translateMem(v)}
	case x86asm.Imm:
		return Operand{Kind: OperandImm, Imm: int64(v)}
	case x86asm.Rel:
		return Operand{Kind: OperandRel, Rel: int32(v)}
	default:
		return Operand{Kind: OperandNone}
	}
}

func translateMem(m x86asm.Mem) Mem {
	out := Mem{Scale: m.Scale, Disp: m.Disp}

	if m.Segment != 0 {
		out.HasSegment = true
		out.Segment = m.Segment
	}

	if m.Base != 0 {
		out.HasBase = true
		out.Base = m.Base
		out.RIPRelative = m.Base == x86asm.RIP
	}

	if m.Index != 0 {
		out.HasIndex = true
		out.Index = m.Index
	}

	return out
}
