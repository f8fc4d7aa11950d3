package jit

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/decode"
	"github.com/aerocore/aero/mmu"
)

// ErrNoBlock means Compile could not lower even the entry instruction
// — the caller should fall back to the interpreter for this step
// rather than install a degenerate one-op block.
var ErrNoBlock = errors.New("jit: entry instruction not compilable")

// maxBlockInstrs bounds how far greedy linear decode runs before
// closing the block with a fallthrough exit, so one compile never
// walks an unbounded straight-line run (e.g. a long chain of NOPs).
const maxBlockInstrs = 32

// Fetcher is the subset of mmu.CPUBus compilation needs: translated
// instruction-byte reads. Kept narrow so Compile can be driven by a
// Fetch-only view in tests without standing up a full bus.
type Fetcher interface {
	Fetch(cfg mmu.Config, vaddr uint64, cpl uint8, out []byte) error
}

// gpReg maps a register operand to Aero's register index and width,
// refusing the high-byte aliases (AH/CH/DH/BH) and anything narrower
// than 16 bits: tier-1 blocks only compile the common whole-register
// case, bailing to the interpreter for the rest.
func gpReg(r x86asm.Reg) (reg cpu.Reg, width uint8, ok bool) {
	switch {
	case r >= x86asm.AX && r <= x86asm.R15W:
		return cpu.Reg(int(r - x86asm.AX)), 16, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return cpu.Reg(int(r - x86asm.EAX)), 32, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return cpu.Reg(int(r - x86asm.RAX)), 64, true
	default:
		return 0, 0, false
	}
}

type builder struct {
	ops       []Op
	tempCount int
}

func (b *builder) newTemp() TempID {
	t := TempID(b.tempCount)
	b.tempCount++
	return t
}

func (b *builder) emit(op Op) { b.ops = append(b.ops, op) }

// decodeAt fetches and decodes a single instruction at vaddr.
func decodeAt(bus Fetcher, cfg mmu.Config, cpl uint8, vaddr uint64, modeWidth int) (decode.Inst, error) {
	var code [15]byte
	if err := bus.Fetch(cfg, vaddr, cpl, code[:]); err != nil {
		return decode.Inst{}, err
	}

	return decode.Decode(code[:], modeWidth)
}

// Compile performs greedy linear decode from entryRIP: it decodes and
// lowers one instruction at a time into IR, stopping at the first
// instruction it cannot lower (or at maxBlockInstrs) and closing the
// block with an Exit/ExitIf to wherever control flow goes next. A
// block that cannot lower even its first instruction returns
// ErrNoBlock, telling the caller to execute this step in the
// interpreter instead.
func Compile(bus Fetcher, cfg mmu.Config, cpl uint8, entryRIP uint64, modeWidth int) (*Block, error) {
	b := &builder{}
	rip := entryRIP
	n := 0

	for {
		if n >= maxBlockInstrs {
			b.emit(Op{Kind: OpExit, NextRIP: imm(int64(rip))})
			break
		}

		inst, err := decodeAt(bus, cfg, cpl, rip, modeWidth)
		if err != nil {
			if n == 0 {
				return nil, fmt.Errorf("%w: %v", ErrNoBlock, err)
			}
			b.emit(Op{Kind: OpExit, NextRIP: imm(int64(rip))})
			break
		}

		nextRIP := rip + uint64(inst.Len)

		if inst.Op == x86asm.JMP {
			if inst.NArgs != 1 || inst.Args[0].Kind != decode.OperandRel {
				if n == 0 {
					return nil, fmt.Errorf("%w: indirect JMP", ErrNoBlock)
				}
				b.emit(Op{Kind: OpExit, NextRIP: imm(int64(rip))})
				break
			}

			target := int64(nextRIP) + int64(inst.Args[0].Rel)
			b.emit(Op{Kind: OpExit, NextRIP: imm(target)})
			rip = nextRIP
			break
		}

		// CMP immediately followed by a compatible Jcc is the one
		// conditional-branch shape this IR expresses without
		// materializing EFLAGS; try the fusion before falling back to
		// CMP-alone (which has no IR use and always bails).
		if inst.Op == x86asm.CMP {
			jcc, jccErr := decodeAt(bus, cfg, cpl, nextRIP, modeWidth)
			if jccErr == nil {
				if fused := tryFuseCmpJcc(b, inst, jcc, nextRIP+uint64(jcc.Len)); fused {
					rip = nextRIP + uint64(jcc.Len)
					break
				}
			}

			if n == 0 {
				return nil, fmt.Errorf("%w: CMP without a fusable Jcc", ErrNoBlock)
			}
			b.emit(Op{Kind: OpExit, NextRIP: imm(int64(rip))})
			break
		}

		done, lowerErr := lowerOne(b, inst)
		if lowerErr != nil {
			if n == 0 {
				return nil, fmt.Errorf("%w: %v", ErrNoBlock, lowerErr)
			}
			b.emit(Op{Kind: OpExit, NextRIP: imm(int64(rip))})
			break
		}

		n++
		rip = nextRIP

		if done {
			break
		}
	}

	return &Block{EntryRIP: entryRIP, Len: int(rip - entryRIP), TempCount: b.tempCount, Ops: b.ops}, nil
}

// lowerOne lowers a single decoded straight-line or unconditional-jump
// instruction, returning done=true if it closed the block with a
// terminator.
func lowerOne(b *builder, inst decode.Inst) (done bool, err error) {
	switch inst.Op {
	case x86asm.NOP:
		return false, nil

	case x86asm.MOV:
		return lowerMov(b, inst)

	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR:
		return lowerAluRW(b, inst)

	default:
		return false, fmt.Errorf("op %v not lowerable", inst.Op)
	}
}

func lowerMov(b *builder, inst decode.Inst) (bool, error) {
	if inst.NArgs != 2 || inst.Args[0].Kind != decode.OperandReg {
		return false, fmt.Errorf("MOV: only register destinations are compiled")
	}

	dstReg, width, ok := gpReg(inst.Args[0].Reg)
	if !ok {
		return false, fmt.Errorf("MOV: unsupported destination register")
	}

	srcOp, ok := operandFor(inst.Args[1])
	if !ok {
		return false, fmt.Errorf("MOV: unsupported source operand")
	}

	b.emit(Op{Kind: OpSet, Dst: regPlace(dstReg, width), Src: srcOp})

	return false, nil
}

func lowerAluRW(b *builder, inst decode.Inst) (bool, error) {
	if inst.NArgs != 2 || inst.Args[0].Kind != decode.OperandReg {
		return false, fmt.Errorf("%v: only register destinations are compiled", inst.Op)
	}

	dstReg, width, ok := gpReg(inst.Args[0].Reg)
	if !ok {
		return false, fmt.Errorf("%v: unsupported destination register", inst.Op)
	}

	rhs, ok := operandFor(inst.Args[1])
	if !ok {
		return false, fmt.Errorf("%v: unsupported source operand", inst.Op)
	}

	op, ok := binOpFor(inst.Op)
	if !ok {
		return false, fmt.Errorf("%v: no Bin equivalent", inst.Op)
	}

	lhs := regOp(dstReg, width)
	b.emit(Op{Kind: OpBin, Dst: regPlace(dstReg, width), Bin: op, Lhs: lhs, Rhs: rhs})

	return false, nil
}

func operandFor(a decode.Operand) (Operand, bool) {
	switch a.Kind {
	case decode.OperandImm:
		return imm(a.Imm), true
	case decode.OperandReg:
		r, w, ok := gpReg(a.Reg)
		if !ok {
			return Operand{}, false
		}
		return regOp(r, w), true
	default:
		return Operand{}, false
	}
}

func binOpFor(op x86asm.Op) (BinOp, bool) {
	switch op {
	case x86asm.ADD:
		return BinAdd, true
	case x86asm.SUB:
		return BinSub, true
	case x86asm.AND:
		return BinAnd, true
	case x86asm.OR:
		return BinOr, true
	case x86asm.XOR:
		return BinXor, true
	default:
		return 0, false
	}
}

func cmpOpForJcc(op x86asm.Op) (CmpOp, bool) {
	switch op {
	case x86asm.JE:
		return CmpEq, true
	case x86asm.JNE:
		return CmpNe, true
	case x86asm.JL:
		return CmpLtS, true
	case x86asm.JGE:
		return CmpGeS, true
	case x86asm.JLE:
		return CmpLeS, true
	case x86asm.JG:
		return CmpGtS, true
	case x86asm.JB:
		return CmpLtU, true
	case x86asm.JAE:
		return CmpGeU, true
	case x86asm.JBE:
		return CmpLeU, true
	case x86asm.JA:
		return CmpGtU, true
	default:
		return 0, false
	}
}

// tryFuseCmpJcc lowers a CMP+Jcc pair into Cmp (into a temp) followed
// by ExitIf(temp, branch target) and a fallthrough Exit(jccNextRIP).
// It reports false without emitting anything if the Jcc's condition has
// no flags-free CmpOp equivalent or the operand shapes are unsupported,
// leaving the caller to bail the block.
func tryFuseCmpJcc(b *builder, cmp, jcc decode.Inst, jccNextRIP uint64) bool {
	cmpOp, ok := cmpOpForJcc(jcc.Op)
	if !ok {
		return false
	}

	if cmp.NArgs != 2 || jcc.NArgs != 1 || jcc.Args[0].Kind != decode.OperandRel {
		return false
	}

	lhs, ok := operandFor(cmp.Args[0])
	if !ok {
		return false
	}

	rhs, ok := operandFor(cmp.Args[1])
	if !ok {
		return false
	}

	target := int64(jccNextRIP) + int64(jcc.Args[0].Rel)

	t := b.newTemp()
	b.emit(Op{Kind: OpCmp, Dst: tempPlace(t), Cmp: cmpOp, Lhs: lhs, Rhs: rhs})
	b.emit(Op{Kind: OpExitIf, Cond: tempOp(t), NextRIP: imm(target)})
	b.emit(Op{Kind: OpExit, NextRIP: imm(int64(jccNextRIP))})

	return true
}
