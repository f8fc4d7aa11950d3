package jit

import (
	"fmt"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/mmu"
)

// MemBus is the subset of mmu.CPUBus a compiled block's Load/Store ops
// need.
type MemBus interface {
	Read(cfg mmu.Config, vaddr uint64, cpl uint8, data []byte) error
	Write(cfg mmu.Config, vaddr uint64, cpl uint8, data []byte) error
}

// Execute interprets a compiled Block's IR against a live vCPU: this is
// the native closure backend, Aero's first Tier-1 lowering target. Each
// Op is a small switch arm rather than a precompiled Go closure, which
// is the same shape the portable IR interpreter in the teaching
// material uses; Table (table.go) is the second lowering target,
// indexing blocks by slot instead of holding a *Block directly.
//
// Execute returns the next guest RIP the caller should resume at. If
// the block bails out, it returns ExitSentinel and bailoutIP is set to
// where the interpreter must resume — which may be mid-block, not
// EntryRIP, since some ops may have already committed.
func Execute(block *Block, s *cpu.State, bus MemBus, cfg mmu.Config, cpl uint8) (nextRIP uint64, bailoutIP uint64, err error) {
	temps := make([]uint64, block.TempCount)

	for _, op := range block.Ops {
		switch op.Kind {
		case OpSet:
			writePlace(s, temps, op.Dst, evalOperand(s, temps, op.Src))

		case OpBin:
			a := evalOperand(s, temps, op.Lhs)
			b := evalOperand(s, temps, op.Rhs)
			writePlace(s, temps, op.Dst, evalBin(op.Bin, a, b))

		case OpCmp:
			a := evalOperand(s, temps, op.Lhs)
			b := evalOperand(s, temps, op.Rhs)
			writePlace(s, temps, op.Dst, boolU64(evalCmp(op.Cmp, a, b)))

		case OpSelect:
			c := evalOperand(s, temps, op.Cond)
			t := evalOperand(s, temps, op.IfTrue)
			f := evalOperand(s, temps, op.IfFalse)
			if c != 0 {
				writePlace(s, temps, op.Dst, t)
			} else {
				writePlace(s, temps, op.Dst, f)
			}

		case OpLoad:
			addr := evalOperand(s, temps, op.Addr)
			v, lerr := loadMem(bus, cfg, cpl, addr, op.Size)
			if lerr != nil {
				return ExitSentinel, block.EntryRIP, lerr
			}
			writePlace(s, temps, op.Dst, v)

		case OpStore:
			addr := evalOperand(s, temps, op.Addr)
			v := evalOperand(s, temps, op.Value)
			if serr := storeMem(bus, cfg, cpl, addr, v, op.Size); serr != nil {
				return ExitSentinel, block.EntryRIP, serr
			}

		case OpExit:
			s.RIP = evalOperand(s, temps, op.NextRIP)
			return s.RIP, 0, nil

		case OpExitIf:
			if evalOperand(s, temps, op.Cond) != 0 {
				s.RIP = evalOperand(s, temps, op.NextRIP)
				return s.RIP, 0, nil
			}

		case OpBailout:
			return ExitSentinel, op.BailoutAtGuestIP, nil

		default:
			return ExitSentinel, block.EntryRIP, fmt.Errorf("jit: unknown op kind %d", op.Kind)
		}
	}

	return ExitSentinel, block.EntryRIP, fmt.Errorf("jit: block did not terminate with Exit/ExitIf/Bailout")
}

func evalOperand(s *cpu.State, temps []uint64, op Operand) uint64 {
	switch op.Kind {
	case OperandImm:
		return uint64(op.Imm)
	case OperandReg:
		return s.GetGPR(op.Reg, op.Width)
	case OperandTemp:
		return temps[op.Temp]
	default:
		return 0
	}
}

func writePlace(s *cpu.State, temps []uint64, place Place, v uint64) {
	switch place.Kind {
	case PlaceReg:
		s.SetGPR(place.Reg, place.Width, v)
	case PlaceTemp:
		temps[place.Temp] = v
	}
}

func evalBin(op BinOp, a, b uint64) uint64 {
	switch op {
	case BinAdd:
		return a + b
	case BinSub:
		return a - b
	case BinAnd:
		return a & b
	case BinOr:
		return a | b
	case BinXor:
		return a ^ b
	case BinShl:
		return a << (b & 63)
	case BinShrU:
		return a >> (b & 63)
	default:
		return a
	}
}

func evalCmp(op CmpOp, a, b uint64) bool {
	sa, sb := int64(a), int64(b)

	switch op {
	case CmpEq:
		return a == b
	case CmpNe:
		return a != b
	case CmpLtS:
		return sa < sb
	case CmpLtU:
		return a < b
	case CmpLeS:
		return sa <= sb
	case CmpLeU:
		return a <= b
	case CmpGtS:
		return sa > sb
	case CmpGtU:
		return a > b
	case CmpGeS:
		return sa >= sb
	case CmpGeU:
		return a >= b
	default:
		return false
	}
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func loadMem(bus MemBus, cfg mmu.Config, cpl uint8, addr uint64, size MemSize) (uint64, error) {
	n := sizeBytes(size)

	var buf [8]byte
	if err := bus.Read(cfg, addr, cpl, buf[:n]); err != nil {
		return 0, err
	}

	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}

	return v, nil
}

func storeMem(bus MemBus, cfg mmu.Config, cpl uint8, addr uint64, v uint64, size MemSize) error {
	n := sizeBytes(size)

	var buf [8]byte
	for i := 0; i < n; i++ {
		buf[i] = byte(v >> (8 * i))
	}

	return bus.Write(cfg, addr, cpl, buf[:n])
}

func sizeBytes(size MemSize) int {
	switch size {
	case Size8:
		return 1
	case Size16:
		return 2
	case Size32:
		return 4
	default:
		return 8
	}
}
