package trace

import (
	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/jit"
	"github.com/aerocore/aero/mmu"
)

// MemBus is the subset of mmu.CPUBus a trace's Load/Store ops need.
type MemBus = jit.MemBus

func evalOperand(s *cpu.State, temps []uint64, op jit.Operand) uint64 {
	switch op.Kind {
	case jit.OperandImm:
		return uint64(op.Imm)
	case jit.OperandReg:
		return s.GetGPR(op.Reg, op.Width)
	case jit.OperandTemp:
		return temps[op.Temp]
	default:
		return 0
	}
}

func writePlace(s *cpu.State, temps []uint64, place jit.Place, v uint64) {
	switch place.Kind {
	case jit.PlaceReg:
		s.SetGPR(place.Reg, place.Width, v)
	case jit.PlaceTemp:
		temps[place.Temp] = v
	}
}

func evalBin(op jit.BinOp, a, b uint64) uint64 {
	switch op {
	case jit.BinAdd:
		return a + b
	case jit.BinSub:
		return a - b
	case jit.BinAnd:
		return a & b
	case jit.BinOr:
		return a | b
	case jit.BinXor:
		return a ^ b
	case jit.BinShl:
		return a << (b & 63)
	case jit.BinShrU:
		return a >> (b & 63)
	default:
		return a
	}
}

func evalCmp(op jit.CmpOp, a, b uint64) bool {
	sa, sb := int64(a), int64(b)

	switch op {
	case jit.CmpEq:
		return a == b
	case jit.CmpNe:
		return a != b
	case jit.CmpLtS:
		return sa < sb
	case jit.CmpLtU:
		return a < b
	case jit.CmpLeS:
		return sa <= sb
	case jit.CmpLeU:
		return a <= b
	case jit.CmpGtS:
		return sa > sb
	case jit.CmpGtU:
		return a > b
	case jit.CmpGeS:
		return sa >= sb
	case jit.CmpGeU:
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

func loadMem(bus MemBus, cfg mmu.Config, cpl uint8, addr uint64, size jit.MemSize) (uint64, error) {
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

func storeMem(bus MemBus, cfg mmu.Config, cpl uint8, addr uint64, v uint64, size jit.MemSize) error {
	n := sizeBytes(size)

	var buf [8]byte
	for i := 0; i < n; i++ {
		buf[i] = byte(v >> (8 * i))
	}

	return bus.Write(cfg, addr, cpl, buf[:n])
}

func sizeBytes(size jit.MemSize) int {
	switch size {
	case jit.Size8:
		return 1
	case jit.Size16:
		return 2
	case jit.Size32:
		return 4
	default:
		return 8
	}
}
