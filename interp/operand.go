package interp

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/decode"
	"github.com/aerocore/aero/mmu"
)

// gpReg maps an x86asm general-purpose register to Aero's register
// index, its width in bits, and whether it addresses the high byte of
// a legacy 16-bit register (AH/CH/DH/BH) rather than the register's
// low byte.
func gpReg(r x86asm.Reg) (reg cpu.Reg, width uint8, high8, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BH:
		idx := int(r - x86asm.AL)
		if idx < 4 {
			return cpu.Reg(idx), 8, false, true
		}
		return cpu.Reg(idx - 4), 8, true, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return cpu.Reg(4 + int(r-x86asm.SPB)), 8, false, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return cpu.Reg(int(r - x86asm.AX)), 16, false, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return cpu.Reg(int(r - x86asm.EAX)), 32, false, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return cpu.Reg(int(r - x86asm.RAX)), 64, false, true
	default:
		return 0, 0, false, false
	}
}

func segIndex(r x86asm.Reg) cpu.SegReg {
	switch r {
	case x86asm.ES:
		return cpu.SegES
	case x86asm.CS:
		return cpu.SegCS
	case x86asm.SS:
		return cpu.SegSS
	case x86asm.DS:
		return cpu.SegDS
	case x86asm.FS:
		return cpu.SegFS
	case x86asm.GS:
		return cpu.SegGS
	default:
		return cpu.SegDS
	}
}

func readReg(s *cpu.State, r x86asm.Reg) (uint64, uint8, bool) {
	reg, width, high8, ok := gpReg(r)
	if !ok {
		return 0, 0, false
	}

	if high8 {
		return (s.Regs[reg] >> 8) & 0xFF, 8, true
	}

	return s.GetGPR(reg, width), width, true
}

func writeReg(s *cpu.State, r x86asm.Reg, val uint64) bool {
	reg, width, high8, ok := gpReg(r)
	if !ok {
		return false
	}

	if high8 {
		s.Regs[reg] = (s.Regs[reg] &^ 0xFF00) | ((val & 0xFF) << 8)
		return true
	}

	s.SetGPR(reg, width, val)

	return true
}

// addrOffset computes a memory operand's Base+Scale*Index+Disp offset,
// with RIP-relative addressing resolved against the already-advanced
// instruction pointer rather than the architectural Base register.
// This is the address LEA returns: no segment base included.
func addrOffset(s *cpu.State, m decode.Mem, nextRIP uint64) uint64 {
	var addr uint64

	switch {
	case m.RIPRelative:
		addr = nextRIP
	case m.HasBase:
		if base, _, _, ok := gpReg(m.Base); ok {
			addr = s.Regs[base]
		}
	}

	if m.HasIndex {
		if idx, _, _, ok := gpReg(m.Index); ok {
			addr += s.Regs[idx] * uint64(m.Scale)
		}
	}

	return addr + uint64(m.Disp)
}

// memSegment picks the segment a memory operand is relative to: an
// explicit segment override if the encoding carries one, else SS for
// the conventional stack-frame bases (SP/BP), else DS.
func memSegment(m decode.Mem) cpu.SegReg {
	if m.HasSegment {
		return segIndex(m.Segment)
	}

	if m.HasBase && (m.Base == x86asm.SP || m.Base == x86asm.ESP || m.Base == x86asm.RSP ||
		m.Base == x86asm.BP || m.Base == x86asm.EBP || m.Base == x86asm.RBP) {
		return cpu.SegSS
	}

	return cpu.SegDS
}

// effAddr computes a memory operand's full linear (segment-relative)
// address used for an actual memory access.
func effAddr(s *cpu.State, m decode.Mem, nextRIP uint64) uint64 {
	return s.Segs[memSegment(m)].Base + addrOffset(s, m, nextRIP)
}

// operandWidth is the width in bits a given operand is read/written
// at: a register operand's own encoding decides it; a memory operand
// takes the decoded access size; anything else falls back to the
// instruction's operand-size attribute.
func operandWidth(op decode.Operand, inst decode.Inst) uint8 {
	switch op.Kind {
	case decode.OperandReg:
		if _, w, _, ok := gpReg(op.Reg); ok {
			return w
		}
	case decode.OperandMem:
		if inst.MemBytes > 0 {
			return uint8(inst.MemBytes * 8)
		}
	}

	return uint8(inst.Width)
}

func maskWidth(v uint64, width uint8) uint64 {
	switch width {
	case 8:
		return v & 0xFF
	case 16:
		return v & 0xFFFF
	case 32:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}

func signExtend(v uint64, width uint8) int64 {
	switch width {
	case 8:
		return int64(int8(v))
	case 16:
		return int64(int16(v))
	case 32:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func leToU64(b []byte) uint64 {
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (8 * i)
	}

	return v
}

func u64ToLE(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
}

func (mc *Machine) readOperand(s *cpu.State, cfg mmu.Config, op decode.Operand, width uint8, nextRIP uint64) (uint64, error) {
	switch op.Kind {
	case decode.OperandReg:
		v, _, ok := readReg(s, op.Reg)
		if !ok {
			return 0, fmt.Errorf("%w: register %v", ErrUnsupported, op.Reg)
		}

		return v, nil

	case decode.OperandImm:
		return maskWidth(uint64(op.Imm), width), nil

	case decode.OperandRel:
		return uint64(int64(nextRIP) + int64(op.Rel)), nil

	case decode.OperandMem:
		addr := effAddr(s, op.Mem, nextRIP)

		var buf [8]byte

		n := width / 8
		if err := mc.Bus.Read(cfg, addr, s.CPL, buf[:n]); err != nil {
			return 0, err
		}

		return leToU64(buf[:n]), nil

	default:
		return 0, fmt.Errorf("%w: operand kind %v", ErrUnsupported, op.Kind)
	}
}

func (mc *Machine) writeOperand(s *cpu.State, cfg mmu.Config, op decode.Operand, width uint8, nextRIP uint64, val uint64) error {
	switch op.Kind {
	case decode.OperandReg:
		if !writeReg(s, op.Reg, val) {
			return fmt.Errorf("%w: register %v", ErrUnsupported, op.Reg)
		}

		return nil

	case decode.OperandMem:
		addr := effAddr(s, op.Mem, nextRIP)

		var buf [8]byte

		n := width / 8
		u64ToLE(buf[:n], val)

		return mc.Bus.Write(cfg, addr, s.CPL, buf[:n])

	default:
		return fmt.Errorf("%w: cannot write operand kind %v", ErrUnsupported, op.Kind)
	}
}
