package interp

import (
	"fmt"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/decode"
	"github.com/aerocore/aero/except"
	"github.com/aerocore/aero/mmu"
)

func (mc *Machine) execMov(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64) (except.Outcome, error) {
	if inst.NArgs != 2 {
		return except.OutcomeException, fmt.Errorf("%w: MOV with %d args", ErrUnsupported, inst.NArgs)
	}

	dst, src := inst.Args[0], inst.Args[1]
	width := operandWidth(dst, inst)

	v, err := mc.readOperand(s, cfg, src, width, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	if err := mc.writeOperand(s, cfg, dst, width, nextRIP, v); err != nil {
		return except.OutcomeException, err
	}

	s.RIP = nextRIP

	return except.OutcomeBlock, nil
}

func (mc *Machine) execMovx(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64, signExt bool) (except.Outcome, error) {
	if inst.NArgs != 2 {
		return except.OutcomeException, fmt.Errorf("%w: MOVZX/MOVSX with %d args", ErrUnsupported, inst.NArgs)
	}

	dst, src := inst.Args[0], inst.Args[1]
	dstWidth := operandWidth(dst, inst)
	srcWidth := operandWidth(src, inst)

	v, err := mc.readOperand(s, cfg, src, srcWidth, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	var result uint64
	if signExt {
		result = uint64(signExtend(v, srcWidth))
	} else {
		result = v
	}

	result = maskWidth(result, dstWidth)

	if err := mc.writeOperand(s, cfg, dst, dstWidth, nextRIP, result); err != nil {
		return except.OutcomeException, err
	}

	s.RIP = nextRIP

	return except.OutcomeBlock, nil
}

// execLea computes a memory operand's effective address without
// touching memory at all; the only writeback is the address itself
// into the destination register.
func (mc *Machine) execLea(s *cpu.State, inst decode.Inst, nextRIP uint64) (except.Outcome, error) {
	if inst.NArgs != 2 || inst.Args[1].Kind != decode.OperandMem {
		return except.OutcomeException, fmt.Errorf("%w: LEA with unexpected operands", ErrUnsupported)
	}

	dst := inst.Args[0]
	width := operandWidth(dst, inst)

	addr := addrOffset(s, inst.Args[1].Mem, nextRIP)

	if !writeReg(s, dst.Reg, maskWidth(addr, width)) {
		return except.OutcomeException, fmt.Errorf("%w: LEA destination", ErrUnsupported)
	}

	s.RIP = nextRIP

	return except.OutcomeBlock, nil
}

func stackWidth(s *cpu.State) uint8 {
	switch s.Mode {
	case cpu.ModeLong:
		return 64
	case cpu.ModeReal, cpu.ModeProtected16:
		return 16
	default:
		return 32
	}
}

func pushVal(mc *Machine, s *cpu.State, cfg mmu.Config, val uint64) error {
	width := stackWidth(s)
	n := uint64(width / 8)

	sp := s.Regs[cpu.RSP] - n
	s.Regs[cpu.RSP] = (s.Regs[cpu.RSP] &^ maskWidth(^uint64(0), width)) | maskWidth(sp, width)

	var buf [8]byte
	u64ToLE(buf[:n], val)

	return mc.Bus.Write(cfg, s.Segs[cpu.SegSS].Base+maskWidth(sp, width), s.CPL, buf[:n])
}

func popVal(mc *Machine, s *cpu.State, cfg mmu.Config) (uint64, error) {
	width := stackWidth(s)
	n := uint64(width / 8)

	sp := maskWidth(s.Regs[cpu.RSP], width)

	var buf [8]byte
	if err := mc.Bus.Read(cfg, s.Segs[cpu.SegSS].Base+sp, s.CPL, buf[:n]); err != nil {
		return 0, err
	}

	s.Regs[cpu.RSP] = (s.Regs[cpu.RSP] &^ maskWidth(^uint64(0), width)) | maskWidth(sp+n, width)

	return leToU64(buf[:n]), nil
}

func (mc *Machine) execPush(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64) (except.Outcome, error) {
	if inst.NArgs != 1 {
		return except.OutcomeException, fmt.Errorf("%w: PUSH with %d args", ErrUnsupported, inst.NArgs)
	}

	width := operandWidth(inst.Args[0], inst)

	v, err := mc.readOperand(s, cfg, inst.Args[0], width, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	if err := pushVal(mc, s, cfg, v); err != nil {
		return except.OutcomeException, err
	}

	s.RIP = nextRIP

	return except.OutcomeBlock, nil
}

func (mc *Machine) execPop(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64) (except.Outcome, error) {
	if inst.NArgs != 1 {
		return except.OutcomeException, fmt.Errorf("%w: POP with %d args", ErrUnsupported, inst.NArgs)
	}

	v, err := popVal(mc, s, cfg)
	if err != nil {
		return except.OutcomeException, err
	}

	width := operandWidth(inst.Args[0], inst)
	if err := mc.writeOperand(s, cfg, inst.Args[0], width, nextRIP, v); err != nil {
		return except.OutcomeException, err
	}

	s.RIP = nextRIP

	return except.OutcomeBlock, nil
}

// jumpTarget resolves a JMP/CALL's destination: either a Rel operand
// (the common near-relative encoding) or a register/memory operand
// holding an absolute address (indirect JMP/CALL).
func (mc *Machine) jumpTarget(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64) (uint64, error) {
	if inst.NArgs != 1 {
		return 0, fmt.Errorf("%w: unsupported jump operand count", ErrUnsupported)
	}

	op := inst.Args[0]
	if op.Kind == decode.OperandRel {
		return uint64(int64(nextRIP) + int64(op.Rel)), nil
	}

	width := operandWidth(op, inst)
	if width == 0 {
		width = uint8(stackWidth(s))
	}

	return mc.readOperand(s, cfg, op, width, nextRIP)
}

func (mc *Machine) execJmp(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64) (except.Outcome, error) {
	target, err := mc.jumpTarget(s, cfg, inst, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	s.RIP = target

	return except.OutcomeBlock, nil
}

func (mc *Machine) execCall(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64) (except.Outcome, error) {
	target, err := mc.jumpTarget(s, cfg, inst, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	if err := pushVal(mc, s, cfg, nextRIP); err != nil {
		return except.OutcomeException, err
	}

	s.RIP = target

	return except.OutcomeBlock, nil
}

func (mc *Machine) execRet(s *cpu.State, cfg mmu.Config, nextRIP uint64) (except.Outcome, error) {
	target, err := popVal(mc, s, cfg)
	if err != nil {
		return except.OutcomeException, err
	}

	s.RIP = target

	return except.OutcomeBlock, nil
}

func (mc *Machine) execLoop(s *cpu.State, inst decode.Inst, nextRIP uint64) (except.Outcome, error) {
	if inst.NArgs != 1 || inst.Args[0].Kind != decode.OperandRel {
		return except.OutcomeException, fmt.Errorf("%w: unsupported LOOP operand", ErrUnsupported)
	}

	cx := s.Regs[cpu.RCX] - 1
	s.Regs[cpu.RCX] = cx

	if cx&0xFFFFFFFF != 0 {
		s.RIP = uint64(int64(nextRIP) + int64(inst.Args[0].Rel))
	} else {
		s.RIP = nextRIP
	}

	return except.OutcomeBlock, nil
}
