package interp

import (
	"fmt"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/decode"
	"github.com/aerocore/aero/except"
	"github.com/aerocore/aero/mmu"
)

func aluCompute(op cpu.ArithOp, lhs, rhs uint64) uint64 {
	switch op {
	case cpu.ArithAdd:
		return lhs + rhs
	case cpu.ArithSub, cpu.ArithCmp:
		return lhs - rhs
	case cpu.ArithAnd:
		return lhs & rhs
	case cpu.ArithOr:
		return lhs | rhs
	case cpu.ArithXor:
		return lhs ^ rhs
	case cpu.ArithInc:
		return lhs + 1
	case cpu.ArithDec:
		return lhs - 1
	default:
		return lhs
	}
}

// execAluRW executes a two-operand read-modify-write ALU instruction
// (ADD/SUB/AND/OR/XOR): read both operands, compute, write the result
// back to the destination, defer flags.
func (mc *Machine) execAluRW(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64, op cpu.ArithOp) (except.Outcome, error) {
	if inst.NArgs != 2 {
		return except.OutcomeException, fmt.Errorf("%w: %v with %d args", ErrUnsupported, inst.Op, inst.NArgs)
	}

	dst, src := inst.Args[0], inst.Args[1]
	width := operandWidth(dst, inst)

	lhs, err := mc.readOperand(s, cfg, dst, width, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	rhs, err := mc.readOperand(s, cfg, src, width, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	result := maskWidth(aluCompute(op, lhs, rhs), width)

	if err := mc.writeOperand(s, cfg, dst, width, nextRIP, result); err != nil {
		return except.OutcomeException, err
	}

	s.SetArith(op, width, lhs, rhs, result)
	s.RIP = nextRIP

	return except.OutcomeBlock, nil
}

// execAluCompareOnly executes CMP/TEST: same computation as execAluRW
// but the result never reaches the destination operand.
func (mc *Machine) execAluCompareOnly(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64, op cpu.ArithOp) (except.Outcome, error) {
	if inst.NArgs != 2 {
		return except.OutcomeException, fmt.Errorf("%w: %v with %d args", ErrUnsupported, inst.Op, inst.NArgs)
	}

	lhsOp, rhsOp := inst.Args[0], inst.Args[1]
	width := operandWidth(lhsOp, inst)

	lhs, err := mc.readOperand(s, cfg, lhsOp, width, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	rhs, err := mc.readOperand(s, cfg, rhsOp, width, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	result := maskWidth(aluCompute(op, lhs, rhs), width)
	s.SetArith(op, width, lhs, rhs, result)
	s.RIP = nextRIP

	return except.OutcomeBlock, nil
}

// execIncDec executes INC/DEC: unlike ADD/SUB by 1, these leave CF
// untouched, which is why they keep their own ArithOp rather than
// reusing ArithAdd/ArithSub.
func (mc *Machine) execIncDec(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64, op cpu.ArithOp) (except.Outcome, error) {
	if inst.NArgs != 1 {
		return except.OutcomeException, fmt.Errorf("%w: %v with %d args", ErrUnsupported, inst.Op, inst.NArgs)
	}

	dst := inst.Args[0]
	width := operandWidth(dst, inst)

	v, err := mc.readOperand(s, cfg, dst, width, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	result := maskWidth(aluCompute(op, v, 1), width)
	if err := mc.writeOperand(s, cfg, dst, width, nextRIP, result); err != nil {
		return except.OutcomeException, err
	}

	cf := s.Flag(cpu.FlagCF)
	s.SetArith(op, width, v, 1, result)
	s.SetFlag(cpu.FlagCF, cf)
	s.RIP = nextRIP

	return except.OutcomeBlock, nil
}

func (mc *Machine) execNeg(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64) (except.Outcome, error) {
	if inst.NArgs != 1 {
		return except.OutcomeException, fmt.Errorf("%w: NEG with %d args", ErrUnsupported, inst.NArgs)
	}

	dst := inst.Args[0]
	width := operandWidth(dst, inst)

	v, err := mc.readOperand(s, cfg, dst, width, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	result := maskWidth(-v, width)
	if err := mc.writeOperand(s, cfg, dst, width, nextRIP, result); err != nil {
		return except.OutcomeException, err
	}

	s.SetArith(cpu.ArithNeg, width, 0, v, result)
	s.RIP = nextRIP

	return except.OutcomeBlock, nil
}

// execNot flips every bit and touches no flags.
func (mc *Machine) execNot(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64) (except.Outcome, error) {
	if inst.NArgs != 1 {
		return except.OutcomeException, fmt.Errorf("%w: NOT with %d args", ErrUnsupported, inst.NArgs)
	}

	dst := inst.Args[0]
	width := operandWidth(dst, inst)

	v, err := mc.readOperand(s, cfg, dst, width, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	result := maskWidth(^v, width)
	if err := mc.writeOperand(s, cfg, dst, width, nextRIP, result); err != nil {
		return except.OutcomeException, err
	}

	s.RIP = nextRIP

	return except.OutcomeBlock, nil
}

func (mc *Machine) execShift(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64, op cpu.ArithOp) (except.Outcome, error) {
	if inst.NArgs != 2 {
		return except.OutcomeException, fmt.Errorf("%w: %v with %d args", ErrUnsupported, inst.Op, inst.NArgs)
	}

	dst, cntOp := inst.Args[0], inst.Args[1]
	width := operandWidth(dst, inst)

	v, err := mc.readOperand(s, cfg, dst, width, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	cnt, err := mc.readOperand(s, cfg, cntOp, 8, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	cnt &= 0x1F
	if width == 64 {
		cnt &= 0x3F
	}

	var result uint64

	switch op {
	case cpu.ArithShl:
		result = v << cnt
	case cpu.ArithShr:
		result = maskWidth(v, width) >> cnt
	case cpu.ArithSar:
		result = uint64(signExtend(v, width) >> cnt)
	}

	result = maskWidth(result, width)

	if err := mc.writeOperand(s, cfg, dst, width, nextRIP, result); err != nil {
		return except.OutcomeException, err
	}

	if cnt != 0 {
		s.SetArith(op, width, v, cnt, result)
	}

	s.RIP = nextRIP

	return except.OutcomeBlock, nil
}

func (mc *Machine) execXchg(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64) (except.Outcome, error) {
	if inst.NArgs != 2 {
		return except.OutcomeException, fmt.Errorf("%w: XCHG with %d args", ErrUnsupported, inst.NArgs)
	}

	a, b := inst.Args[0], inst.Args[1]
	width := operandWidth(a, inst)

	va, err := mc.readOperand(s, cfg, a, width, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	vb, err := mc.readOperand(s, cfg, b, width, nextRIP)
	if err != nil {
		return except.OutcomeException, err
	}

	if err := mc.writeOperand(s, cfg, a, width, nextRIP, vb); err != nil {
		return except.OutcomeException, err
	}

	if err := mc.writeOperand(s, cfg, b, width, nextRIP, va); err != nil {
		return except.OutcomeException, err
	}

	s.RIP = nextRIP

	return except.OutcomeBlock, nil
}
