package interp

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/decode"
	"github.com/aerocore/aero/except"
)

// condTaken evaluates a Jcc's condition against the CPU's current
// flags. JCXZ/JECXZ/JRCXZ test a GP register instead of RFLAGS, so
// they take the state directly rather than going through cpu.Flag.
func condTaken(s *cpu.State, op x86asm.Op) (bool, error) {
	switch op {
	case x86asm.JA:
		return !s.Flag(cpu.FlagCF) && !s.Flag(cpu.FlagZF), nil
	case x86asm.JAE:
		return !s.Flag(cpu.FlagCF), nil
	case x86asm.JB:
		return s.Flag(cpu.FlagCF), nil
	case x86asm.JBE:
		return s.Flag(cpu.FlagCF) || s.Flag(cpu.FlagZF), nil
	case x86asm.JE:
		return s.Flag(cpu.FlagZF), nil
	case x86asm.JNE:
		return !s.Flag(cpu.FlagZF), nil
	case x86asm.JG:
		return !s.Flag(cpu.FlagZF) && s.Flag(cpu.FlagSF) == s.Flag(cpu.FlagOF), nil
	case x86asm.JGE:
		return s.Flag(cpu.FlagSF) == s.Flag(cpu.FlagOF), nil
	case x86asm.JL:
		return s.Flag(cpu.FlagSF) != s.Flag(cpu.FlagOF), nil
	case x86asm.JLE:
		return s.Flag(cpu.FlagZF) || s.Flag(cpu.FlagSF) != s.Flag(cpu.FlagOF), nil
	case x86asm.JO:
		return s.Flag(cpu.FlagOF), nil
	case x86asm.JNO:
		return !s.Flag(cpu.FlagOF), nil
	case x86asm.JS:
		return s.Flag(cpu.FlagSF), nil
	case x86asm.JNS:
		return !s.Flag(cpu.FlagSF), nil
	case x86asm.JP:
		return s.Flag(cpu.FlagPF), nil
	case x86asm.JNP:
		return !s.Flag(cpu.FlagPF), nil
	case x86asm.JCXZ:
		return s.Regs[cpu.RCX]&0xFFFF == 0, nil
	case x86asm.JECXZ:
		return s.Regs[cpu.RCX]&0xFFFFFFFF == 0, nil
	case x86asm.JRCXZ:
		return s.Regs[cpu.RCX] == 0, nil
	default:
		return false, fmt.Errorf("%w: condition %v", ErrUnsupported, op)
	}
}

func (mc *Machine) execJcc(s *cpu.State, inst decode.Inst, nextRIP uint64) (except.Outcome, error) {
	if inst.NArgs != 1 || inst.Args[0].Kind != decode.OperandRel {
		return except.OutcomeException, fmt.Errorf("%w: unsupported Jcc operand", ErrUnsupported)
	}

	taken, err := condTaken(s, inst.Op)
	if err != nil {
		return except.OutcomeException, err
	}

	if taken {
		s.RIP = uint64(int64(nextRIP) + int64(inst.Args[0].Rel))
	} else {
		s.RIP = nextRIP
	}

	return except.OutcomeBlock, nil
}
