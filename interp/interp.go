// Package interp is Aero's tier-0 execution engine: a straight
// fetch-decode-execute loop over one instruction at a time. It is the
// only tier that handles every modeled instruction, including the ones
// the JIT tiers bail out of: HLT, and MSR, CPUID and port I/O, which it
// hands back to the caller as assists. Far jumps and instructions that
// switch modes are not modeled. A jit or trace bailout always resumes
// here.
package interp

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/cpuid"
	"github.com/aerocore/aero/decode"
	"github.com/aerocore/aero/except"
	"github.com/aerocore/aero/membus"
	"github.com/aerocore/aero/mmu"
)

// ErrUnsupported is returned for a decoded instruction this interpreter
// does not model: the guest asked for an opcode Aero's subset does not
// implement. Step wraps it as an unrecoverable fault and returns it to
// the caller; no #UD is delivered to the guest.
var ErrUnsupported = errors.New("interp: unsupported instruction")

// Machine bundles the shared, per-vCPU-independent resources a step
// needs beyond the cpu.State it is stepping: the translated memory
// bus, the legacy I/O port table, and the CPUID leaf table a CPUID
// instruction reads from.
type Machine struct {
	Bus   *mmu.CPUBus
	Ports *membus.Ports
	CPUID *cpuid.Table
	Log   *logrus.Entry
}

// NewMachine wires a Machine from its three dependencies. Log may be
// nil, in which case a disabled logger is installed so call sites
// never need a nil check.
func NewMachine(bus *mmu.CPUBus, ports *membus.Ports, table *cpuid.Table, log *logrus.Entry) *Machine {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}

	return &Machine{Bus: bus, Ports: ports, CPUID: table, Log: log}
}

// modeWidth maps a cpu.Mode to the decode-mode x86asm.Decode expects.
func modeWidth(m cpu.Mode) int {
	switch m {
	case cpu.ModeReal, cpu.ModeProtected16:
		return 16
	case cpu.ModeProtected32, cpu.ModeCompat32:
		return 32
	case cpu.ModeLong:
		return 64
	default:
		return 32
	}
}

func (mc *Machine) cfg(s *cpu.State) mmu.Config {
	return mmu.Config{
		CR3:           s.CRs.CR3,
		PagingEnabled: s.CRs.CR0&cpu.CR0PG != 0,
		PAE:           s.CRs.CR4&cpu.CR4PAE != 0,
		LongMode:      s.MSRs.EFER&cpu.EFERLMA != 0,
		NXEnabled:     s.MSRs.EFER&cpu.EFERNXE != 0,
		WriteProtect:  s.CRs.CR0&cpu.CR0WP != 0,
	}
}

// Step executes exactly one instruction (or, for HLT, yields one
// "nothing happened" step) and reports what happened: a normal
// retirement (OutcomeBlock — the name carries over from the tiered
// executors, where a single interp step is a one-instruction block),
// a halt, a delivered exception, or an assist the caller must resolve
// before Step can be called again (port I/O the embedder owns).
func (mc *Machine) Step(s *cpu.State) (except.Outcome, error) {
	if s.Halted {
		return except.OutcomeHalted, nil
	}

	cfg := mc.cfg(s)

	var code [15]byte
	if err := mc.Bus.Fetch(cfg, s.RIP, s.CPL, code[:]); err != nil {
		return mc.fault(s, cfg, err)
	}

	inst, err := decode.Decode(code[:], modeWidth(s.Mode))
	if err != nil {
		mc.Log.WithFields(logrus.Fields{"rip": s.RIP, "err": err}).Debug("decode failed")
		return mc.fault(s, cfg, except.UD())
	}

	nextRIP := s.RIP + uint64(inst.Len)

	outcome, err := mc.exec(s, cfg, inst, nextRIP)
	if err != nil {
		return mc.fault(s, cfg, err)
	}

	return outcome, nil
}

// fault turns an error from memory translation or instruction
// execution into a delivered exception, unless it is an Assist, which
// the caller (not except.Deliver) must resolve.
func (mc *Machine) fault(s *cpu.State, cfg mmu.Config, err error) (except.Outcome, error) {
	var e except.Exception

	switch v := err.(type) {
	case except.Assist:
		return except.OutcomeAssistPending, err
	case except.Exception:
		e = v
	case *mmu.PageFault:
		e = except.PF(v.Addr, v.ErrorCode)
	case *mmu.NonCanonical:
		e = except.GP0()
	default:
		return except.OutcomeException, fmt.Errorf("interp: unrecoverable fault: %w", err)
	}

	if delivErr := except.Deliver(s, mc.Bus, cfg, s.CPL, e); delivErr != nil {
		return except.OutcomeException, fmt.Errorf("interp: exception delivery failed: %w", delivErr)
	}

	return except.OutcomeException, nil
}

func (mc *Machine) exec(s *cpu.State, cfg mmu.Config, inst decode.Inst, nextRIP uint64) (except.Outcome, error) {
	switch inst.Op {
	case x86asm.NOP:
		s.RIP = nextRIP

	case x86asm.HLT:
		if s.CPL != 0 {
			return except.OutcomeException, except.GP0()
		}
		s.Halted = true
		s.RIP = nextRIP

	case x86asm.MOV:
		return mc.execMov(s, cfg, inst, nextRIP)
	case x86asm.MOVZX:
		return mc.execMovx(s, cfg, inst, nextRIP, false)
	case x86asm.MOVSX:
		return mc.execMovx(s, cfg, inst, nextRIP, true)
	case x86asm.LEA:
		return mc.execLea(s, inst, nextRIP)

	case x86asm.ADD:
		return mc.execAluRW(s, cfg, inst, nextRIP, cpu.ArithAdd)
	case x86asm.SUB:
		return mc.execAluRW(s, cfg, inst, nextRIP, cpu.ArithSub)
	case x86asm.AND:
		return mc.execAluRW(s, cfg, inst, nextRIP, cpu.ArithAnd)
	case x86asm.OR:
		return mc.execAluRW(s, cfg, inst, nextRIP, cpu.ArithOr)
	case x86asm.XOR:
		return mc.execAluRW(s, cfg, inst, nextRIP, cpu.ArithXor)
	case x86asm.CMP:
		return mc.execAluCompareOnly(s, cfg, inst, nextRIP, cpu.ArithCmp)
	case x86asm.TEST:
		return mc.execAluCompareOnly(s, cfg, inst, nextRIP, cpu.ArithAnd)
	case x86asm.INC:
		return mc.execIncDec(s, cfg, inst, nextRIP, cpu.ArithInc)
	case x86asm.DEC:
		return mc.execIncDec(s, cfg, inst, nextRIP, cpu.ArithDec)
	case x86asm.NEG:
		return mc.execNeg(s, cfg, inst, nextRIP)
	case x86asm.NOT:
		return mc.execNot(s, cfg, inst, nextRIP)
	case x86asm.SHL:
		return mc.execShift(s, cfg, inst, nextRIP, cpu.ArithShl)
	case x86asm.SHR:
		return mc.execShift(s, cfg, inst, nextRIP, cpu.ArithShr)
	case x86asm.SAR:
		return mc.execShift(s, cfg, inst, nextRIP, cpu.ArithSar)

	case x86asm.PUSH:
		return mc.execPush(s, cfg, inst, nextRIP)
	case x86asm.POP:
		return mc.execPop(s, cfg, inst, nextRIP)

	case x86asm.JMP:
		return mc.execJmp(s, cfg, inst, nextRIP)
	case x86asm.CALL:
		return mc.execCall(s, cfg, inst, nextRIP)
	case x86asm.RET:
		return mc.execRet(s, cfg, nextRIP)
	case x86asm.LOOP:
		return mc.execLoop(s, inst, nextRIP)

	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return mc.execJcc(s, inst, nextRIP)

	case x86asm.CLC:
		s.SetFlag(cpu.FlagCF, false)
		s.RIP = nextRIP
	case x86asm.STC:
		s.SetFlag(cpu.FlagCF, true)
		s.RIP = nextRIP
	case x86asm.CLD:
		s.SetFlag(cpu.FlagDF, false)
		s.RIP = nextRIP
	case x86asm.STD:
		s.SetFlag(cpu.FlagDF, true)
		s.RIP = nextRIP
	case x86asm.CLI:
		if s.CPL != 0 {
			return except.OutcomeException, except.GP0()
		}
		s.SetFlag(cpu.FlagIF, false)
		s.RIP = nextRIP
	case x86asm.STI:
		if s.CPL != 0 {
			return except.OutcomeException, except.GP0()
		}
		s.SetFlag(cpu.FlagIF, true)
		s.RIP = nextRIP

	case x86asm.CPUID:
		s.RIP = nextRIP
		return except.OutcomeAssistPending, except.Assist{Reason: except.AssistCPUID}
	case x86asm.RDMSR:
		s.RIP = nextRIP
		return except.OutcomeAssistPending, except.Assist{Reason: except.AssistMSR}
	case x86asm.WRMSR:
		s.RIP = nextRIP
		return except.OutcomeAssistPending, except.Assist{Reason: except.AssistMSR}
	case x86asm.IN:
		return except.OutcomeAssistPending, except.Assist{Reason: except.AssistIO}
	case x86asm.OUT:
		return except.OutcomeAssistPending, except.Assist{Reason: except.AssistIO}

	case x86asm.XCHG:
		return mc.execXchg(s, cfg, inst, nextRIP)

	default:
		return except.OutcomeException, fmt.Errorf("%w: %v", ErrUnsupported, inst.Op)
	}

	return except.OutcomeBlock, nil
}
