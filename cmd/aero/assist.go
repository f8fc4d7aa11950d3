package main

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/decode"
	"github.com/aerocore/aero/except"
	"github.com/aerocore/aero/interp"
	"github.com/aerocore/aero/membus"
	"github.com/aerocore/aero/mmu"
)

// cfgFor mirrors interp.Machine's private paging-config derivation:
// every assist resolver needs to refetch bytes from the same address
// space the interpreter just faulted out of.
func cfgFor(s *cpu.State) mmu.Config {
	return mmu.Config{
		CR3:           s.CRs.CR3,
		PagingEnabled: s.CRs.CR0&cpu.CR0PG != 0,
		PAE:           s.CRs.CR4&cpu.CR4PAE != 0,
		LongMode:      s.MSRs.EFER&cpu.EFERLMA != 0,
		NXEnabled:     s.MSRs.EFER&cpu.EFERNXE != 0,
		WriteProtect:  s.CRs.CR0&cpu.CR0WP != 0,
	}
}

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

// resolveAssist performs the host-side work a Tier-0 assist requires
// and retires the instruction that requested it. CPUID/RDMSR/WRMSR
// already had RIP advanced past them by the interpreter; IN/OUT have
// not, since their length and operand widths are only known once
// decoded here.
func resolveAssist(mc *interp.Machine, s *cpu.State, ports *membus.Ports, reason except.AssistReason) error {
	switch reason {
	case except.AssistCPUID:
		return resolveCPUID(mc, s)
	case except.AssistMSR:
		return resolveMSR(mc, s)
	case except.AssistIO:
		return resolveIO(mc, s, ports)
	default:
		return fmt.Errorf("cmd/aero: unhandled assist reason %s", reason)
	}
}

func resolveCPUID(mc *interp.Machine, s *cpu.State) error {
	function := uint32(s.GetGPR(cpu.RAX, 32))
	index := uint32(s.GetGPR(cpu.RCX, 32))

	leaf, ok := mc.CPUID.Lookup(function, index)
	if !ok {
		leaf, _ = mc.CPUID.Lookup(0, 0)
	}

	s.SetGPR(cpu.RAX, 32, uint64(leaf.EAX))
	s.SetGPR(cpu.RBX, 32, uint64(leaf.EBX))
	s.SetGPR(cpu.RCX, 32, uint64(leaf.ECX))
	s.SetGPR(cpu.RDX, 32, uint64(leaf.EDX))

	return nil
}

// resolveMSR re-decodes the two-byte RDMSR/WRMSR encoding RIP just
// advanced past: except.AssistMSR alone does not say which of the two
// sent it, since both bail to the same assist reason.
func resolveMSR(mc *interp.Machine, s *cpu.State) error {
	cfg := cfgFor(s)

	var code [2]byte
	if err := mc.Bus.Fetch(cfg, s.RIP-2, s.CPL, code[:]); err != nil {
		return fmt.Errorf("cmd/aero: refetch for MSR assist: %w", err)
	}

	inst, err := decode.Decode(code[:], modeWidth(s.Mode))
	if err != nil {
		return fmt.Errorf("cmd/aero: redecode for MSR assist: %w", err)
	}

	msr := uint32(s.GetGPR(cpu.RCX, 32))

	switch inst.Op {
	case x86asm.RDMSR:
		v, err := s.ReadMSR(msr)
		if err != nil {
			return except.Deliver(s, mc.Bus, cfg, s.CPL, except.GP0())
		}
		s.SetGPR(cpu.RAX, 32, v&0xFFFFFFFF)
		s.SetGPR(cpu.RDX, 32, v>>32)

	case x86asm.WRMSR:
		v := s.GetGPR(cpu.RAX, 32) | s.GetGPR(cpu.RDX, 32)<<32
		if err := s.WriteMSR(msr, v); err != nil {
			return except.Deliver(s, mc.Bus, cfg, s.CPL, except.GP0())
		}

	default:
		return fmt.Errorf("cmd/aero: unexpected MSR-assist opcode %v", inst.Op)
	}

	return nil
}

// resolveIO re-decodes the IN/OUT instruction at RIP (not yet advanced:
// its length and accumulator width are only known post-decode), performs
// the port access against ports, and retires it.
func resolveIO(mc *interp.Machine, s *cpu.State, ports *membus.Ports) error {
	cfg := cfgFor(s)

	var code [15]byte
	if err := mc.Bus.Fetch(cfg, s.RIP, s.CPL, code[:]); err != nil {
		return fmt.Errorf("cmd/aero: refetch for IO assist: %w", err)
	}

	inst, err := decode.Decode(code[:], modeWidth(s.Mode))
	if err != nil {
		return fmt.Errorf("cmd/aero: redecode for IO assist: %w", err)
	}

	isIn := inst.Op == x86asm.IN

	var accum, portOp decode.Operand
	if isIn {
		accum, portOp = inst.Args[0], inst.Args[1]
	} else {
		portOp, accum = inst.Args[0], inst.Args[1]
	}

	var width uint8
	switch accum.Reg {
	case x86asm.AL:
		width = 8
	case x86asm.AX:
		width = 16
	case x86asm.EAX:
		width = 32
	default:
		return fmt.Errorf("cmd/aero: unexpected IO accumulator register %v", accum.Reg)
	}

	var port uint64
	if portOp.Kind == decode.OperandImm {
		port = uint64(portOp.Imm)
	} else {
		port = s.GetGPR(cpu.RDX, 16)
	}

	buf := make([]byte, width/8)

	if isIn {
		if err := ports.In(port, buf); err != nil {
			return fmt.Errorf("cmd/aero: port %#x in: %w", port, err)
		}

		var v uint64
		for i, b := range buf {
			v |= uint64(b) << (8 * i)
		}
		s.SetGPR(cpu.RAX, width, v)
	} else {
		v := s.GetGPR(cpu.RAX, width)
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}

		if err := ports.Out(port, buf); err != nil {
			return fmt.Errorf("cmd/aero: port %#x out: %w", port, err)
		}
	}

	s.RIP += uint64(inst.Len)

	return nil
}
