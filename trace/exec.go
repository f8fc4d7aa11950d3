package trace

import (
	"fmt"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/jit"
	"github.com/aerocore/aero/mmu"
)

// ExitKind reports why Run stopped.
type ExitKind int

const (
	// Returned means the trace ran to one of its own Exit/ExitIf
	// terminators normally; NextRIP is where the guest resumes.
	Returned ExitKind = iota
	// Invalidate means a page guard failed: the code this trace was
	// compiled from has been overwritten since. The caller must evict
	// the trace (and anything else guarding the same page) and resume
	// at NextRIP — which is always the trace's own EntryRIP, since the
	// guard check runs before any Op commits state.
	Invalidate
	// SideExit means the IR itself could not continue: a Load/Store
	// faulted, or execution fell off the end of Ops without hitting a
	// terminator. The caller resumes at NextRIP through the
	// interpreter.
	SideExit
)

// RunExit is Run's report of how far it got and what the caller must
// do next.
type RunExit struct {
	Kind    ExitKind
	NextRIP uint64
	Err     error
}

// Run executes one pass of trace against s. It rechecks every standing
// page guard before touching any state; for a Loop-kind trace the
// dispatcher is expected to call Run again on every iteration (rather
// than looping internally), which is what makes the guard recheck
// effectively per-iteration rather than only at the first entry.
//
// In a trace with Bitness 32, Load/Store addresses are masked to 32 bits
// before use (16- and 64-bit traces use them unmasked): in 32-bit mode
// EDI/ESP/etc. are 32-bit values even though Aero
// stores every GPR 64 bits wide, and the hardware truncates any
// address computed from them to 32 bits before it reaches the bus.
// Skipping this mask would let a register that happens to carry
// stale high bits address memory the guest could never actually
// reach.
func Run(trace *Trace, guards GuardSource, s *cpu.State, bus MemBus, cfg mmu.Config, cpl uint8) RunExit {
	for _, g := range trace.Prologue {
		v, err := guards.CodeVersion(cfg, g.VAddr, cpl)
		if err != nil {
			return RunExit{Kind: SideExit, NextRIP: trace.EntryRIP, Err: err}
		}
		if v != g.Expected {
			return RunExit{Kind: Invalidate, NextRIP: trace.EntryRIP}
		}
	}

	mask := addrMask(trace.Bitness)
	temps := make([]uint64, trace.TempCount)

	for _, op := range trace.Ops {
		switch op.Kind {
		case jit.OpSet:
			writePlace(s, temps, op.Dst, evalOperand(s, temps, op.Src))

		case jit.OpBin:
			a := evalOperand(s, temps, op.Lhs)
			b := evalOperand(s, temps, op.Rhs)
			writePlace(s, temps, op.Dst, evalBin(op.Bin, a, b))

		case jit.OpCmp:
			a := evalOperand(s, temps, op.Lhs)
			b := evalOperand(s, temps, op.Rhs)
			writePlace(s, temps, op.Dst, boolU64(evalCmp(op.Cmp, a, b)))

		case jit.OpSelect:
			c := evalOperand(s, temps, op.Cond)
			t := evalOperand(s, temps, op.IfTrue)
			f := evalOperand(s, temps, op.IfFalse)
			if c != 0 {
				writePlace(s, temps, op.Dst, t)
			} else {
				writePlace(s, temps, op.Dst, f)
			}

		case jit.OpLoad:
			addr := evalOperand(s, temps, op.Addr) & mask
			v, err := loadMem(bus, cfg, cpl, addr, op.Size)
			if err != nil {
				return RunExit{Kind: SideExit, NextRIP: trace.EntryRIP, Err: err}
			}
			writePlace(s, temps, op.Dst, v)

		case jit.OpStore:
			addr := evalOperand(s, temps, op.Addr) & mask
			v := evalOperand(s, temps, op.Value)
			if err := storeMem(bus, cfg, cpl, addr, v, op.Size); err != nil {
				return RunExit{Kind: SideExit, NextRIP: trace.EntryRIP, Err: err}
			}

		case jit.OpExit:
			s.RIP = evalOperand(s, temps, op.NextRIP)
			return RunExit{Kind: Returned, NextRIP: s.RIP}

		case jit.OpExitIf:
			if evalOperand(s, temps, op.Cond) != 0 {
				s.RIP = evalOperand(s, temps, op.NextRIP)
				return RunExit{Kind: Returned, NextRIP: s.RIP}
			}

		case jit.OpBailout:
			return RunExit{Kind: SideExit, NextRIP: op.BailoutAtGuestIP}

		default:
			return RunExit{Kind: SideExit, NextRIP: trace.EntryRIP, Err: fmt.Errorf("trace: unknown op kind %d", op.Kind)}
		}
	}

	return RunExit{Kind: SideExit, NextRIP: trace.EntryRIP, Err: fmt.Errorf("trace: trace did not terminate with Exit/ExitIf/Bailout")}
}

func addrMask(bitness int) uint64 {
	if bitness == 32 {
		return 0xFFFFFFFF
	}
	return ^uint64(0)
}
