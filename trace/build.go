package trace

import (
	"errors"
	"fmt"

	"github.com/aerocore/aero/jit"
	"github.com/aerocore/aero/mmu"
)

// ErrNoTrace means TraceBuilder could not compile even the entry
// block — the caller should keep dispatching through Tier-1/the
// interpreter instead of installing a degenerate trace.
var ErrNoTrace = errors.New("trace: entry block not compilable")

// TraceBuilder grows a Trace by repeatedly compiling Tier-1 blocks
// (jit.Compile) from a starting RIP and following whichever edge each
// block's terminator resolves to, stopping at the configured size
// bounds or the first block that will not compile at all.
type TraceBuilder struct {
	bus     jit.Fetcher
	guards  GuardSource
	cfg     mmu.Config
	cpl     uint8
	bitness int
	profile *ProfileData
	config  TraceConfig
}

// NewTraceBuilder constructs a builder for one vCPU context. bus is
// used both to fetch instruction bytes (jit.Compile) and to read
// code-version guards (GuardSource); mmu.CPUBus satisfies both.
func NewTraceBuilder(bus jit.Fetcher, guards GuardSource, cfg mmu.Config, cpl uint8, bitness int, profile *ProfileData, config TraceConfig) *TraceBuilder {
	return &TraceBuilder{
		bus:     bus,
		guards:  guards,
		cfg:     cfg,
		cpl:     cpl,
		bitness: bitness,
		profile: profile,
		config:  config,
	}
}

// BuildFrom compiles a trace rooted at entryRIP. It marks the trace
// Loop if, while stitching blocks together, it crosses a backedge the
// profile has marked hot and that lands back at entryRIP (closing the
// loop the profiler actually observed) — any other trace is Linear.
func (tb *TraceBuilder) BuildFrom(entryRIP uint64) (*Trace, error) {
	seenPages := map[uint64]bool{}
	var guardPages []uint64
	recordGuardPage := func(vaddr uint64) {
		p := vaddr &^ 0xFFF
		if !seenPages[p] {
			seenPages[p] = true
			guardPages = append(guardPages, p)
		}
	}

	var ops []jit.Op
	tempBase := 0
	rip := entryRIP
	blocks := 0
	instrs := 0
	kind := Linear

	for blocks < tb.config.MaxBlocks && instrs < tb.config.MaxInstrs {
		recordGuardPage(rip)

		block, err := jit.Compile(tb.bus, tb.cfg, tb.cpl, rip, tb.bitness)
		if err != nil {
			// The previous block's terminator (if any) was left
			// intact precisely for this case: nothing here continues
			// it, so it still correctly ends the trace.
			if blocks == 0 {
				return nil, fmt.Errorf("%w: %v", ErrNoTrace, err)
			}
			break
		}

		renumbered := renumberTemps(block.Ops, tempBase)
		tempBase += block.TempCount

		if blocks > 0 {
			// Now that the continuation actually compiled, the
			// previous block's fallthrough Exit (the only terminator
			// staticExitTarget ever calls chainable) is redundant.
			ops = ops[:len(ops)-1]
		}

		ops = append(ops, renumbered...)
		blocks++
		instrs += len(block.Ops)

		last := renumbered[len(renumbered)-1]
		nextRIP, chainable := staticExitTarget(last)
		atBound := blocks >= tb.config.MaxBlocks || instrs >= tb.config.MaxInstrs

		if !chainable || atBound {
			break
		}

		if tb.profile.IsHotBackedge(rip, nextRIP) && nextRIP == entryRIP {
			kind = Loop
		}

		rip = nextRIP
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: empty trace", ErrNoTrace)
	}

	guards := make([]PageGuard, 0, len(guardPages))
	for _, p := range guardPages {
		v, err := tb.guards.CodeVersion(tb.cfg, p, tb.cpl)
		if err != nil {
			return nil, fmt.Errorf("trace: guard CodeVersion: %w", err)
		}
		guards = append(guards, PageGuard{VAddr: p, Expected: v})
	}

	return &Trace{
		EntryRIP:  entryRIP,
		Kind:      kind,
		Bitness:   tb.bitness,
		Prologue:  guards,
		Ops:       ops,
		TempCount: tempBase,
	}, nil
}

// staticExitTarget reports the constant RIP an Exit op resolves to, so
// the builder can decide whether to keep stitching another block onto
// it. ExitIf and Bailout terminators, and any Exit whose target is not
// a compile-time constant, are not chainable.
func staticExitTarget(op jit.Op) (uint64, bool) {
	if op.Kind != jit.OpExit {
		return 0, false
	}
	if op.NextRIP.Kind != jit.OperandImm {
		return 0, false
	}
	return uint64(op.NextRIP.Imm), true
}

// renumberTemps shifts every temp reference in ops by base, so
// concatenating several blocks' IR never lets one block's temps alias
// another's.
func renumberTemps(ops []jit.Op, base int) []jit.Op {
	out := make([]jit.Op, len(ops))
	shift := jit.TempID(base)

	for i, op := range ops {
		o := op
		if o.Dst.Kind == jit.PlaceTemp {
			o.Dst.Temp += shift
		}
		for _, operand := range []*jit.Operand{&o.Src, &o.Lhs, &o.Rhs, &o.Cond, &o.IfTrue, &o.IfFalse, &o.Addr, &o.Value, &o.NextRIP} {
			if operand.Kind == jit.OperandTemp {
				operand.Temp += shift
			}
		}
		out[i] = o
	}

	return out
}
