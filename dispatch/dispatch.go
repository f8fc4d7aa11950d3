// Package dispatch is Aero's per-step tier selector: for every guest
// instruction it decides whether the code cache already has something
// compiled for the current (RIP, bitness), whether what it has is still
// trustworthy, and whether this RIP has gotten hot enough to deserve a
// compile it does not have yet. The interpreter is always a valid
// fallback, so dispatch never blocks waiting for a compile to finish —
// it hands the request to a worker pool and keeps stepping through
// Tier-0 in the meantime.
package dispatch

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/aerocore/aero/codecache"
	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/except"
	"github.com/aerocore/aero/interp"
	"github.com/aerocore/aero/jit"
	"github.com/aerocore/aero/mmu"
	"github.com/aerocore/aero/telemetry"
	"github.com/aerocore/aero/trace"
)

// CompileKind says which tier a compile request targets.
type CompileKind int

const (
	CompileBlock CompileKind = iota
	CompileTrace
)

// Config bounds the dispatcher's hotness and concurrency policy.
type Config struct {
	// BlockHotThreshold is how many times an entry RIP must be stepped
	// through the interpreter before Tier-1 compiles it.
	BlockHotThreshold uint64
	// TraceHotThreshold is how many times a loop head closed by a
	// backedge must be hit before Tier-2 stitches a trace for it.
	TraceHotThreshold uint64
	// Workers is how many goroutines service compile requests.
	Workers int
	// QueueDepth bounds the compile-request channel; a full queue
	// drops new requests rather than blocking the stepping loop, since
	// hotness will simply re-trigger the request on a later step.
	QueueDepth int

	Trace trace.TraceConfig
}

func (c Config) withDefaults() Config {
	if c.BlockHotThreshold == 0 {
		c.BlockHotThreshold = 50
	}
	if c.TraceHotThreshold == 0 {
		c.TraceHotThreshold = 500
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.Trace.MaxBlocks == 0 {
		c.Trace = trace.TraceConfig{HotBlockThreshold: c.TraceHotThreshold, MaxBlocks: 16, MaxInstrs: 512}
	}
	return c
}

type compileRequest struct {
	key  codecache.Key
	cfg  mmu.Config
	cpl  uint8
	kind CompileKind
}

// Dispatcher is the state machine spec.md's dispatcher operation
// describes: cache lookup, guard recheck, cache-entry execution, and
// hotness-driven compile enqueueing, all against a shared Tier-0
// interp.Machine, Tier-1 jit.Table and Tier-2 trace builder.
type Dispatcher struct {
	machine *interp.Machine
	bus     bus
	blocks  *jit.Table
	cache   *codecache.Cache
	profile *trace.ProfileData
	tele    *telemetry.Registry
	cfg     Config

	group   singleflight.Group
	reqCh   chan compileRequest
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// bus is everything the dispatcher needs from the translated bus: it
// fetches bytes to compile, reads/writes for compiled Load/Store ops,
// and reports a page's code-version for guard checks. *mmu.CPUBus
// satisfies all three.
type bus interface {
	jit.Fetcher
	jit.MemBus
	trace.GuardSource
}

// New wires a Dispatcher. b must be the same *mmu.CPUBus the machine
// and blocks were built from, since it is used both to execute compiled
// code and to recheck code-version guards.
func New(machine *interp.Machine, b bus, blocks *jit.Table, cache *codecache.Cache, profile *trace.ProfileData, tele *telemetry.Registry, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		machine: machine,
		bus:     b,
		blocks:  blocks,
		cache:   cache,
		profile: profile,
		tele:    tele,
		cfg:     cfg,
		reqCh:   make(chan compileRequest, cfg.QueueDepth),
		closeCh: make(chan struct{}),
	}

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// CacheLen reports how many compiled Tier-1/Tier-2 entries are
// currently installed.
func (d *Dispatcher) CacheLen() int {
	return d.cache.Len()
}

// Close stops the compile worker pool and waits for in-flight compiles
// to finish.
func (d *Dispatcher) Close() {
	close(d.closeCh)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.closeCh:
			return
		case req := <-d.reqCh:
			d.compile(req)
		}
	}
}

func (d *Dispatcher) compile(req compileRequest) {
	fp := fmt.Sprintf("%d|%d|%d|%d", req.key.RIP, req.key.Bitness, req.cpl, req.kind)

	_, _, _ = d.group.Do(fp, func() (interface{}, error) {
		switch req.kind {
		case CompileBlock:
			block, err := jit.Compile(d.bus, req.cfg, req.cpl, req.key.RIP, req.key.Bitness)
			if err != nil {
				return nil, err
			}
			guards := d.guardsFor(req.cfg, req.cpl, req.key.RIP, block.Len)
			d.cache.InsertBlock(req.key, block, guards)
			d.tele.BlockCompiles.Inc()

		case CompileTrace:
			tb := trace.NewTraceBuilder(d.bus, d.bus, req.cfg, req.cpl, req.key.Bitness, d.profile, d.cfg.Trace)
			tr, err := tb.BuildFrom(req.key.RIP)
			if err != nil {
				return nil, err
			}
			d.cache.InsertTrace(req.key, tr)
			d.tele.TraceCompiles.Inc()
		}

		return nil, nil
	})
}

func (d *Dispatcher) enqueue(req compileRequest) {
	select {
	case d.reqCh <- req:
	default:
	}
}

// Step advances s by exactly one dispatch decision: executing a cached
// Tier-1/Tier-2 entry if one is installed and still valid, or a single
// Tier-0 instruction otherwise.
func (d *Dispatcher) Step(s *cpu.State) (except.Outcome, error) {
	if s.Halted {
		return except.OutcomeHalted, nil
	}

	bitness := bitnessFor(s.Mode)
	cfg := cfgFor(s)
	key := codecache.Key{RIP: s.RIP, Bitness: bitness}

	if h, ok := d.cache.Lookup(key); ok {
		if d.guardsStale(h, cfg, s.CPL) {
			d.cache.Evict(key)
			d.tele.CacheEvictions.Inc()
		} else {
			return d.execute(h, s, cfg)
		}
	}

	outcome, err := d.machine.Step(s)
	if err != nil {
		return outcome, err
	}

	if outcome == except.OutcomeBlock {
		d.recordHot(key, s.RIP, cfg, s.CPL)
	}

	d.tele.DispatchSteps.WithLabelValues("interp").Inc()

	return outcome, nil
}

func (d *Dispatcher) execute(h *codecache.Handle, s *cpu.State, cfg mmu.Config) (except.Outcome, error) {
	switch h.Kind {
	case codecache.KindBlock:
		next, bailoutIP, err := d.blocks.Execute(h.BlockIdx, s, d.bus, cfg, s.CPL)
		if err != nil {
			return except.OutcomeException, err
		}
		if next == jit.ExitSentinel {
			s.RIP = bailoutIP
			d.tele.DispatchSteps.WithLabelValues("bailout").Inc()
			return d.machine.Step(s)
		}
		s.RIP = next
		d.tele.DispatchSteps.WithLabelValues("tier1").Inc()
		d.recordHot(h.Key, s.RIP, cfg, s.CPL)
		return except.OutcomeBlock, nil

	case codecache.KindTrace:
		exit := trace.Run(h.Trace, d.bus, s, d.bus, cfg, s.CPL)
		switch exit.Kind {
		case trace.Returned:
			d.tele.DispatchSteps.WithLabelValues("tier2").Inc()
			return except.OutcomeBlock, nil
		case trace.Invalidate:
			d.cache.Evict(h.Key)
			d.tele.TraceInvalidate.Inc()
			d.tele.CacheEvictions.Inc()
			s.RIP = exit.NextRIP
			return d.machine.Step(s)
		default: // SideExit
			s.RIP = exit.NextRIP
			d.tele.DispatchSteps.WithLabelValues("bailout").Inc()
			return d.machine.Step(s)
		}

	default:
		return except.OutcomeException, fmt.Errorf("dispatch: unknown cache handle kind %d", h.Kind)
	}
}

func (d *Dispatcher) guardsStale(h *codecache.Handle, cfg mmu.Config, cpl uint8) bool {
	for _, g := range h.Guards() {
		v, err := d.bus.CodeVersion(cfg, g.VAddr, cpl)
		if err != nil || v != g.Expected {
			return true
		}
	}
	return false
}

func (d *Dispatcher) guardsFor(cfg mmu.Config, cpl uint8, entryRIP uint64, length int) []trace.PageGuard {
	if length <= 0 {
		length = 1
	}

	start := entryRIP &^ 0xFFF
	end := entryRIP + uint64(length)

	var guards []trace.PageGuard
	for addr := start; addr < end; addr += 0x1000 {
		v, err := d.bus.CodeVersion(cfg, addr, cpl)
		if err != nil {
			continue
		}
		guards = append(guards, trace.PageGuard{VAddr: addr, Expected: v})
	}

	return guards
}

// recordHot updates the profile for the block that just retired through
// the interpreter (key.RIP) and enqueues a compile once a threshold is
// crossed: Tier-1 once the block itself has been seen enough times,
// Tier-2 once a backedge landing back on key.RIP has been marked hot by
// the profile.
func (d *Dispatcher) recordHot(key codecache.Key, nextRIP uint64, cfg mmu.Config, cpl uint8) {
	if nextRIP <= key.RIP {
		d.profile.MarkHotBackedge(key.RIP, nextRIP)
	}

	count := d.profile.RecordBlock(key.RIP)

	if d.profile.IsHotBackedge(key.RIP, nextRIP) && count >= d.cfg.TraceHotThreshold {
		d.enqueue(compileRequest{key: key, cfg: cfg, cpl: cpl, kind: CompileTrace})
		return
	}

	if count == d.cfg.BlockHotThreshold {
		d.enqueue(compileRequest{key: key, cfg: cfg, cpl: cpl, kind: CompileBlock})
	}
}

func bitnessFor(m cpu.Mode) int {
	switch m {
	case cpu.ModeReal, cpu.ModeProtected16:
		return 16
	case cpu.ModeLong:
		return 64
	default:
		return 32
	}
}

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
