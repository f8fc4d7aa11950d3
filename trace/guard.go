package trace

import "github.com/aerocore/aero/mmu"

// PageGuard is a standing assumption a trace makes about one page of
// guest code: the page containing VAddr had version counter Expected
// when this trace was compiled. Run rereads the counter before
// trusting the trace and reports Invalidate if it has moved — the
// page was overwritten since compilation.
type PageGuard struct {
	VAddr    uint64
	Expected uint32
}

// GuardSource is the subset of mmu.CPUBus both TraceBuilder and Run
// need: translating a guard's address and reading the physical page's
// current code-version counter.
type GuardSource interface {
	CodeVersion(cfg mmu.Config, vaddr uint64, cpl uint8) (uint32, error)
}
