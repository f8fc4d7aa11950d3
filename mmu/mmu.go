package mmu

import "github.com/aerocore/aero/membus"

// Config is the subset of cpu.State a translation needs, snapshotted by
// the caller rather than imported directly — mmu has no dependency on the
// cpu package, so the two can be tested and reasoned about independently.
type Config struct {
	CR3 uint64

	PagingEnabled bool
	PAE           bool
	LongMode      bool

	NXEnabled    bool // EFER.NXE
	WriteProtect bool // CR0.WP: supervisor writes to read-only pages fault
}

type perms struct {
	writable bool
	user     bool
	nx       bool
}

type tlbKey struct {
	vpage  uint64
	access AccessType
	cpl    uint8
}

type tlbEntry struct {
	frame      uint64
	perms      perms
	generation uint64
}

// MMU is one vCPU's translation unit: a TLB over a shared physical bus.
// CR3 writes and INVLPG are the only ways entries become stale; nothing
// else about guest execution invalidates a cached translation.
type MMU struct {
	bus        *membus.Bus
	tlb        map[tlbKey]tlbEntry
	generation uint64
}

// New wraps bus with a fresh, empty TLB.
func New(bus *membus.Bus) *MMU {
	return &MMU{
		bus: bus,
		tlb: make(map[tlbKey]tlbEntry),
	}
}

// FlushAll bumps the TLB generation, invalidating every entry without
// actually walking the map; it is what a CR3 write does.
func (m *MMU) FlushAll() {
	m.generation++
}

// Invalidate evicts every cached translation for vaddr's page, the
// INVLPG semantics: unlike FlushAll, an INVLPG does not touch the
// generation counter or any other page's entries.
func (m *MMU) Invalidate(vaddr uint64) {
	vpage := vaddr &^ 0xFFF

	for k := range m.tlb {
		if k.vpage == vpage {
			delete(m.tlb, k)
		}
	}
}

// Translate resolves a virtual address to a physical one under cfg,
// consulting (and populating) the TLB. The returned error is
// *PageFault, *NonCanonical, or the bus's own error when a page-table
// entry cannot be read; a nil error means phys is valid.
func (m *MMU) Translate(cfg Config, vaddr uint64, access AccessType, cpl uint8) (uint64, error) {
	if cfg.LongMode && !isCanonical(vaddr) {
		return 0, &NonCanonical{Addr: vaddr}
	}

	if !cfg.PagingEnabled {
		return vaddr, nil
	}

	vpage := vaddr &^ 0xFFF
	key := tlbKey{vpage: vpage, access: access, cpl: cpl}

	if e, ok := m.tlb[key]; ok && e.generation == m.generation {
		return e.frame | (vaddr & 0xFFF), nil
	}

	frame, p, err := walk(m.bus, cfg, vaddr, access, cpl)
	if err != nil {
		return 0, err
	}

	m.tlb[key] = tlbEntry{frame: frame, perms: p, generation: m.generation}

	return frame | (vaddr & 0xFFF), nil
}

// CodeVersion forwards to the bus for the physical page backing vaddr
// once translated; JIT prologues call this with an already-resolved
// physical address, not a virtual one (the guard is on physical memory
// identity, which is what actually changed).
func (m *MMU) CodeVersion(phys uint64) uint32 {
	return m.bus.CodeVersion(phys)
}

func isCanonical(addr uint64) bool {
	top := addr >> 47
	return top == 0 || top == 0x1FFFF
}
