// Package membus is the physical address space every vCPU and device
// shares: flat guest RAM plus a table of MMIO regions and I/O ports,
// generalized from "one fixed virtio/serial layout" to "any device can
// claim a physical range or I/O port".
//
// membus has no notion of virtual addresses — that translation lives in
// the mmu package, which wraps a Bus. The per-page code-version counters
// the JIT tiers guard against are kept here, per physical page.
package membus

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned for any physical address with no RAM region
// and no registered MMIO handler covering it.
var ErrOutOfRange = errors.New("membus: address out of range")

const (
	pageSize  = 4096
	pageShift = 12

	// a20Mask, applied to every physical address when the A20 gate is
	// disabled, reproduces the 8086 wraparound real-mode software once
	// depended on: bit 20 collapses, aliasing the 1MiB+64KiB-1 region
	// onto the low 1MiB.
	a20Mask = ^uint64(1 << 20)
)

// Handler is a memory-mapped I/O region: a device claims [Start, End) of
// physical address space and services reads/writes to it directly, rather
// than through the flat RAM array.
type Handler interface {
	MMIORead(addr uint64, data []byte) error
	MMIOWrite(addr uint64, data []byte) error
}

type region struct {
	start, end uint64
	h          Handler
}

// Bus is the flat guest-physical address space: one mmap-backed RAM arena
// plus however many MMIO regions devices have registered.
type Bus struct {
	ram        []byte
	a20Enabled bool
	regions    []region

	// versions is one generation counter per RAM page. Write bumps
	// it on every write that touches the page so a cached
	// translation can detect self-modifying code without re-walking
	// anything on every single memory access.
	versions []uint32
}

// New mmaps ramSize bytes of anonymous, zero-backed guest RAM. Code that
// runs off the end of initialized memory should trap loudly rather than
// execute whatever garbage happens to be there, so memory above the first
// megabyte is poisoned with "mov eax,0xcafebabe; nop; ud2" repeated to fill.
func New(ramSize int) (*Bus, error) {
	buf, err := unix.Mmap(-1, 0, ramSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	const poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	for i := 0x100000; i < len(buf); i += len(poison) {
		copy(buf[i:], poison)
	}

	return &Bus{
		ram:        buf,
		a20Enabled: true,
		versions:   make([]uint32, (ramSize+pageSize-1)/pageSize),
	}, nil
}

// SetA20 toggles the A20 gate (port 0x92 bit 1, or the PS/2 controller's
// fast-A20 command, on real platforms).
func (b *Bus) SetA20(enabled bool) {
	b.a20Enabled = enabled
}

// RegisterMMIO claims [start, end) for h. Ranges are checked in
// registration order and the first match wins, so a device that wants to
// shadow part of another device's range must register before the range
// it overlaps.
func (b *Bus) RegisterMMIO(start, end uint64, h Handler) {
	b.regions = append(b.regions, region{start: start, end: end, h: h})
}

func (b *Bus) effective(addr uint64) uint64 {
	if !b.a20Enabled {
		return addr & a20Mask
	}

	return addr
}

func (b *Bus) find(addr uint64) (region, bool) {
	for _, r := range b.regions {
		if addr >= r.start && addr < r.end {
			return r, true
		}
	}

	return region{}, false
}

// Read copies len(data) bytes starting at the guest-physical address addr
// into data, applying A20 filtering and routing to whichever MMIO region
// (if any) claims the address.
func (b *Bus) Read(addr uint64, data []byte) error {
	addr = b.effective(addr)

	if r, ok := b.find(addr); ok {
		return r.h.MMIORead(addr, data)
	}

	if addr+uint64(len(data)) > uint64(len(b.ram)) {
		return ErrOutOfRange
	}

	copy(data, b.ram[addr:])

	return nil
}

// Write copies data into guest-physical memory at addr, bumping the
// code-version counter of every RAM page the write touches.
func (b *Bus) Write(addr uint64, data []byte) error {
	addr = b.effective(addr)

	if r, ok := b.find(addr); ok {
		return r.h.MMIOWrite(addr, data)
	}

	if addr+uint64(len(data)) > uint64(len(b.ram)) {
		return ErrOutOfRange
	}

	copy(b.ram[addr:], data)
	b.bumpVersions(addr, uint64(len(data)))

	return nil
}

func (b *Bus) bumpVersions(addr, length uint64) {
	first := addr >> pageShift
	last := (addr + length - 1) >> pageShift

	for p := first; p <= last && int(p) < len(b.versions); p++ {
		atomic.AddUint32(&b.versions[p], 1)
	}
}

// CodeVersion returns the current generation counter for the RAM page
// containing addr. The JIT tiers capture this at compile time and guard
// against it changing before trusting a cached translation.
func (b *Bus) CodeVersion(addr uint64) uint32 {
	p := addr >> pageShift
	if int(p) >= len(b.versions) {
		return 0
	}

	return atomic.LoadUint32(&b.versions[p])
}

// RAM exposes the backing array directly for callers (the decoder's
// fetch path, DMA-capable devices) that need to avoid a copy. Bounds
// checking is the caller's responsibility.
func (b *Bus) RAM() []byte {
	return b.ram
}
