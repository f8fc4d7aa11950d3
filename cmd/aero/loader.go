package main

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/aerocore/aero/membus"
)

// flatLoadAddr is where a kernel image that fails to parse as ELF is
// loaded instead: a flat binary with its own boot stub, entered in
// real mode the same way cpu.New already resets a vCPU.
const flatLoadAddr = 0x0010_0000

// loadResult is what loading a kernel image determines about how to
// start executing it.
type loadResult struct {
	entry  uint64
	amd64  bool
	isFlat bool

	// loadStart/loadSize bound every byte loadKernel actually touched,
	// for the overlap check run.go runs against the rest of the guest
	// physical layout (initrd, page tables).
	loadStart uint64
	loadSize  uint64
}

// loadKernel loads path into bus's guest RAM, trying ELF first and
// falling back to a flat binary image, the same ELF-or-raw-image shape
// a PC firmware's boot loader uses to decide how to hand off to a
// kernel.
func loadKernel(bus *membus.Bus, path string) (loadResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return loadResult{}, fmt.Errorf("cmd/aero: read kernel image: %w", err)
	}

	if f, err := elf.NewFile(bytesReaderAt(raw)); err == nil {
		return loadELF(bus, f, raw)
	}

	return loadFlat(bus, raw)
}

// loadELF copies every PT_LOAD segment's file image to its physical
// load address, zero-extending the rest of each segment (.bss) the way
// a real loader does.
func loadELF(bus *membus.Bus, f *elf.File, raw []byte) (loadResult, error) {
	ram := bus.RAM()

	var lo, hi uint64
	first := true

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		if p.Paddr+p.Memsz > uint64(len(ram)) {
			return loadResult{}, fmt.Errorf("cmd/aero: ELF segment at %#x exceeds guest RAM", p.Paddr)
		}

		dst := ram[p.Paddr : p.Paddr+p.Memsz]
		for i := range dst {
			dst[i] = 0
		}

		if p.Filesz > 0 {
			src := raw[p.Off : p.Off+p.Filesz]
			copy(dst, src)
		}

		if first || p.Paddr < lo {
			lo = p.Paddr
		}
		if first || p.Paddr+p.Memsz > hi {
			hi = p.Paddr + p.Memsz
		}
		first = false
	}

	return loadResult{
		entry:     f.Entry,
		amd64:     f.Class == elf.ELFCLASS64,
		loadStart: lo,
		loadSize:  hi - lo,
	}, nil
}

// loadFlat copies raw verbatim to flatLoadAddr, real mode's usual
// "load somewhere in low memory and jump there" convention for images
// with no ELF header of their own.
func loadFlat(bus *membus.Bus, raw []byte) (loadResult, error) {
	ram := bus.RAM()
	if flatLoadAddr+uint64(len(raw)) > uint64(len(ram)) {
		return loadResult{}, fmt.Errorf("cmd/aero: flat image exceeds guest RAM")
	}

	copy(ram[flatLoadAddr:], raw)

	return loadResult{
		entry:     flatLoadAddr,
		isFlat:    true,
		loadStart: flatLoadAddr,
		loadSize:  uint64(len(raw)),
	}, nil
}

// loadInitrd copies an initrd image to a fixed low-memory address above
// where a flat kernel image would land, the same "just past the kernel"
// placement a real boot loader uses absent an E820-driven allocator.
const initrdLoadAddr = 0x0600_0000

func loadInitrd(bus *membus.Bus, path string) (addr, size uint64, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("cmd/aero: read initrd: %w", err)
	}

	ram := bus.RAM()
	if initrdLoadAddr+uint64(len(raw)) > uint64(len(ram)) {
		return 0, 0, fmt.Errorf("cmd/aero: initrd exceeds guest RAM")
	}

	copy(ram[initrdLoadAddr:], raw)

	return initrdLoadAddr, uint64(len(raw)), nil
}

// identityPageTableBase is the fixed, low-memory PML4 root run builds for
// an ELF64 entry point: one PDPT entry maps the first GiB of physical
// memory as a single 1GiB page, identity-mapped, present and writable,
// which is all a kernel needs before it builds its own page tables.
const (
	identityPageTableBase = 0x0000_9000
	identityPDPTBase      = 0x0000_A000
	pageTablesSize        = 0x2000 // PML4 + one PDPT, contiguous

	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	ptePS       = 1 << 7
)

func buildIdentityPageTables(bus *membus.Bus) error {
	ram := bus.RAM()

	var pml4 [512]uint64
	pml4[0] = identityPDPTBase | ptePresent | pteWritable
	putPageTable(ram, identityPageTableBase, pml4[:])

	var pdpt [512]uint64
	pdpt[0] = 0 | ptePresent | pteWritable | ptePS // identity-maps [0, 1GiB)
	putPageTable(ram, identityPDPTBase, pdpt[:])

	return nil
}

func putPageTable(ram []byte, base uint64, entries []uint64) {
	for i, e := range entries {
		off := base + uint64(i)*8
		for b := 0; b < 8; b++ {
			ram[off+uint64(b)] = byte(e >> (8 * b))
		}
	}
}

// bytesReaderAt adapts a byte slice to io.ReaderAt for debug/elf.NewFile.
type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, fmt.Errorf("cmd/aero: ReadAt offset %d out of range", off)
	}

	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("cmd/aero: short read at offset %d", off)
	}

	return n, nil
}
