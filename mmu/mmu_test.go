package mmu_test

import (
	"testing"

	"github.com/aerocore/aero/membus"
	"github.com/aerocore/aero/mmu"
)

// pagingFixture builds a 4-level long-mode page table in guest RAM
// mapping one 4KiB page of virtual address space to an arbitrary physical
// frame, and returns the bus and a Config pointing at it.
func pagingFixture(t *testing.T, vaddr, frame uint64) (*membus.Bus, mmu.Config) {
	t.Helper()

	bus, err := membus.New(16 << 20)
	if err != nil {
		t.Fatalf("membus.New: %v", err)
	}

	const (
		pml4 = 0x1000
		pdpt = 0x2000
		pd   = 0x3000
		pt   = 0x4000
	)

	writeEntry := func(tableAddr uint64, index uint64, value uint64) {
		buf := make([]byte, 8)
		for i := range buf {
			buf[i] = byte(value >> (8 * i))
		}
		if err := bus.Write(tableAddr+index*8, buf); err != nil {
			t.Fatalf("Write page-table entry: %v", err)
		}
	}

	i4 := (vaddr >> 39) & 0x1FF
	i3 := (vaddr >> 30) & 0x1FF
	i2 := (vaddr >> 21) & 0x1FF
	i1 := (vaddr >> 12) & 0x1FF

	const present = 1 << 0
	const writable = 1 << 1
	const user = 1 << 2

	writeEntry(pml4, i4, pdpt|present|writable|user)
	writeEntry(pdpt, i3, pd|present|writable|user)
	writeEntry(pd, i2, pt|present|writable|user)
	writeEntry(pt, i1, frame|present|writable|user)

	cfg := mmu.Config{CR3: pml4, PagingEnabled: true, PAE: true, LongMode: true}

	return bus, cfg
}

func TestTranslateFourLevelMapping(t *testing.T) {
	t.Parallel()

	const vaddr = 0x0000_0000_2000_0000
	const frame = 0x0000_0000_0070_0000

	bus, cfg := pagingFixture(t, vaddr, frame)
	m := mmu.New(bus)

	phys, err := m.Translate(cfg, vaddr+0x123, mmu.AccessRead, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	if want := frame + 0x123; phys != want {
		t.Errorf("Translate = %#x, want %#x", phys, want)
	}
}

func TestTLBMissesAfterCR3Change(t *testing.T) {
	t.Parallel()

	const vaddr = 0x0000_0000_3000_0000

	bus, cfg := pagingFixture(t, vaddr, 0x0000_0000_0080_0000)
	m := mmu.New(bus)

	if _, err := m.Translate(cfg, vaddr, mmu.AccessRead, 0); err != nil {
		t.Fatalf("first Translate: %v", err)
	}

	// Point CR3 somewhere with no valid page tables: a cached TLB entry
	// would mask this, a correctly-flushed one re-walks and faults.
	cfg2 := cfg
	cfg2.CR3 = 0x00F00000

	m.FlushAll()

	if _, err := m.Translate(cfg2, vaddr, mmu.AccessRead, 0); err == nil {
		t.Error("Translate after CR3 change + FlushAll should re-walk and fault, got no error")
	}
}

func TestNonCanonicalFaultsInLongMode(t *testing.T) {
	t.Parallel()

	bus, err := membus.New(1 << 16)
	if err != nil {
		t.Fatalf("membus.New: %v", err)
	}

	m := mmu.New(bus)
	cfg := mmu.Config{PagingEnabled: false, LongMode: true}

	_, err = m.Translate(cfg, 0x0001_0000_0000_0000, mmu.AccessRead, 0)

	var nc *mmu.NonCanonical
	if err == nil {
		t.Fatal("expected non-canonical fault, got nil")
	}

	if _, ok := err.(*mmu.NonCanonical); !ok {
		t.Errorf("err = %v (%T), want *mmu.NonCanonical", err, err)
	}

	_ = nc
}

func TestWriteToReadOnlyPageFaultsForUser(t *testing.T) {
	t.Parallel()

	bus, err := membus.New(16 << 20)
	if err != nil {
		t.Fatalf("membus.New: %v", err)
	}

	const vaddr = 0x0000_0000_4000_0000
	const frame = 0x0000_0000_0090_0000
	const pml4, pdpt, pd, pt = 0x5000, 0x6000, 0x7000, 0x8000

	writeEntry := func(tableAddr, index, value uint64) {
		buf := make([]byte, 8)
		for i := range buf {
			buf[i] = byte(value >> (8 * i))
		}
		if err := bus.Write(tableAddr+index*8, buf); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	i4 := (uint64(vaddr) >> 39) & 0x1FF
	i3 := (uint64(vaddr) >> 30) & 0x1FF
	i2 := (uint64(vaddr) >> 21) & 0x1FF
	i1 := (uint64(vaddr) >> 12) & 0x1FF

	const present = 1 << 0
	const writable = 1 << 1
	const user = 1 << 2

	writeEntry(pml4, i4, pdpt|present|writable|user)
	writeEntry(pdpt, i3, pd|present|writable|user)
	writeEntry(pd, i2, pt|present|writable|user)
	writeEntry(pt, i1, frame|present|user) // no writable bit

	m := mmu.New(bus)
	cfg := mmu.Config{CR3: pml4, PagingEnabled: true, PAE: true, LongMode: true}

	_, err = m.Translate(cfg, vaddr, mmu.AccessWrite, 3)

	pf, ok := err.(*mmu.PageFault)
	if !ok {
		t.Fatalf("err = %v (%T), want *mmu.PageFault", err, err)
	}

	if pf.ErrorCode&mmu.PFWrite == 0 || pf.ErrorCode&mmu.PFPresent == 0 {
		t.Errorf("error code = %#x, want PFWrite|PFPresent set", pf.ErrorCode)
	}
}
