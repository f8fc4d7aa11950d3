package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildMinimalELF64 hand-assembles the smallest ELF64 executable
// debug/elf.NewFile will parse: one PT_LOAD segment, no sections.
func buildMinimalELF64(paddr, entry uint64, payload []byte) []byte {
	const (
		ehsize = 64
		phsize = 56
	)

	buf := make([]byte, ehsize+phsize+len(payload))

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)            // e_type = ET_EXEC
	le.PutUint16(buf[18:], 62)           // e_machine = EM_X86_64
	le.PutUint32(buf[20:], 1)            // e_version
	le.PutUint64(buf[24:], entry)        // e_entry
	le.PutUint64(buf[32:], ehsize)       // e_phoff
	le.PutUint64(buf[40:], 0)            // e_shoff
	le.PutUint32(buf[48:], 0)            // e_flags
	le.PutUint16(buf[52:], ehsize)       // e_ehsize
	le.PutUint16(buf[54:], phsize)       // e_phentsize
	le.PutUint16(buf[56:], 1)            // e_phnum
	le.PutUint16(buf[58:], 0)            // e_shentsize
	le.PutUint16(buf[60:], 0)            // e_shnum
	le.PutUint16(buf[62:], 0)            // e_shstrndx

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1)                           // p_type = PT_LOAD
	le.PutUint32(ph[4:], 5)                           // p_flags = R|X
	le.PutUint64(ph[8:], ehsize+phsize)               // p_offset
	le.PutUint64(ph[16:], paddr)                      // p_vaddr
	le.PutUint64(ph[24:], paddr)                      // p_paddr
	le.PutUint64(ph[32:], uint64(len(payload)))       // p_filesz
	le.PutUint64(ph[40:], uint64(len(payload)))       // p_memsz
	le.PutUint64(ph[48:], 0x1000)                     // p_align

	copy(buf[ehsize+phsize:], payload)

	return buf
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "image")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return path
}

func TestLoadKernelELF(t *testing.T) {
	t.Parallel()

	bus, err := newTestBus(t, 1<<20)
	if err != nil {
		t.Fatalf("newTestBus: %v", err)
	}

	payload := []byte{0x90, 0x90, 0xF4} // nop; nop; hlt
	const paddr = 0x2000

	path := writeTempFile(t, buildMinimalELF64(paddr, paddr, payload))

	result, err := loadKernel(bus, path)
	if err != nil {
		t.Fatalf("loadKernel: %v", err)
	}
	if !result.amd64 {
		t.Errorf("amd64 = false, want true")
	}
	if result.entry != paddr {
		t.Errorf("entry = %#x, want %#x", result.entry, paddr)
	}
	if result.loadStart != paddr || result.loadSize != uint64(len(payload)) {
		t.Errorf("span = [%#x,+%#x), want [%#x,+%#x)", result.loadStart, result.loadSize, paddr, len(payload))
	}

	ram := bus.RAM()
	for i, b := range payload {
		if ram[paddr+uint64(i)] != b {
			t.Errorf("ram[%#x] = %#x, want %#x", paddr+uint64(i), ram[paddr+uint64(i)], b)
		}
	}
}

func TestLoadKernelFlatFallback(t *testing.T) {
	t.Parallel()

	bus, err := newTestBus(t, 2<<20)
	if err != nil {
		t.Fatalf("newTestBus: %v", err)
	}

	payload := []byte{0xEB, 0xFE} // jmp $
	path := writeTempFile(t, payload)

	result, err := loadKernel(bus, path)
	if err != nil {
		t.Fatalf("loadKernel: %v", err)
	}
	if !result.isFlat {
		t.Errorf("isFlat = false, want true")
	}
	if result.entry != flatLoadAddr {
		t.Errorf("entry = %#x, want %#x", result.entry, flatLoadAddr)
	}

	ram := bus.RAM()
	for i, b := range payload {
		if ram[flatLoadAddr+uint64(i)] != b {
			t.Errorf("ram[%#x] = %#x, want %#x", flatLoadAddr+uint64(i), ram[flatLoadAddr+uint64(i)], b)
		}
	}
}

func TestBuildIdentityPageTablesMapsFirstGigabyte(t *testing.T) {
	t.Parallel()

	bus, err := newTestBus(t, 1<<20)
	if err != nil {
		t.Fatalf("newTestBus: %v", err)
	}

	if err := buildIdentityPageTables(bus); err != nil {
		t.Fatalf("buildIdentityPageTables: %v", err)
	}

	ram := bus.RAM()

	pml4e := binary.LittleEndian.Uint64(ram[identityPageTableBase:])
	if pml4e&ptePresent == 0 || pml4e&^0xFFF != identityPDPTBase {
		t.Fatalf("PML4[0] = %#x, want present entry pointing at %#x", pml4e, identityPDPTBase)
	}

	pdpte := binary.LittleEndian.Uint64(ram[identityPDPTBase:])
	if pdpte&ptePresent == 0 || pdpte&ptePS == 0 || pdpte&^0xFFF != 0 {
		t.Fatalf("PDPT[0] = %#x, want a present 1GiB page at physical 0", pdpte)
	}
}
