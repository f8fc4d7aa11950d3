package mmu

import "github.com/aerocore/aero/membus"

// CPUBus is the address-translating front door the execution tiers read
// and write through: every access is translated by an MMU, then handed to
// the physical bus.
type CPUBus struct {
	mmu *MMU
	bus *membus.Bus
}

// NewCPUBus pairs an MMU with the physical bus it translates into.
func NewCPUBus(mmu *MMU, bus *membus.Bus) *CPUBus {
	return &CPUBus{mmu: mmu, bus: bus}
}

// Read translates and reads width bytes starting at vaddr. A multi-byte
// access may split across a page boundary, so each byte is translated
// independently — a fault on the Nth byte reports that byte's address, not
// the access's starting address.
func (b *CPUBus) Read(cfg Config, vaddr uint64, cpl uint8, data []byte) error {
	return b.accessBytes(cfg, vaddr, cpl, AccessRead, data, false)
}

// Write translates and writes data to vaddr, byte-by-byte across any page
// boundary it straddles.
func (b *CPUBus) Write(cfg Config, vaddr uint64, cpl uint8, data []byte) error {
	return b.accessBytes(cfg, vaddr, cpl, AccessWrite, data, true)
}

// Fetch reads up to len(out) instruction bytes (callers pass a 15-byte
// buffer, the longest legal x86 instruction) for decode, translating with
// AccessExecute.
func (b *CPUBus) Fetch(cfg Config, vaddr uint64, cpl uint8, out []byte) error {
	return b.accessBytes(cfg, vaddr, cpl, AccessExecute, out, false)
}

func (b *CPUBus) accessBytes(cfg Config, vaddr uint64, cpl uint8, access AccessType, data []byte, write bool) error {
	for i := range data {
		phys, err := b.mmu.Translate(cfg, vaddr+uint64(i), access, cpl)
		if err != nil {
			return err
		}

		one := data[i : i+1]
		if write {
			if err := b.bus.Write(phys, one); err != nil {
				return err
			}
		} else {
			if err := b.bus.Read(phys, one); err != nil {
				return err
			}
		}
	}

	return nil
}

// CodeVersion translates vaddr with AccessExecute and returns the
// physical page's current code-version counter, for JIT guard emission.
func (b *CPUBus) CodeVersion(cfg Config, vaddr uint64, cpl uint8) (uint32, error) {
	phys, err := b.mmu.Translate(cfg, vaddr, AccessExecute, cpl)
	if err != nil {
		return 0, err
	}

	return b.mmu.CodeVersion(phys), nil
}
