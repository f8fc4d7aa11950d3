// Package cpuid builds the static CPUID leaf table a vCPU reports to its
// guest. There is no host CPU to query: every leaf is computed from a
// cpu.FeatureSet once, at machine construction, and never changes.
package cpuid

import "github.com/aerocore/aero/cpu"

// Leaf is one CPUID result, keyed the same way the CPUID instruction keys
// real hardware output: (Function, Index) -> (EAX, EBX, ECX, EDX).
type Leaf struct {
	Function uint32
	Index    uint32
	EAX, EBX, ECX, EDX uint32
}

// vendor is Aero's CPUID vendor string: 12 ASCII bytes, split EBX:EDX:ECX
// the way the CPUID instruction's leaf 0 always has.
const vendor = "AeroCoreCPU0"

// Table is the full, fixed set of leaves one vCPU reports. It never
// changes after Build: Aero does not model per-core topology or dynamic
// feature toggling post-boot.
type Table struct {
	leaves []Leaf
}

// Build computes the CPUID leaf table for features. The synthetic
// family/model/stepping in leaf 1 identifies Aero, not any real part.
func Build(features cpu.FeatureSet) *Table {
	t := &Table{}

	t.leaves = append(t.leaves,
		vendorLeaf(0x00000000, 0x16),
		leaf1(features),
		leaf7_0(),
		vendorLeaf(0x80000000, 0x80000008),
		leafExt1(features),
		leafExt8(),
	)

	return t
}

// Lookup returns the leaf for (function, index), or an all-zero Leaf and
// false if Aero does not model that leaf. The caller picks what an
// unmodeled leaf reports; cmd/aero's CPUID assist answers with leaf 0.
func (t *Table) Lookup(function, index uint32) (Leaf, bool) {
	for _, l := range t.leaves {
		if l.Function == function && l.Index == index {
			return l, true
		}
	}

	return Leaf{}, false
}

func vendorLeaf(function, maxLeaf uint32) Leaf {
	b := []byte(vendor)

	return Leaf{
		Function: function,
		EAX:      maxLeaf,
		EBX:      u32le(b[0:4]),
		EDX:      u32le(b[4:8]),
		ECX:      u32le(b[8:12]),
	}
}

func leaf1(features cpu.FeatureSet) Leaf {
	l := Leaf{
		Function: 0x00000001,
		EAX:      0x000206A7, // synthetic family/model/stepping
	}

	setBit(&l.EDX, uint32(FPU), true)
	setBit(&l.EDX, uint32(VME), true)
	setBit(&l.EDX, uint32(DE), true)
	setBit(&l.EDX, uint32(TSC), true)
	setBit(&l.EDX, uint32(MSR), true)
	setBit(&l.EDX, uint32(PAE), features.Has(cpu.FeatPAE))
	setBit(&l.EDX, uint32(CX8), true)
	setBit(&l.EDX, uint32(APIC), true)
	setBit(&l.EDX, uint32(SEP), true)
	setBit(&l.EDX, uint32(MTRR), true)
	setBit(&l.EDX, uint32(PGE), true)
	setBit(&l.EDX, uint32(CMOV), true)
	setBit(&l.EDX, uint32(PAT), true)
	setBit(&l.EDX, uint32(CLFLUSH), true)
	setBit(&l.EDX, uint32(MMX), true)
	setBit(&l.EDX, uint32(FXSR), true)
	setBit(&l.EDX, uint32(XMM), true)
	setBit(&l.EDX, uint32(XMM2), true)

	return l
}

// leaf7_0 is the structured extended feature leaf. Aero models none of the
// AVX-512/TSX/shadow-stack bits that F7_0Edx-era silicon advertises; the
// leaf is still reported (all zero) so guests that probe it see a
// well-formed, feature-empty response rather than an unmodeled leaf.
func leaf7_0() Leaf {
	return Leaf{Function: 0x00000007, Index: 0}
}

func leafExt1(features cpu.FeatureSet) Leaf {
	l := Leaf{Function: 0x80000001}

	setBit(&l.EDX, uint32(ExtSYSCALL), features.Has(cpu.FeatSYSCALL))
	setBit(&l.EDX, uint32(ExtNX), features.Has(cpu.FeatNX))
	setBit(&l.EDX, uint32(ExtLM), features.Has(cpu.FeatLM))

	return l
}

// leafExt8 reports the physical/virtual address width guests use to size
// their page tables: 40 bits physical, 48 bits virtual, matching the
// 4-level paging Aero's mmu package implements.
func leafExt8() Leaf {
	return Leaf{Function: 0x80000008, EAX: 48<<8 | 40}
}

func u32le(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
