// Package mmu implements the paging-aware translation layer between a
// vCPU's virtual addresses and membus's flat guest-physical space: a TLB
// keyed by (virtual page, access, CPL), a page-table walker spanning
// 32-bit, PAE and long-mode formats, and the #GP(0)/#PF fault synthesis
// those walks can produce.
package mmu

import "fmt"

// AccessType is the kind of memory access a translation is performed for;
// it both selects the permission bits a walk enforces and participates in
// the TLB key.
type AccessType uint8

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return fmt.Sprintf("AccessType(%d)", uint8(a))
	}
}

// Page-fault error-code bits, in the layout real hardware pushes onto the
// stack / stores in the PF exception record.
const (
	PFPresent      = 1 << 0 // 0: not-present page; 1: protection violation
	PFWrite        = 1 << 1 // 0: read access; 1: write access
	PFUser         = 1 << 2 // 0: supervisor access; 1: user access
	PFReservedBit  = 1 << 3 // reserved bit set in some paging-structure entry
	PFInstruction  = 1 << 4 // NX violation on an instruction fetch
)

// PageFault is the product of a failed translation that is not a
// non-canonical address: a virtual address plus the standard error-code
// bits.
type PageFault struct {
	Addr      uint64
	ErrorCode uint32
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at %#x, error code %#x", f.Addr, f.ErrorCode)
}

// NonCanonical is returned when a long-mode virtual address has bits
// 63:48 that are not all copies of bit 47; the interpreter maps this to
// #GP(0) rather than #PF.
type NonCanonical struct {
	Addr uint64
}

func (f *NonCanonical) Error() string {
	return fmt.Sprintf("non-canonical address %#x", f.Addr)
}
