// Package memory tracks reservations within the guest-physical address
// space, generalized from the teacher's KVM-slot bookkeeping (one
// AddressSpace per registered memory slot) to a plain overlap checker
// cmd/aero uses to catch a kernel image, an initrd and page tables from
// landing on top of each other.
package memory

import "errors"

var errAddrSpaceOccupied = errors.New("address space occupied")

// AddressSpace is one named, fixed-size range: the root tracks the full
// guest-physical space, and each reservation underneath it is itself an
// AddressSpace so overlaps nest without a separate reservation type.
type AddressSpace struct {
	Name      string
	Start     uint64
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start, size uint64) *AddressSpace {
	return &AddressSpace{Name: name, Start: start, Size: size}
}

// AddAddress reserves addr under a, failing if it overlaps a reservation
// already made or falls outside a's own range.
func (a *AddressSpace) AddAddress(addr *AddressSpace) error {
	if !a.InRange(addr) || !a.IsFree(addr) {
		return errAddrSpaceOccupied
	}

	a.Addresses = append(a.Addresses, addr)

	return nil
}

// InRange reports whether addr fits entirely within a.
func (a *AddressSpace) InRange(addr *AddressSpace) bool {
	return addr.Start >= a.Start && addr.Start+addr.Size <= a.Start+a.Size
}

// IsFree reports whether addr overlaps none of a's existing reservations.
func (a *AddressSpace) IsFree(addr *AddressSpace) bool {
	for _, existing := range a.Addresses {
		if addr.Start < existing.Start+existing.Size && existing.Start < addr.Start+addr.Size {
			return false
		}
	}

	return true
}
