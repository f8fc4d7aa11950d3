package pci_test

import (
	"testing"

	"github.com/aerocore/aero/pci"
)

type fakeFunction struct {
	regs [256]byte
}

func (f *fakeFunction) Read(offset uint32, size int) uint32 {
	if int(offset)+size > len(f.regs) {
		return 0xFFFFFFFF
	}

	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(f.regs[int(offset)+i]) << (8 * i)
	}

	return v
}

func (f *fakeFunction) Write(offset uint32, size int, value uint32) {
	if int(offset)+size > len(f.regs) {
		return
	}

	for i := 0; i < size; i++ {
		f.regs[int(offset)+i] = byte(value >> (8 * i))
	}
}

func addrBytes(bus, device, function, offset uint32) []byte {
	x := uint32(0x80000000) | bus<<16 | device<<11 | function<<8 | offset
	return []byte{byte(x), byte(x >> 8), byte(x >> 16), byte(x >> 24)}
}

func TestPciConfAddrInOut(t *testing.T) {
	t.Parallel()

	p := pci.New(&fakeFunction{})

	data := addrBytes(0, 0, 0, 0x10)
	if err := p.PciConfAddrOut(pci.ConfigAddressPort, data); err != nil {
		t.Fatalf("PciConfAddrOut: %v", err)
	}

	readback := make([]byte, 4)
	if err := p.PciConfAddrIn(pci.ConfigAddressPort, readback); err != nil {
		t.Fatalf("PciConfAddrIn: %v", err)
	}
	for i, b := range data {
		if readback[i] != b {
			t.Fatalf("readback[%d] = %#x, want %#x", i, readback[i], b)
		}
	}
}

func TestPciConfDataRoutesToTargetedFunction(t *testing.T) {
	t.Parallel()

	fn := &fakeFunction{}
	p := pci.New(fn)

	if err := p.PciConfAddrOut(pci.ConfigAddressPort, addrBytes(0, 0, 0, 0x10)); err != nil {
		t.Fatalf("PciConfAddrOut: %v", err)
	}
	if err := p.PciConfDataOut(pci.ConfigDataPort, []byte{0x78, 0x56, 0x34, 0x12}); err != nil {
		t.Fatalf("PciConfDataOut: %v", err)
	}

	got := make([]byte, 4)
	if err := p.PciConfDataIn(pci.ConfigDataPort, got); err != nil {
		t.Fatalf("PciConfDataIn: %v", err)
	}
	want := []byte{0x78, 0x56, 0x34, 0x12}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if fn.regs[0x10] != 0x78 {
		t.Fatalf("function register not updated: %#x", fn.regs[0x10])
	}
}

func TestPciConfDataReadsAllOnesForUntargetedAddress(t *testing.T) {
	t.Parallel()

	p := pci.New(&fakeFunction{})

	// device 1, not the one function Aero exposes.
	if err := p.PciConfAddrOut(pci.ConfigAddressPort, addrBytes(0, 1, 0, 0)); err != nil {
		t.Fatalf("PciConfAddrOut: %v", err)
	}

	got := make([]byte, 4)
	if err := p.PciConfDataIn(pci.ConfigDataPort, got); err != nil {
		t.Fatalf("PciConfDataIn: %v", err)
	}
	for _, b := range got {
		if b != 0xFF {
			t.Fatalf("untargeted read = %v, want all-ones", got)
		}
	}
}
