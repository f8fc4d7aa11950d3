package membus_test

import (
	"bytes"
	"testing"

	"github.com/aerocore/aero/membus"
)

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	b, err := membus.New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := []byte{1, 2, 3, 4}
	if err := b.Write(0x1000, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(want))
	if err := b.Read(0x1000, got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Errorf("Read back %v, want %v", got, want)
	}
}

func TestOutOfRange(t *testing.T) {
	t.Parallel()

	b, err := membus.New(1 << 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := b.Read(1<<16, make([]byte, 1)); err != membus.ErrOutOfRange {
		t.Errorf("Read past end = %v, want ErrOutOfRange", err)
	}
}

func TestA20AliasesWhenDisabled(t *testing.T) {
	t.Parallel()

	b, err := membus.New(4 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	b.SetA20(false)

	const low = 0x1000
	const aliased = low | (1 << 20)

	if err := b.Write(aliased, []byte{0xAB}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, 1)
	if err := b.Read(low, got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got[0] != 0xAB {
		t.Errorf("A20-disabled write to %#x did not alias to %#x", aliased, low)
	}
}

func TestWriteBumpsCodeVersion(t *testing.T) {
	t.Parallel()

	b, err := membus.New(1 << 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	before := b.CodeVersion(0x2000)
	if err := b.Write(0x2000, []byte{0x90}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if after := b.CodeVersion(0x2000); after == before {
		t.Errorf("CodeVersion did not change after write: before=%d after=%d", before, after)
	}
}

type fakeMMIO struct {
	reads, writes int
	last          []byte
}

func (f *fakeMMIO) MMIORead(_ uint64, data []byte) error {
	f.reads++
	for i := range data {
		data[i] = 0x42
	}

	return nil
}

func (f *fakeMMIO) MMIOWrite(_ uint64, data []byte) error {
	f.writes++
	f.last = append([]byte(nil), data...)

	return nil
}

func TestMMIORegionTakesPrecedenceOverRAM(t *testing.T) {
	t.Parallel()

	b, err := membus.New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dev := &fakeMMIO{}
	b.RegisterMMIO(0xA0000, 0xC0000, dev)

	got := make([]byte, 2)
	if err := b.Read(0xA0010, got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got[0] != 0x42 || got[1] != 0x42 {
		t.Errorf("Read from MMIO region = %v, want device-serviced bytes", got)
	}

	if err := b.Write(0xA0010, []byte{7, 8}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if dev.writes != 1 || !bytes.Equal(dev.last, []byte{7, 8}) {
		t.Errorf("MMIO write not routed to device: writes=%d last=%v", dev.writes, dev.last)
	}
}
