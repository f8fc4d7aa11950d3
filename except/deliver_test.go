package except_test

import (
	"encoding/binary"
	"testing"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/except"
	"github.com/aerocore/aero/membus"
	"github.com/aerocore/aero/mmu"
)

func newTestBus(t *testing.T, size int) (*membus.Bus, *mmu.CPUBus, mmu.Config) {
	t.Helper()

	phys, err := membus.New(size)
	if err != nil {
		t.Fatalf("membus.New: %v", err)
	}

	m := mmu.New(phys)
	cpuBus := mmu.NewCPUBus(m, phys)

	return phys, cpuBus, mmu.Config{PagingEnabled: false}
}

func TestDeliverRealModePushesFrameAndVectors(t *testing.T) {
	t.Parallel()

	phys, cpuBus, cfg := newTestBus(t, 1<<20)

	s := cpu.New(cpu.DefaultFeatureSet())
	s.RIP = 0x7C00
	s.Regs[cpu.RSP] = 0x7000
	s.WriteSegment(cpu.SegSS, cpu.Segment{Base: 0, Limit: 0xFFFF, Present: true})

	// IVT entry for vector 0: offset 0x1234, segment 0x0050.
	var entry [4]byte
	binary.LittleEndian.PutUint16(entry[0:2], 0x1234)
	binary.LittleEndian.PutUint16(entry[2:4], 0x0050)
	if err := phys.Write(0, entry[:]); err != nil {
		t.Fatalf("seed IVT: %v", err)
	}

	if err := except.Deliver(s, cpuBus, cfg, 0, except.New(except.VecDivideByZero)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if s.RIP != 0x1234 {
		t.Errorf("RIP = %#x, want 0x1234", s.RIP)
	}

	if s.Segs[cpu.SegCS].Selector != 0x0050 {
		t.Errorf("CS selector = %#x, want 0x0050", s.Segs[cpu.SegCS].Selector)
	}

	if s.Regs[cpu.RSP]&0xFFFF != 0x7000-6 {
		t.Errorf("RSP = %#x, want %#x", s.Regs[cpu.RSP], 0x7000-6)
	}
}

func TestDeliverLongModePushesErrorCode(t *testing.T) {
	t.Parallel()

	phys, cpuBus, cfg := newTestBus(t, 1<<20)

	s := cpu.New(cpu.DefaultFeatureSet())
	s.CRs.CR0 |= cpu.CR0PE | cpu.CR0PG
	s.CRs.CR4 |= cpu.CR4PAE
	if err := s.WriteMSR(cpu.MsrEFER, cpu.EFERLME); err != nil {
		t.Fatalf("WriteMSR: %v", err)
	}
	s.WriteSegment(cpu.SegCS, cpu.Segment{Selector: 0x08, Long: true, Present: true})
	s.WriteSegment(cpu.SegSS, cpu.Segment{Selector: 0x10, Present: true})

	if s.Mode != cpu.ModeLong {
		t.Fatalf("test setup did not reach long mode: %v", s.Mode)
	}

	s.RIP = 0x1000
	s.Regs[cpu.RSP] = 0x10000

	idtBase := uint64(0x3000)
	s.IDTR.Base = idtBase

	var gate [16]byte
	binary.LittleEndian.PutUint16(gate[0:2], 0x0100)  // offset 0:15
	binary.LittleEndian.PutUint16(gate[2:4], 0x0008)  // selector
	binary.LittleEndian.PutUint16(gate[6:8], 0x0000)  // offset 16:31
	binary.LittleEndian.PutUint32(gate[8:12], 0xFFFF8000) // offset 32:63
	gateAddr := idtBase + uint64(except.VecGeneralProtection)*16
	if err := phys.Write(gateAddr, gate[:]); err != nil {
		t.Fatalf("seed IDT gate: %v", err)
	}

	before := s.Regs[cpu.RSP]

	if err := except.Deliver(s, cpuBus, cfg, 0, except.GP(0x42)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if want := uint64(0xFFFF800000000100); s.RIP != want {
		t.Errorf("RIP = %#x, want %#x", s.RIP, want)
	}

	if s.Regs[cpu.RSP] != before-6*8 {
		t.Errorf("RSP advanced by %d bytes, want 48 (6 qwords)", int64(before-s.Regs[cpu.RSP]))
	}

	var errCode [8]byte
	if err := phys.Read(s.Regs[cpu.RSP], errCode[:]); err != nil {
		t.Fatalf("read pushed error code: %v", err)
	}

	if got := binary.LittleEndian.Uint64(errCode[:]); got != 0x42 {
		t.Errorf("pushed error code = %#x, want 0x42", got)
	}
}
