package except

import (
	"encoding/binary"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/mmu"
)

// Deliver pushes the architectural exception frame for e and vectors
// execution through IDTR, per the CPU's current mode. It is the single
// place CR2 gets written for a page fault and RIP/CS get redirected to a
// handler; everything else about "what happens next" is ordinary
// instruction execution once Deliver returns.
func Deliver(s *cpu.State, bus *mmu.CPUBus, cfg mmu.Config, cpl uint8, e Exception) error {
	if e.Vector == VecPageFault {
		s.CRs.CR2 = e.CR2
	}

	switch s.Mode {
	case cpu.ModeReal:
		return deliverReal(s, bus, cfg, cpl, e)
	case cpu.ModeLong:
		return deliverLong(s, bus, cfg, cpl, e)
	default:
		return deliverProtected(s, bus, cfg, cpl, e)
	}
}

func deliverReal(s *cpu.State, bus *mmu.CPUBus, cfg mmu.Config, cpl uint8, e Exception) error {
	ivt := s.IDTR.Base + uint64(e.Vector)*4

	var entry [4]byte
	if err := bus.Read(cfg, ivt, cpl, entry[:]); err != nil {
		return err
	}

	offset := binary.LittleEndian.Uint16(entry[0:2])
	segment := binary.LittleEndian.Uint16(entry[2:4])

	sp := s.Regs[cpu.RSP] & 0xFFFF

	push16 := func(v uint16) error {
		sp = (sp - 2) & 0xFFFF
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		return bus.Write(cfg, s.Segs[cpu.SegSS].Base+sp, cpl, b[:])
	}

	if err := push16(uint16(s.RFLAGS())); err != nil {
		return err
	}
	if err := push16(s.Segs[cpu.SegCS].Selector); err != nil {
		return err
	}
	if err := push16(uint16(s.RIP)); err != nil {
		return err
	}

	s.Regs[cpu.RSP] = (s.Regs[cpu.RSP] &^ 0xFFFF) | sp
	s.WriteSegment(cpu.SegCS, cpu.Segment{Selector: segment, Base: uint64(segment) << 4, Limit: 0xFFFF, Present: true})
	s.RIP = uint64(offset)
	s.SetFlag(cpu.FlagIF, false)
	s.SetFlag(cpu.FlagTF, false)

	return nil
}

// deliverProtected handles 16/32-bit protected mode via 8-byte IDT gates,
// with no stack switch (the common Windows-7-target case: ring 0 handlers
// taking a ring-0 fault).
func deliverProtected(s *cpu.State, bus *mmu.CPUBus, cfg mmu.Config, cpl uint8, e Exception) error {
	gate := s.IDTR.Base + uint64(e.Vector)*8

	var raw [8]byte
	if err := bus.Read(cfg, gate, cpl, raw[:]); err != nil {
		return err
	}

	offset := uint64(binary.LittleEndian.Uint16(raw[0:2])) | uint64(binary.LittleEndian.Uint16(raw[6:8]))<<16
	selector := binary.LittleEndian.Uint16(raw[2:4])

	sp := s.Regs[cpu.RSP] & 0xFFFFFFFF

	push32 := func(v uint32) error {
		sp = (sp - 4) & 0xFFFFFFFF
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		return bus.Write(cfg, s.Segs[cpu.SegSS].Base+sp, cpl, b[:])
	}

	if err := push32(uint32(s.RFLAGS())); err != nil {
		return err
	}
	if err := push32(uint32(s.Segs[cpu.SegCS].Selector)); err != nil {
		return err
	}
	if err := push32(uint32(s.RIP)); err != nil {
		return err
	}
	if e.Vector.hasErrorCode() {
		if err := push32(e.ErrorCode); err != nil {
			return err
		}
	}

	s.Regs[cpu.RSP] = (s.Regs[cpu.RSP] &^ 0xFFFFFFFF) | sp
	s.WriteSegment(cpu.SegCS, cpu.Segment{Selector: selector, Present: true, Default32: true})
	s.RIP = offset
	s.SetFlag(cpu.FlagIF, false)
	s.SetFlag(cpu.FlagTF, false)

	return nil
}

// deliverLong handles long mode via 16-byte IDT gates. Per the AMD64/Intel
// architecture, SS:RSP are always pushed in 64-bit mode even without a
// privilege-level change, so the frame is always {SS, RSP, RFLAGS, CS,
// RIP, [error code]}.
func deliverLong(s *cpu.State, bus *mmu.CPUBus, cfg mmu.Config, cpl uint8, e Exception) error {
	gate := s.IDTR.Base + uint64(e.Vector)*16

	var raw [16]byte
	if err := bus.Read(cfg, gate, cpl, raw[:]); err != nil {
		return err
	}

	offset := uint64(binary.LittleEndian.Uint16(raw[0:2])) |
		uint64(binary.LittleEndian.Uint16(raw[6:8]))<<16 |
		uint64(binary.LittleEndian.Uint32(raw[8:12]))<<32
	selector := binary.LittleEndian.Uint16(raw[2:4])

	sp := s.Regs[cpu.RSP]

	push64 := func(v uint64) error {
		sp -= 8
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return bus.Write(cfg, sp, cpl, b[:])
	}

	if err := push64(uint64(s.Segs[cpu.SegSS].Selector)); err != nil {
		return err
	}
	if err := push64(s.Regs[cpu.RSP]); err != nil {
		return err
	}
	if err := push64(s.RFLAGS()); err != nil {
		return err
	}
	if err := push64(uint64(s.Segs[cpu.SegCS].Selector)); err != nil {
		return err
	}
	if err := push64(s.RIP); err != nil {
		return err
	}
	if e.Vector.hasErrorCode() {
		if err := push64(uint64(e.ErrorCode)); err != nil {
			return err
		}
	}

	s.Regs[cpu.RSP] = sp
	s.WriteSegment(cpu.SegCS, cpu.Segment{Selector: selector, Present: true, Long: true})
	s.RIP = offset
	s.SetFlag(cpu.FlagIF, false)
	s.SetFlag(cpu.FlagTF, false)

	return nil
}
