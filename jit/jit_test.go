package jit_test

import (
	"errors"
	"testing"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/jit"
	"github.com/aerocore/aero/membus"
	"github.com/aerocore/aero/mmu"
)

type rig struct {
	phys *membus.Bus
	bus  *mmu.CPUBus
	s    *cpu.State
	cfg  mmu.Config
}

func newRig(t *testing.T, size int) rig {
	t.Helper()

	phys, err := membus.New(size)
	if err != nil {
		t.Fatalf("membus.New: %v", err)
	}

	m := mmu.New(phys)
	bus := mmu.NewCPUBus(m, phys)

	s := cpu.New(cpu.DefaultFeatureSet())
	s.CRs.CR0 |= cpu.CR0PE
	flat := cpu.Segment{Base: 0, Limit: 0xFFFFFFFF, Present: true, Default32: true}
	for i := cpu.SegReg(0); i < cpu.NumSegRegs; i++ {
		s.WriteSegment(i, flat)
	}

	if s.Mode != cpu.ModeProtected32 {
		t.Fatalf("test setup did not reach protected32 mode: %v", s.Mode)
	}

	return rig{phys: phys, bus: bus, s: s, cfg: mmu.Config{PagingEnabled: false}}
}

func (r rig) load(t *testing.T, addr uint64, code []byte) {
	t.Helper()

	if err := r.phys.Write(addr, code); err != nil {
		t.Fatalf("seed code: %v", err)
	}
}

func TestCompileStraightLineThenJmp(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1<<16)

	code := []byte{
		0xB8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0x83, 0xC0, 0x03, // add eax, 3
		0xEB, 0x10, // jmp +0x10
	}
	r.load(t, 0x1000, code)

	block, err := jit.Compile(r.bus, r.cfg, 0, 0x1000, 32)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if len(block.Ops) != 3 {
		t.Fatalf("Ops = %d, want 3 (Set, Bin, Exit)", len(block.Ops))
	}

	nextRIP, bailoutIP, err := jit.Execute(block, r.s, r.bus, r.cfg, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if bailoutIP != 0 {
		t.Fatalf("unexpected bailout at %#x", bailoutIP)
	}

	if r.s.Regs[cpu.RAX] != 8 {
		t.Errorf("EAX = %d, want 8", r.s.Regs[cpu.RAX])
	}

	wantRIP := uint64(0x1000 + len(code) + 0x10)
	if nextRIP != wantRIP {
		t.Errorf("nextRIP = %#x, want %#x", nextRIP, wantRIP)
	}
}

func TestCompileCmpJccFusionTaken(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1<<16)
	r.s.Regs[cpu.RAX] = 5

	code := []byte{
		0x83, 0xF8, 0x05, // cmp eax, 5
		0x74, 0x10, // je +0x10
	}
	r.load(t, 0x2000, code)

	block, err := jit.Compile(r.bus, r.cfg, 0, 0x2000, 32)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	// Cmp into a temp, ExitIf on it, fallthrough Exit.
	if len(block.Ops) != 3 {
		t.Fatalf("Ops = %d, want 3 (Cmp, ExitIf, Exit)", len(block.Ops))
	}

	nextRIP, _, err := jit.Execute(block, r.s, r.bus, r.cfg, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wantRIP := uint64(0x2000 + len(code) + 0x10)
	if nextRIP != wantRIP {
		t.Errorf("nextRIP = %#x, want %#x (branch taken)", nextRIP, wantRIP)
	}
}

func TestCompileCmpJccFusionNotTaken(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1<<16)
	r.s.Regs[cpu.RAX] = 9 // not equal to 5

	code := []byte{
		0x83, 0xF8, 0x05, // cmp eax, 5
		0x74, 0x10, // je +0x10
	}
	r.load(t, 0x2100, code)

	block, err := jit.Compile(r.bus, r.cfg, 0, 0x2100, 32)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	nextRIP, _, err := jit.Execute(block, r.s, r.bus, r.cfg, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wantRIP := uint64(0x2100 + len(code))
	if nextRIP != wantRIP {
		t.Errorf("nextRIP = %#x, want %#x (branch not taken)", nextRIP, wantRIP)
	}
}

func TestCompileUnsupportedEntryReturnsErrNoBlock(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1<<16)

	r.load(t, 0x3000, []byte{0x0F, 0xA2}) // cpuid: not lowerable at all

	_, err := jit.Compile(r.bus, r.cfg, 0, 0x3000, 32)
	if !errors.Is(err, jit.ErrNoBlock) {
		t.Fatalf("err = %v, want ErrNoBlock", err)
	}
}

func TestTableInstallLookupExecute(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1<<16)
	r.load(t, 0x4000, []byte{
		0xB8, 0x2A, 0x00, 0x00, 0x00, // mov eax, 42
		0xEB, 0x00, // jmp +0
	})

	block, err := jit.Compile(r.bus, r.cfg, 0, 0x4000, 32)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	table := jit.NewTable()
	idx := table.Install(block)

	got, ok := table.Lookup(idx)
	if !ok || got != block {
		t.Fatalf("Lookup(%d) = %v, %v, want the installed block", idx, got, ok)
	}

	if _, _, err := table.Execute(idx, r.s, r.bus, r.cfg, 0); err != nil {
		t.Fatalf("table.Execute: %v", err)
	}

	if r.s.Regs[cpu.RAX] != 42 {
		t.Errorf("EAX = %d, want 42", r.s.Regs[cpu.RAX])
	}

	table.Remove(idx)
	if _, ok := table.Lookup(idx); ok {
		t.Errorf("Lookup(%d) succeeded after Remove", idx)
	}

	if _, _, err := table.Execute(idx, r.s, r.bus, r.cfg, 0); err == nil {
		t.Errorf("Execute on a removed slot: want an error, got nil")
	}
}
