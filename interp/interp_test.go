package interp_test

import (
	"testing"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/cpuid"
	"github.com/aerocore/aero/except"
	"github.com/aerocore/aero/interp"
	"github.com/aerocore/aero/membus"
	"github.com/aerocore/aero/mmu"
)

// testRig bundles everything a Step case needs: a machine over a flat,
// identity-mapped physical bus and a vCPU already switched into flat
// 32-bit protected mode, so each test only has to set up its own
// registers and code bytes.
type testRig struct {
	phys *membus.Bus
	mc   *interp.Machine
	s    *cpu.State
}

func newTestRig(t *testing.T, size int) testRig {
	t.Helper()

	phys, err := membus.New(size)
	if err != nil {
		t.Fatalf("membus.New: %v", err)
	}

	m := mmu.New(phys)
	cpuBus := mmu.NewCPUBus(m, phys)

	features := cpu.DefaultFeatureSet()
	mc := interp.NewMachine(cpuBus, membus.NewPorts(), cpuid.Build(features), nil)

	s := cpu.New(features)
	s.CRs.CR0 |= cpu.CR0PE
	flat := cpu.Segment{Base: 0, Limit: 0xFFFFFFFF, Present: true, Default32: true}
	for i := cpu.SegReg(0); i < cpu.NumSegRegs; i++ {
		s.WriteSegment(i, flat)
	}

	if s.Mode != cpu.ModeProtected32 {
		t.Fatalf("test setup did not reach protected32 mode: %v", s.Mode)
	}

	return testRig{phys: phys, mc: mc, s: s}
}

func (r testRig) loadCode(t *testing.T, addr uint64, code []byte) {
	t.Helper()

	if err := r.phys.Write(addr, code); err != nil {
		t.Fatalf("seed code: %v", err)
	}
}

func TestStepMovRegImm(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, 1<<16)
	r.s.RIP = 0x1000

	// mov eax, 0x12345678
	r.loadCode(t, 0x1000, []byte{0xB8, 0x78, 0x56, 0x34, 0x12})

	outcome, err := r.mc.Step(r.s)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	if outcome != except.OutcomeBlock {
		t.Fatalf("outcome = %v, want OutcomeBlock", outcome)
	}

	if r.s.Regs[cpu.RAX] != 0x12345678 {
		t.Errorf("EAX = %#x, want 0x12345678", r.s.Regs[cpu.RAX])
	}

	if r.s.RIP != 0x1005 {
		t.Errorf("RIP = %#x, want 0x1005", r.s.RIP)
	}
}

func TestStepAddSetsFlags(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, 1<<16)
	r.s.RIP = 0x2000
	r.s.Regs[cpu.RAX] = 1

	// add eax, -1
	r.loadCode(t, 0x2000, []byte{0x83, 0xC0, 0xFF})

	outcome, err := r.mc.Step(r.s)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	if outcome != except.OutcomeBlock {
		t.Fatalf("outcome = %v, want OutcomeBlock", outcome)
	}

	if r.s.Regs[cpu.RAX] != 0 {
		t.Errorf("EAX = %#x, want 0", r.s.Regs[cpu.RAX])
	}

	if !r.s.Flag(cpu.FlagZF) {
		t.Errorf("ZF not set after add producing zero")
	}

	if !r.s.Flag(cpu.FlagCF) {
		t.Errorf("CF not set after 1 + (-1) carries out")
	}
}

func TestStepCmpAndJccTaken(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, 1<<16)
	r.s.RIP = 0x3000
	r.s.Regs[cpu.RAX] = 5

	// cmp eax, 5
	r.loadCode(t, 0x3000, []byte{0x83, 0xF8, 0x05})

	if _, err := r.mc.Step(r.s); err != nil {
		t.Fatalf("Step (cmp): %v", err)
	}

	if !r.s.Flag(cpu.FlagZF) {
		t.Fatalf("ZF not set after cmp eax, 5 with EAX==5")
	}

	// je +0x10 (short form, rel8 = 0x10)
	r.loadCode(t, r.s.RIP, []byte{0x74, 0x10})
	before := r.s.RIP

	outcome, err := r.mc.Step(r.s)
	if err != nil {
		t.Fatalf("Step (je): %v", err)
	}

	if outcome != except.OutcomeBlock {
		t.Fatalf("outcome = %v, want OutcomeBlock", outcome)
	}

	if want := before + 2 + 0x10; r.s.RIP != want {
		t.Errorf("RIP = %#x, want %#x", r.s.RIP, want)
	}
}

func TestStepPushPop(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, 1<<16)
	r.s.RIP = 0x4000
	r.s.Regs[cpu.RSP] = 0x8000
	r.s.Regs[cpu.RCX] = 0xCAFEBABE

	// push ecx
	r.loadCode(t, 0x4000, []byte{0x51})
	if _, err := r.mc.Step(r.s); err != nil {
		t.Fatalf("Step (push): %v", err)
	}

	if r.s.Regs[cpu.RSP] != 0x8000-4 {
		t.Fatalf("RSP after push = %#x, want %#x", r.s.Regs[cpu.RSP], 0x8000-4)
	}

	// pop eax
	r.loadCode(t, r.s.RIP, []byte{0x58})
	if _, err := r.mc.Step(r.s); err != nil {
		t.Fatalf("Step (pop): %v", err)
	}

	if r.s.Regs[cpu.RSP] != 0x8000 {
		t.Errorf("RSP after pop = %#x, want 0x8000", r.s.Regs[cpu.RSP])
	}

	if r.s.Regs[cpu.RAX] != 0xCAFEBABE {
		t.Errorf("EAX after pop = %#x, want 0xCAFEBABE", r.s.Regs[cpu.RAX])
	}
}

func TestStepCallAndRet(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, 1<<16)
	r.s.RIP = 0x5000
	r.s.Regs[cpu.RSP] = 0x9000

	// call rel32=0xB (from next-RIP 0x5005 to 0x5010); at 0x5010: ret
	r.loadCode(t, 0x5000, []byte{0xE8, 0x0B, 0x00, 0x00, 0x00})
	r.loadCode(t, 0x5010, []byte{0xC3})

	if _, err := r.mc.Step(r.s); err != nil {
		t.Fatalf("Step (call): %v", err)
	}

	if r.s.RIP != 0x5010 {
		t.Fatalf("RIP after call = %#x, want 0x5010", r.s.RIP)
	}

	if r.s.Regs[cpu.RSP] != 0x9000-4 {
		t.Fatalf("RSP after call = %#x, want %#x", r.s.Regs[cpu.RSP], 0x9000-4)
	}

	if _, err := r.mc.Step(r.s); err != nil {
		t.Fatalf("Step (ret): %v", err)
	}

	if r.s.RIP != 0x5005 {
		t.Errorf("RIP after ret = %#x, want 0x5005", r.s.RIP)
	}

	if r.s.Regs[cpu.RSP] != 0x9000 {
		t.Errorf("RSP after ret = %#x, want 0x9000", r.s.Regs[cpu.RSP])
	}
}

func TestStepHaltSetsHalted(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, 1<<16)
	r.s.RIP = 0x6000

	r.loadCode(t, 0x6000, []byte{0xF4}) // hlt

	outcome, err := r.mc.Step(r.s)
	if err != nil {
		t.Fatalf("Step (hlt): %v", err)
	}

	if outcome != except.OutcomeBlock {
		t.Fatalf("outcome = %v, want OutcomeBlock on the halting step itself", outcome)
	}

	if !r.s.Halted {
		t.Fatalf("state not marked halted after HLT")
	}

	outcome, err = r.mc.Step(r.s)
	if err != nil {
		t.Fatalf("Step (post-halt): %v", err)
	}

	if outcome != except.OutcomeHalted {
		t.Errorf("outcome = %v, want OutcomeHalted once halted", outcome)
	}
}

func TestStepCPUIDReturnsAssist(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, 1<<16)
	r.s.RIP = 0x7000

	r.loadCode(t, 0x7000, []byte{0x0F, 0xA2}) // cpuid

	outcome, err := r.mc.Step(r.s)
	if outcome != except.OutcomeAssistPending {
		t.Fatalf("outcome = %v, want OutcomeAssistPending", outcome)
	}

	assist, ok := err.(except.Assist)
	if !ok {
		t.Fatalf("err = %v (%T), want an except.Assist", err, err)
	}

	if assist.Reason != except.AssistCPUID {
		t.Errorf("assist reason = %v, want AssistCPUID", assist.Reason)
	}

	if r.s.RIP != 0x7002 {
		t.Errorf("RIP after CPUID assist = %#x, want 0x7002 (RIP still advances)", r.s.RIP)
	}
}

func TestStepOutReturnsIOAssist(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, 1<<16)
	r.s.RIP = 0x7100
	r.s.Regs[cpu.RAX] = 0x42

	r.loadCode(t, 0x7100, []byte{0xE6, 0x80}) // out 0x80, al

	outcome, err := r.mc.Step(r.s)
	if outcome != except.OutcomeAssistPending {
		t.Fatalf("outcome = %v, want OutcomeAssistPending", outcome)
	}

	assist, ok := err.(except.Assist)
	if !ok {
		t.Fatalf("err = %v (%T), want an except.Assist", err, err)
	}

	if assist.Reason != except.AssistIO {
		t.Errorf("assist reason = %v, want AssistIO", assist.Reason)
	}
}

func TestStepUnmappedFetchFaults(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, 1<<12)
	r.s.RIP = 1 << 20 // well past the 4KB-backed bus

	// A fetch past the end of physical RAM has no architectural fault
	// type of its own (paging is off, so it cannot be a page fault) and
	// is reported as an unrecoverable host-side error rather than
	// delivered through the IDT.
	outcome, err := r.mc.Step(r.s)
	if err == nil {
		t.Fatalf("Step: want an error for a fetch past the end of RAM, got nil")
	}

	if outcome != except.OutcomeException {
		t.Errorf("outcome = %v, want OutcomeException", outcome)
	}
}
