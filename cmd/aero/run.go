package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/aerocore/aero/aerogpu"
	"github.com/aerocore/aero/cmdstream"
	"github.com/aerocore/aero/codecache"
	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/cpuid"
	"github.com/aerocore/aero/dispatch"
	"github.com/aerocore/aero/except"
	"github.com/aerocore/aero/flag"
	"github.com/aerocore/aero/interp"
	"github.com/aerocore/aero/jit"
	"github.com/aerocore/aero/membus"
	"github.com/aerocore/aero/memory"
	"github.com/aerocore/aero/mmu"
	"github.com/aerocore/aero/pci"
	"github.com/aerocore/aero/serial"
	"github.com/aerocore/aero/telemetry"
	"github.com/aerocore/aero/trace"
)

// aeroGPUBAR0Base and aeroGPUBAR1Base are where run wires AeroGPU into
// the guest-physical map: a fixed, unenumerated placement works because
// Aero's guest firmware is not a real BIOS walking PCI bus 0 to assign
// BARs, it is cmd/aero itself, which already knows the answer.
const (
	aeroGPUBAR0Base = 0xFEB0_0000
	aeroGPUBAR1Base = 0xE000_0000
)

// noopIRQInjector backs serial's IRQInjector when interrupt delivery
// into the guest is not wired up: the console still works in polled
// mode, it just never raises IRQ4.
type noopIRQInjector struct{}

func (noopIRQInjector) InjectSerialIRQ() error { return nil }

func decodeMode(s string) (cmdstream.Mode, error) {
	switch s {
	case "strict", "":
		return cmdstream.ModeStrict, nil
	case "lenient":
		return cmdstream.ModeLenient, nil
	default:
		return 0, fmt.Errorf("cmd/aero: unknown decode mode %q", s)
	}
}

// runVM loads a kernel image and drives it to completion (halt) or a
// fatal, unresolvable assist or exception.
func runVM(run *flag.RunArgs) error {
	mode, err := decodeMode(run.Decode)
	if err != nil {
		return err
	}

	phys, err := membus.New(run.MemSize)
	if err != nil {
		return fmt.Errorf("cmd/aero: membus.New: %w", err)
	}

	result, err := loadKernel(phys, run.Kernel)
	if err != nil {
		return err
	}

	layout := memory.NewAddressSpace("guest-phys", 0, uint64(run.MemSize))
	if err := layout.AddAddress(memory.NewAddressSpace("kernel", result.loadStart, result.loadSize)); err != nil {
		return fmt.Errorf("cmd/aero: kernel image placement: %w", err)
	}

	if run.Initrd != "" {
		addr, size, err := loadInitrd(phys, run.Initrd)
		if err != nil {
			return err
		}
		if err := layout.AddAddress(memory.NewAddressSpace("initrd", addr, size)); err != nil {
			return fmt.Errorf("cmd/aero: initrd placement: %w", err)
		}
	}

	m := mmu.New(phys)
	bus := mmu.NewCPUBus(m, phys)

	features := cpu.DefaultFeatureSet()
	s := cpu.New(features)
	s.RIP = result.entry

	if result.amd64 {
		if err := layout.AddAddress(memory.NewAddressSpace("page-tables", identityPageTableBase, pageTablesSize)); err != nil {
			return fmt.Errorf("cmd/aero: page table placement: %w", err)
		}
		if err := buildIdentityPageTables(phys); err != nil {
			return err
		}
		enterLongMode(s)
	} else if !result.isFlat {
		enterProtected32(s)
	}

	ports := membus.NewPorts()

	gpu := aerogpu.New(phys, aerogpu.DeviceConfig{
		VRAMSize:   16 << 20,
		BAR0Base:   aeroGPUBAR0Base,
		BAR1Base:   aeroGPUBAR1Base,
		DecodeMode: mode,
	})
	phys.RegisterMMIO(aeroGPUBAR0Base, aeroGPUBAR0Base+aerogpu.BAR0SizeBytes, gpu)
	phys.RegisterMMIO(aeroGPUBAR1Base, aeroGPUBAR1Base+16<<20, gpu.BAR1())
	phys.RegisterMMIO(aerogpu.LegacyVGAPAddrBase, aerogpu.LegacyVGAPAddrEnd, gpu.VRAM)

	legacyVGA := aerogpu.NewLegacyVGA(gpu)
	legacyVGA.Register(ports)

	pciHost := pci.New(gpu.Config)
	ports.Register(pci.ConfigAddressPort, pci.ConfigAddressPort+4, pciHost.PciConfAddrIn, pciHost.PciConfAddrOut)
	ports.Register(pci.ConfigDataPort, pci.ConfigDataPort+4, pciHost.PciConfDataIn, pciHost.PciConfDataOut)

	com1, err := serial.New(noopIRQInjector{})
	if err != nil {
		return fmt.Errorf("cmd/aero: serial.New: %w", err)
	}
	ports.Register(serial.COM1Addr, serial.COM1Addr+8, com1.In, com1.Out)

	mc := interp.NewMachine(bus, ports, cpuid.Build(features), nil)
	blocks := jit.NewTable()
	cache := codecache.New(blocks, codecache.Config{})
	profile := trace.NewProfileData()
	tele := telemetry.NewUnregistered()

	d := dispatch.New(mc, bus, blocks, cache, profile, tele, dispatch.Config{})
	defer d.Close()

	for !s.Halted {
		outcome, err := d.Step(s)
		if err != nil {
			var assist except.Assist
			if outcome == except.OutcomeAssistPending && errors.As(err, &assist) {
				if rerr := resolveAssist(mc, s, ports, assist.Reason); rerr != nil {
					return fmt.Errorf("cmd/aero: resolve assist %s: %w", assist.Reason, rerr)
				}

				continue
			}

			return fmt.Errorf("cmd/aero: step: %w", err)
		}

		gpu.Poll(uint64(time.Now().UnixNano()))

		if outcome == except.OutcomeHalted {
			break
		}
	}

	return nil
}

// enterProtected32 flips the reset-vector vCPU cpu.New already built into
// flat 32-bit protected mode, the state an ELF32 entry point expects.
func enterProtected32(s *cpu.State) {
	s.WriteCR0(s.CRs.CR0 | cpu.CR0PE)
	flat := cpu.Segment{Base: 0, Limit: 0xFFFFFFFF, Present: true, Default32: true}
	for i := cpu.SegReg(0); i < cpu.NumSegRegs; i++ {
		s.WriteSegment(i, flat)
	}
}

// enterLongMode additionally sets up identity paging and switches on
// long mode for an ELF64 entry point: EFER.LME/NXE, CR4.PAE, CR0.PG, and
// a CR3 pointing at page tables buildIdentityPageTables has already
// built at a fixed low-memory scratch address.
func enterLongMode(s *cpu.State) {
	enterProtected32(s)

	s.WriteCR4(s.CRs.CR4 | cpu.CR4PAE)
	if err := s.WriteMSR(cpu.MsrEFER, s.MSRs.EFER|cpu.EFERLME|cpu.EFERNXE); err != nil {
		panic(fmt.Sprintf("cmd/aero: WriteMSR(EFER): %v", err))
	}
	s.WriteCR3(identityPageTableBase)
	s.WriteCR0(s.CRs.CR0 | cpu.CR0PG)

	flat := cpu.Segment{Base: 0, Limit: 0xFFFFFFFF, Present: true, Long: true}
	s.WriteSegment(cpu.SegCS, flat)
}
