package cpu_test

import (
	"testing"

	"github.com/aerocore/aero/cpu"
)

func TestDeriveMode(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name             string
		pe, lma, l, db   bool
		want             cpu.Mode
	}{
		{"reset", false, false, false, false, cpu.ModeReal},
		{"protected16", true, false, false, false, cpu.ModeProtected16},
		{"protected32", true, false, false, true, cpu.ModeProtected32},
		{"long64", true, true, true, false, cpu.ModeLong},
		{"compat32", true, true, false, false, cpu.ModeCompat32},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := cpu.DeriveMode(tt.pe, tt.lma, tt.l, tt.db); got != tt.want {
				t.Errorf("DeriveMode(%v,%v,%v,%v) = %v, want %v", tt.pe, tt.lma, tt.l, tt.db, got, tt.want)
			}
		})
	}
}

func TestGPRZeroExtension(t *testing.T) {
	t.Parallel()

	s := cpu.New(cpu.DefaultFeatureSet())
	s.SetGPR(cpu.RAX, 64, 0xFFFFFFFFFFFFFFFF)
	s.SetGPR(cpu.RAX, 32, 0x12345678)

	if got := s.GetGPR(cpu.RAX, 64); got != 0x12345678 {
		t.Errorf("32-bit write did not zero-extend: RAX = %#x", got)
	}

	s.SetGPR(cpu.RAX, 64, 0xFFFFFFFFFFFFFFFF)
	s.SetGPR(cpu.RAX, 16, 0x0001)

	if got := s.GetGPR(cpu.RAX, 64); got != 0xFFFFFFFFFFFF0001 {
		t.Errorf("16-bit write clobbered upper bits: RAX = %#x", got)
	}
}

func TestLazyFlagsRetireOnRead(t *testing.T) {
	t.Parallel()

	s := cpu.New(cpu.DefaultFeatureSet())
	s.SetArith(cpu.ArithSub, 32, 1, 1, 0)

	if !s.Flag(cpu.FlagZF) {
		t.Error("ZF should be set after 1-1=0")
	}

	if s.Flag(cpu.FlagCF) {
		t.Error("CF should be clear after 1-1 (no borrow)")
	}
}

func TestEFERMasksUnadvertisedFeatures(t *testing.T) {
	t.Parallel()

	s := cpu.New(cpu.NewFeatureSet()) // no features advertised
	s.CRs.CR0 |= cpu.CR0PG
	s.CRs.CR4 |= cpu.CR4PAE

	if err := s.WriteMSR(cpu.MsrEFER, cpu.EFERLME|cpu.EFERNXE|cpu.EFERSCE); err != nil {
		t.Fatalf("WriteMSR(EFER): %v", err)
	}

	got, err := s.ReadMSR(cpu.MsrEFER)
	if err != nil {
		t.Fatalf("ReadMSR(EFER): %v", err)
	}

	if got&(cpu.EFERLME|cpu.EFERNXE|cpu.EFERSCE) != 0 {
		t.Errorf("EFER = %#x, want all gated bits masked to zero", got)
	}
}

func TestUnknownMSRFails(t *testing.T) {
	t.Parallel()

	s := cpu.New(cpu.DefaultFeatureSet())

	if _, err := s.ReadMSR(0xDEADBEEF); err != cpu.ErrUnknownMSR {
		t.Errorf("ReadMSR(unknown) = %v, want ErrUnknownMSR", err)
	}

	if err := s.WriteMSR(0xDEADBEEF, 0); err != cpu.ErrUnknownMSR {
		t.Errorf("WriteMSR(unknown) = %v, want ErrUnknownMSR", err)
	}
}
