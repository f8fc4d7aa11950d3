package cpuid_test

import (
	"testing"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/cpuid"
)

func TestVendorString(t *testing.T) {
	t.Parallel()

	tbl := cpuid.Build(cpu.DefaultFeatureSet())

	l, ok := tbl.Lookup(0, 0)
	if !ok {
		t.Fatal("leaf 0 not modeled")
	}

	s := []byte{}
	for _, x := range []uint32{l.EBX, l.EDX, l.ECX} {
		s = append(s, byte(x), byte(x>>8), byte(x>>16), byte(x>>24))
	}

	if got := string(s); got != "AeroCoreCPU0" {
		t.Fatalf("vendor string = %q, want AeroCoreCPU0", got)
	}
}

func TestExtendedFeaturesFollowFeatureSet(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name     string
		features cpu.FeatureSet
		wantLM   bool
		wantNX   bool
	}{
		{"empty", cpu.NewFeatureSet(), false, false},
		{"default", cpu.DefaultFeatureSet(), true, true},
		{"lm only", cpu.NewFeatureSet(cpu.FeatLM), true, false},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tbl := cpuid.Build(tt.features)

			l, ok := tbl.Lookup(0x80000001, 0)
			if !ok {
				t.Fatal("leaf 0x80000001 not modeled")
			}

			if got := l.EDX&(1<<uint32(cpuid.ExtLM)) != 0; got != tt.wantLM {
				t.Errorf("LM bit = %v, want %v", got, tt.wantLM)
			}

			if got := l.EDX&(1<<uint32(cpuid.ExtNX)) != 0; got != tt.wantNX {
				t.Errorf("NX bit = %v, want %v", got, tt.wantNX)
			}
		})
	}
}

func TestLookupMissingLeaf(t *testing.T) {
	t.Parallel()

	tbl := cpuid.Build(cpu.DefaultFeatureSet())

	if _, ok := tbl.Lookup(0x4FFFFFFF, 0); ok {
		t.Error("Lookup of an unmodeled leaf should report false")
	}
}
