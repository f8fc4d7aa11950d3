// Package probe implements the "aero probe" subcommand: small read-only
// diagnostics a developer runs without booting a guest.
package probe

import (
	"fmt"

	"github.com/aerocore/aero/cpu"
	"github.com/aerocore/aero/cpuid"
)

// CPUID prints the leaf table Aero would hand to a guest vCPU built with
// the default feature set. This is Aero's own fixed software policy —
// there is no host CPU whose support matters.
func CPUID() error {
	tbl := cpuid.Build(cpu.DefaultFeatureSet())

	for _, f := range []uint32{0, 1, 7, 0x80000000, 0x80000001, 0x80000008} {
		l, ok := tbl.Lookup(f, 0)
		if !ok {
			continue
		}

		fmt.Printf("0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x\n",
			l.Function, l.Index, l.EAX, l.EBX, l.ECX, l.EDX)
	}

	return nil
}
