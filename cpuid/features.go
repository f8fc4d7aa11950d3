package cpuid

import "fmt"

// The bit positions below match real silicon's CPUID leaves, not a
// software invention: arch/x86/kvm/cpuid.c and
// arch/x86/include/asm/cpufeatures.h in Linux document the same offsets.
// Aero never queries a host CPU for these — there is no host CPU in the
// loop — Build (cpuid.go) decides which bits a given cpu.FeatureSet turns
// on, and every guest sees exactly that software policy.

// F1Edx names function-1 EDX feature bits.
type F1Edx uint32

const (
	FPU     F1Edx = 0  // Onboard FPU
	VME     F1Edx = 1  // Virtual Mode Extensions
	DE      F1Edx = 2  // Debugging Extensions
	PSE     F1Edx = 3  // Page Size Extensions
	TSC     F1Edx = 4  // Time Stamp Counter
	MSR     F1Edx = 5  // Model-Specific Registers
	PAE     F1Edx = 6  // Physical Address Extension
	MCE     F1Edx = 7  // Machine Check Exception
	CX8     F1Edx = 8  // CMPXCHG8 instruction
	APIC    F1Edx = 9  // Onboard APIC
	SEP     F1Edx = 11 // SYSENTER/SYSEXIT
	MTRR    F1Edx = 12 // Memory Type Range Registers
	PGE     F1Edx = 13 // Page Global Enable
	MCA     F1Edx = 14 // Machine Check Architecture
	CMOV    F1Edx = 15 // CMOV (and FCMOVcc/FCOMI with the FPU)
	PAT     F1Edx = 16 // Page Attribute Table
	PSE36   F1Edx = 17 // 36-bit PSE
	CLFLUSH F1Edx = 19 // CLFLUSH instruction
	ACPI    F1Edx = 22 // ACPI via MSR
	MMX     F1Edx = 23
	FXSR    F1Edx = 24 // FXSAVE/FXRSTOR, CR4.OSFXSR
	XMM     F1Edx = 25 // SSE
	XMM2    F1Edx = 26 // SSE2
	HT      F1Edx = 28 // Hyper-Threading, never set: Aero reports one logical core per package
)

func (f F1Edx) String() string {
	switch f {
	case FPU:
		return "fpu"
	case VME:
		return "vme"
	case DE:
		return "de"
	case PSE:
		return "pse"
	case TSC:
		return "tsc"
	case MSR:
		return "msr"
	case PAE:
		return "pae"
	case MCE:
		return "mce"
	case CX8:
		return "cx8"
	case APIC:
		return "apic"
	case SEP:
		return "sep"
	case MTRR:
		return "mtrr"
	case PGE:
		return "pge"
	case MCA:
		return "mca"
	case CMOV:
		return "cmov"
	case PAT:
		return "pat"
	case PSE36:
		return "pse36"
	case CLFLUSH:
		return "clflush"
	case ACPI:
		return "acpi"
	case MMX:
		return "mmx"
	case FXSR:
		return "fxsr"
	case XMM:
		return "sse"
	case XMM2:
		return "sse2"
	case HT:
		return "ht"
	default:
		return fmt.Sprintf("F1Edx(%d)", uint32(f))
	}
}

// Ext1Edx names extended function 0x80000001 EDX bits: the three feature
// gates that also control EFER bit writability in cpu.FeatureSet.
type Ext1Edx uint32

const (
	ExtSYSCALL Ext1Edx = 11 // SYSCALL/SYSRET, gates EFER.SCE
	ExtNX      Ext1Edx = 20 // No-execute page bit, gates EFER.NXE
	ExtLM      Ext1Edx = 29 // Long Mode, gates EFER.LME
)

func (f Ext1Edx) String() string {
	switch f {
	case ExtSYSCALL:
		return "syscall"
	case ExtNX:
		return "nx"
	case ExtLM:
		return "lm"
	default:
		return fmt.Sprintf("Ext1Edx(%d)", uint32(f))
	}
}

func setBit(word *uint32, bit uint32, enable bool) {
	if enable {
		*word |= 1 << bit
	} else {
		*word &^= 1 << bit
	}
}
