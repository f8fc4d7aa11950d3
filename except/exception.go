// Package except defines Aero's exception sum type and the assist
// protocol the JIT tiers and interpreter share whenever an instruction
// needs capability the fast paths do not inline. Vectors and error-code
// presence follow the x86 architectural reference; this package owns no
// CPU or bus state itself — Deliver takes both as parameters so except
// stays testable without a full machine.
package except

import "fmt"

// Vector is an x86 exception/interrupt vector number.
type Vector uint8

const (
	VecDivideByZero      Vector = 0
	VecDebug             Vector = 1
	VecNMI               Vector = 2
	VecBreakpoint        Vector = 3
	VecOverflow          Vector = 4
	VecBoundRange        Vector = 5
	VecInvalidOpcode     Vector = 6
	VecDeviceNA          Vector = 7
	VecDoubleFault       Vector = 8
	VecInvalidTSS        Vector = 10
	VecSegmentNotPresent Vector = 11
	VecStackSegment      Vector = 12
	VecGeneralProtection Vector = 13
	VecPageFault         Vector = 14
	VecFPU               Vector = 16
	VecAlignmentCheck    Vector = 17
	VecMachineCheck      Vector = 18
	VecSIMDFP            Vector = 19
	VecVirtualization    Vector = 20
)

// hasErrorCode reports whether the architecture pushes an error code for
// this vector; double fault always pushes zero, so it counts as "has an
// error code" for frame-layout purposes even though the value is fixed.
func (v Vector) hasErrorCode() bool {
	switch v {
	case VecDoubleFault, VecInvalidTSS, VecSegmentNotPresent, VecStackSegment,
		VecGeneralProtection, VecPageFault, VecAlignmentCheck:
		return true
	default:
		return false
	}
}

// Exception is one architectural exception ready for delivery.
type Exception struct {
	Vector    Vector
	ErrorCode uint32
	CR2       uint64 // valid only for VecPageFault
}

func (e Exception) Error() string {
	if e.Vector.hasErrorCode() {
		return fmt.Sprintf("exception vector %d, error code %#x", e.Vector, e.ErrorCode)
	}

	return fmt.Sprintf("exception vector %d", e.Vector)
}

func New(v Vector) Exception {
	return Exception{Vector: v}
}

// GP0 is the ubiquitous #GP(0): invalid MSR access, non-canonical
// addresses, disallowed privileged instructions at CPL>0.
func GP0() Exception {
	return Exception{Vector: VecGeneralProtection, ErrorCode: 0}
}

func GP(errorCode uint32) Exception {
	return Exception{Vector: VecGeneralProtection, ErrorCode: errorCode}
}

func PF(addr uint64, errorCode uint32) Exception {
	return Exception{Vector: VecPageFault, ErrorCode: errorCode, CR2: addr}
}

func UD() Exception {
	return Exception{Vector: VecInvalidOpcode}
}

// AssistReason names why the JIT bailed out to the interpreter for a
// canonical, one-instruction-at-a-time step.
type AssistReason uint8

const (
	AssistMSR AssistReason = iota
	AssistCPUID
	AssistIO
	AssistHLT
	AssistFarJump
	AssistModeTransition
	AssistWRPKRU
)

func (r AssistReason) String() string {
	switch r {
	case AssistMSR:
		return "msr"
	case AssistCPUID:
		return "cpuid"
	case AssistIO:
		return "io"
	case AssistHLT:
		return "hlt"
	case AssistFarJump:
		return "far-jump"
	case AssistModeTransition:
		return "mode-transition"
	case AssistWRPKRU:
		return "wrpkru"
	default:
		return fmt.Sprintf("AssistReason(%d)", uint8(r))
	}
}

// Assist is a non-architectural exit: not a guest-visible fault, just a
// request that the interpreter handle the current instruction because the
// fast path does not inline whatever it does. It implements error so a
// step function can return it through the same error channel a genuine
// exception travels, and callers distinguish the two with errors.As.
type Assist struct {
	Reason AssistReason
}

func (a Assist) Error() string {
	return fmt.Sprintf("assist required: %s", a.Reason)
}

// Outcome is what a single dispatcher step produces.
type Outcome uint8

const (
	OutcomeBlock Outcome = iota
	OutcomeHalted
	OutcomeException
	OutcomeAssistPending
)
