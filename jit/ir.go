// Package jit is Aero's tier-1 block compiler: it turns a short run of
// straight-line guest instructions into a portable IR the execution
// tiers lower and replay without redecoding, bailing out to the
// interpreter for anything the IR cannot express.
package jit

import "github.com/aerocore/aero/cpu"

// TempID names one of a Block's scratch values, local to a single
// execution of that block.
type TempID uint16

// OperandKind distinguishes an IR operand's three possible sources.
type OperandKind uint8

const (
	OperandImm OperandKind = iota
	OperandReg
	OperandTemp
)

// Operand is an IR value read-site: an immediate, a GP register at a
// given width, or a temp produced earlier in the same block.
type Operand struct {
	Kind  OperandKind
	Imm   int64
	Reg   cpu.Reg
	Width uint8
	Temp  TempID
}

// PlaceKind distinguishes an IR write-site.
type PlaceKind uint8

const (
	PlaceReg PlaceKind = iota
	PlaceTemp
)

// Place is an IR value write-site: a GP register at a given width, or a
// fresh temp.
type Place struct {
	Kind  PlaceKind
	Reg   cpu.Reg
	Width uint8
	Temp  TempID
}

// BinOp is a dyadic integer operation an IR Bin instruction performs.
type BinOp uint8

const (
	BinAdd BinOp = iota
	BinSub
	BinAnd
	BinOr
	BinXor
	BinShl
	BinShrU
)

// CmpOp is a comparison an IR Cmp instruction performs, producing a 0/1
// result rather than touching architectural flags: tier-1 blocks never
// materialize EFLAGS, so any Jcc that cannot be satisfied directly from
// a fused Cmp bails to the interpreter instead.
type CmpOp uint8

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLtS
	CmpLtU
	CmpLeS
	CmpLeU
	CmpGtS
	CmpGtU
	CmpGeS
	CmpGeU
)

// MemSize is a Load/Store IR instruction's access width.
type MemSize uint8

const (
	Size8 MemSize = iota
	Size16
	Size32
	Size64
)

// OpKind tags which field set of an Op is valid.
type OpKind uint8

const (
	OpSet OpKind = iota
	OpBin
	OpCmp
	OpSelect
	OpLoad
	OpStore
	OpExit
	OpExitIf
	OpBailout
)

// Op is one IR instruction. Only the fields relevant to Kind are set;
// the rest are zero. Block.Ops always ends with an OpExit (after an
// OpExitIf branch-taken arm, this OpExit is the explicit fallthrough) or
// an OpBailout — interpret/lower both rely on this to know where a
// block's control flow resolves.
type Op struct {
	Kind OpKind

	Dst Place
	Src Operand

	Bin      BinOp
	Cmp      CmpOp
	Lhs, Rhs Operand

	Cond             Operand
	IfTrue, IfFalse  Operand
	Addr             Operand
	Value            Operand
	Size             MemSize
	NextRIP          Operand
	BailoutReason    string
	BailoutAtGuestIP uint64
}

// Block is one compiled run of guest code: straight-line IR terminated
// by an exit, a single fused conditional exit, or a bailout.
type Block struct {
	EntryRIP  uint64
	Len       int // bytes of guest code this block covers
	TempCount int
	Ops       []Op
}

// ExitSentinel is the next-RIP value Execute reports when a block
// bails out instead of resolving to a real guest address; the caller
// must resume in the interpreter at BailoutAtGuestIP rather than treat
// this as a jump target.
const ExitSentinel = ^uint64(0)

func imm(v int64) Operand                     { return Operand{Kind: OperandImm, Imm: v} }
func regOp(r cpu.Reg, width uint8) Operand    { return Operand{Kind: OperandReg, Reg: r, Width: width} }
func tempOp(t TempID) Operand                 { return Operand{Kind: OperandTemp, Temp: t} }
func regPlace(r cpu.Reg, width uint8) Place   { return Place{Kind: PlaceReg, Reg: r, Width: width} }
func tempPlace(t TempID) Place                { return Place{Kind: PlaceTemp, Temp: t} }
