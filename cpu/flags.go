package cpu

import "math/bits"

// resolveArithFlags computes ZF/SF/CF/OF/AF/PF for a retired ArithRecord and
// folds them into the eager flags word, leaving every non-arithmetic bit
// (IF, DF, TF, ...) untouched.
func resolveArithFlags(eager uint64, r ArithRecord) uint64 {
	const arithMask = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF

	eager &^= arithMask

	mask := widthMask(r.Width)
	result := r.Result & mask
	signBit := uint64(1) << (r.Width - 1)

	zf := result == 0
	sf := result&signBit != 0
	pf := parity8(uint8(result))

	var cf, of, af bool

	switch r.Op {
	case ArithAdd, ArithInc:
		sum := r.LHS + r.RHS
		cf = r.Op == ArithAdd && (sum&mask) < (r.LHS&mask)
		of = signOverflowAdd(r.LHS, r.RHS, result, r.Width)
		af = (r.LHS&0xF)+(r.RHS&0xF) > 0xF
	case ArithSub, ArithDec, ArithCmp, ArithNeg:
		cf = (r.LHS & mask) < (r.RHS & mask)
		of = signOverflowSub(r.LHS, r.RHS, result, r.Width)
		af = (r.LHS & 0xF) < (r.RHS & 0xF)
	case ArithAnd, ArithOr, ArithXor:
		cf, of, af = false, false, false
	case ArithShl:
		if r.RHS != 0 {
			cf = (r.LHS>>(r.Width-uint8(r.RHS%uint64(r.Width))))&1 != 0
		}
		of = r.RHS == 1 && (result&signBit != 0) != ((r.LHS&(signBit>>1)) != 0)
	case ArithShr, ArithSar:
		if r.RHS != 0 {
			cf = (r.LHS>>(r.RHS-1))&1 != 0
		}
		of = r.RHS == 1 && r.Op == ArithSar && false
	case ArithMul:
		hi := result >> r.Width
		cf = hi != 0
		of = cf
	}

	if cf {
		eager |= FlagCF
	}
	if pf {
		eager |= FlagPF
	}
	if af {
		eager |= FlagAF
	}
	if zf {
		eager |= FlagZF
	}
	if sf {
		eager |= FlagSF
	}
	if of {
		eager |= FlagOF
	}

	return eager
}

func widthMask(width uint8) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}

	return (uint64(1) << width) - 1
}

// parity8 reports the x86 PF convention: set when the low byte of the result
// has an even number of one-bits.
func parity8(b uint8) bool {
	return bits.OnesCount8(b)%2 == 0
}

func signOverflowAdd(lhs, rhs, result uint64, width uint8) bool {
	signBit := uint64(1) << (width - 1)
	ls := lhs&signBit != 0
	rs := rhs&signBit != 0
	rr := result&signBit != 0

	return ls == rs && rr != ls
}

func signOverflowSub(lhs, rhs, result uint64, width uint8) bool {
	signBit := uint64(1) << (width - 1)
	ls := lhs&signBit != 0
	rs := rhs&signBit != 0
	rr := result&signBit != 0

	return ls != rs && rr != ls
}
