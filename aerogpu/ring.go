package aerogpu

import (
	"encoding/binary"
	"errors"
)

// Ring header and submit-descriptor layout: both are little-endian,
// fixed-stride, matching the fingerprint a production driver checks
// (magic + ABI version) before trusting the rest of the layout.
const (
	// RingHeaderSizeBytes is 64 even though the fields below only span
	// the first 32: the rest is reserved so a future ABI revision can
	// grow the header without re-deriving every descriptor's GPA.
	RingHeaderSizeBytes = 64

	RingMagicOffset            = 0
	RingABIVersionOffset       = 4
	RingSizeBytesOffset        = 8
	RingEntryCountOffset       = 12
	RingEntryStrideBytesOffset = 16
	RingFlagsOffset            = 20
	RingHeadOffset             = 24
	RingTailOffset             = 28

	RingMagic uint32 = 0x52494E47 // "RING"

	SubmitDescSizeBytes       = 16
	SubmitDescSizeBytesOffset = 0
	SubmitDescFlagsOffset     = 4
	SubmitDescSignalFence     = 8
)

// ErrRingDescGPAOverflow means computing a submit descriptor's
// guest-physical address overflowed the 64-bit address space. Ring-entry
// GPA arithmetic is always checked, never wrapping, because a
// wraparound here would let a malicious or buggy guest alias two
// descriptor slots onto the same bytes; VRAM MMIO byte-indexing
// (vram.go) is the one place in this package wrapping arithmetic is
// correct instead.
var ErrRingDescGPAOverflow = errors.New("aerogpu: ring descriptor GPA overflow")

// RingHeader is the decoded form of the ring control block (32 bytes of
// fields at the start of a RingHeaderSizeBytes header) a driver places
// at the GPA committed through RegRingGPALo/Hi.
type RingHeader struct {
	Magic            uint32
	ABIVersion       uint32
	RingSizeBytes    uint32
	EntryCount       uint32
	EntryStrideBytes uint32
	Flags            uint32
	Head             uint32
	Tail             uint32
}

// DecodeRingHeader parses a RingHeaderSizeBytes buffer.
func DecodeRingHeader(buf []byte) (RingHeader, error) {
	if len(buf) < RingHeaderSizeBytes {
		return RingHeader{}, errors.New("aerogpu: ring header buffer too short")
	}

	return RingHeader{
		Magic:            binary.LittleEndian.Uint32(buf[RingMagicOffset:]),
		ABIVersion:       binary.LittleEndian.Uint32(buf[RingABIVersionOffset:]),
		RingSizeBytes:    binary.LittleEndian.Uint32(buf[RingSizeBytesOffset:]),
		EntryCount:       binary.LittleEndian.Uint32(buf[RingEntryCountOffset:]),
		EntryStrideBytes: binary.LittleEndian.Uint32(buf[RingEntryStrideBytesOffset:]),
		Flags:            binary.LittleEndian.Uint32(buf[RingFlagsOffset:]),
		Head:             binary.LittleEndian.Uint32(buf[RingHeadOffset:]),
		Tail:             binary.LittleEndian.Uint32(buf[RingTailOffset:]),
	}, nil
}

// SubmitDesc is one ring entry: how many payload bytes follow, flags,
// and (if nonzero) a fence ID to signal through the fence page once the
// payload is processed.
type SubmitDesc struct {
	SizeBytes   uint32
	Flags       uint32
	SignalFence uint64
}

// DecodeSubmitDesc parses a SubmitDescSizeBytes buffer.
func DecodeSubmitDesc(buf []byte) (SubmitDesc, error) {
	if len(buf) < SubmitDescSizeBytes {
		return SubmitDesc{}, errors.New("aerogpu: submit descriptor buffer too short")
	}

	return SubmitDesc{
		SizeBytes:   binary.LittleEndian.Uint32(buf[SubmitDescSizeBytesOffset:]),
		Flags:       binary.LittleEndian.Uint32(buf[SubmitDescFlagsOffset:]),
		SignalFence: binary.LittleEndian.Uint64(buf[SubmitDescSignalFence:]),
	}, nil
}

// FencePageSizeBytes and its layout: {u32 magic, u32 reserved, u64
// completed_fence_id}.
const (
	FencePageSizeBytes       = 16
	FencePageMagicOffset     = 0
	FencePageCompletedOffset = 8

	FencePageMagic uint32 = 0x46454E43 // "FENC"
)

// EncodeFencePage serializes the fence page payload written after a
// descriptor with a nonzero SignalFence completes.
func EncodeFencePage(completedFenceID uint64) [FencePageSizeBytes]byte {
	var buf [FencePageSizeBytes]byte
	binary.LittleEndian.PutUint32(buf[FencePageMagicOffset:], FencePageMagic)
	binary.LittleEndian.PutUint64(buf[FencePageCompletedOffset:], completedFenceID)
	return buf
}

// descriptorGPA computes the guest-physical address of ring entry index
// within a ring based at ringGPA, using checked (overflow-detecting)
// 64-bit arithmetic: ringGPA + RingHeaderSizeBytes + index*stride must
// not wrap. A wrapped result would silently alias a different part of
// guest memory, so any overflow anywhere in the computation is reported
// rather than truncated.
func descriptorGPA(ringGPA uint64, index, stride uint64) (uint64, error) {
	headerEnd, ok := addU64(ringGPA, RingHeaderSizeBytes)
	if !ok {
		return 0, ErrRingDescGPAOverflow
	}

	offset, ok := mulU64(index, stride)
	if !ok {
		return 0, ErrRingDescGPAOverflow
	}

	gpa, ok := addU64(headerEnd, offset)
	if !ok {
		return 0, ErrRingDescGPAOverflow
	}

	return gpa, nil
}

func addU64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

func mulU64(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/a != b {
		return 0, false
	}
	return p, true
}
