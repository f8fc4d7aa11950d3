// Package cmdstream decodes the byte stream AeroGPU's ring descriptors
// point at: a small header followed by a sequence of opcode-tagged
// packets describing resource creation and drawing work. It never
// executes anything itself — decoding AeroGPU's own submissions is as
// far as this emulator's GPU model goes — but it does enforce the one
// invariant a production driver depends on: once a resource handle is
// bound to a descriptor, resubmitting that handle with a different
// descriptor is always rejected, strict or lenient.
package cmdstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Mode controls how an unrecognized opcode is handled. A create/rebind
// mismatch is never affected by Mode: it is always an error.
type Mode int

const (
	// ModeStrict stops decoding at the first unknown opcode and reports
	// its stream offset.
	ModeStrict Mode = iota
	// ModeLenient records unknown opcodes and keeps decoding past them.
	ModeLenient
)

// Stream header and packet header layout.
const (
	StreamHeaderSizeBytes = 24

	streamMagicOffset      = 0
	streamABIVersionOffset = 4
	streamSizeBytesOffset  = 8
	streamFlagsOffset      = 12

	// StreamMagic is AeroGPU's command-stream fingerprint ("AGCS").
	StreamMagic uint32 = 0x53434741

	PacketHeaderSizeBytes = 8
)

// Opcode tags a command packet's payload layout.
type Opcode uint32

const (
	OpCreateBuffer    Opcode = 1
	OpCreateTexture2D Opcode = 2
)

// BufferDescSizeBytes: handle, usage_flags, size_bytes(u64),
// backing_alloc_id, backing_offset_bytes, reserved0(u64).
const BufferDescSizeBytes = 4 + 4 + 8 + 4 + 4 + 8

// BufferDesc is a decoded CreateBuffer payload.
type BufferDesc struct {
	Handle             uint32
	UsageFlags         uint32
	SizeBytes          uint64
	BackingAllocID     uint32
	BackingOffsetBytes uint32
}

func decodeBufferDesc(buf []byte) (BufferDesc, error) {
	if len(buf) < BufferDescSizeBytes {
		return BufferDesc{}, errors.New("cmdstream: CreateBuffer payload too short")
	}
	return BufferDesc{
		Handle:             binary.LittleEndian.Uint32(buf[0:]),
		UsageFlags:         binary.LittleEndian.Uint32(buf[4:]),
		SizeBytes:          binary.LittleEndian.Uint64(buf[8:]),
		BackingAllocID:     binary.LittleEndian.Uint32(buf[16:]),
		BackingOffsetBytes: binary.LittleEndian.Uint32(buf[20:]),
	}, nil
}

// Texture2DDescSizeBytes: handle, usage_flags, format, width, height,
// mip_levels, array_layers, row_pitch_bytes, backing_alloc_id,
// backing_offset_bytes, reserved0(u64).
const Texture2DDescSizeBytes = 4*10 + 8

// Texture2DDesc is a decoded CreateTexture2D payload.
type Texture2DDesc struct {
	Handle             uint32
	UsageFlags         uint32
	Format             uint32
	Width              uint32
	Height             uint32
	MipLevels          uint32
	ArrayLayers        uint32
	RowPitchBytes      uint32
	BackingAllocID     uint32
	BackingOffsetBytes uint32
}

func decodeTexture2DDesc(buf []byte) (Texture2DDesc, error) {
	if len(buf) < Texture2DDescSizeBytes {
		return Texture2DDesc{}, errors.New("cmdstream: CreateTexture2D payload too short")
	}
	return Texture2DDesc{
		Handle:             binary.LittleEndian.Uint32(buf[0:]),
		UsageFlags:         binary.LittleEndian.Uint32(buf[4:]),
		Format:             binary.LittleEndian.Uint32(buf[8:]),
		Width:              binary.LittleEndian.Uint32(buf[12:]),
		Height:             binary.LittleEndian.Uint32(buf[16:]),
		MipLevels:          binary.LittleEndian.Uint32(buf[20:]),
		ArrayLayers:        binary.LittleEndian.Uint32(buf[24:]),
		RowPitchBytes:      binary.LittleEndian.Uint32(buf[28:]),
		BackingAllocID:     binary.LittleEndian.Uint32(buf[32:]),
		BackingOffsetBytes: binary.LittleEndian.Uint32(buf[36:]),
	}, nil
}

// RebindMismatchError reports that resourceHandle was already bound to
// a differing immutable descriptor. This is always an error, regardless
// of Mode: a driver that resubmits a stale handle is never recoverable
// by skipping the packet.
type RebindMismatchError struct {
	ResourceHandle uint32
}

func (e *RebindMismatchError) Error() string {
	return fmt.Sprintf("cmdstream: resource handle %#x rebound with a different descriptor", e.ResourceHandle)
}

// UnknownOpcodeError reports a strict-mode decode stopping at an
// unrecognized opcode.
type UnknownOpcodeError struct {
	Offset int
	Opcode Opcode
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("cmdstream: unknown opcode %d at offset %d", e.Opcode, e.Offset)
}

// Result summarizes one Process call.
type Result struct {
	PacketsDecoded int
	UnknownOpcodes []Opcode
}

// Processor holds the immutable resource registry a command stream's
// CreateBuffer/CreateTexture2D packets populate. It is long-lived: the
// registry persists across every ring descriptor AeroGPU processes, the
// same way a real driver's handle space is never reset mid-session.
type Processor struct {
	mu       sync.Mutex
	buffers  map[uint32]BufferDesc
	textures map[uint32]Texture2DDesc
}

// NewProcessor builds an empty resource registry.
func NewProcessor() *Processor {
	return &Processor{
		buffers:  make(map[uint32]BufferDesc),
		textures: make(map[uint32]Texture2DDesc),
	}
}

// Process decodes one command stream (a ring descriptor's full
// payload) and applies its CreateBuffer/CreateTexture2D packets to the
// registry.
func (p *Processor) Process(stream []byte, mode Mode) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result Result

	if len(stream) < StreamHeaderSizeBytes {
		return result, errors.New("cmdstream: stream shorter than its header")
	}
	if magic := binary.LittleEndian.Uint32(stream[streamMagicOffset:]); magic != StreamMagic {
		return result, fmt.Errorf("cmdstream: bad stream magic %#x", magic)
	}

	sizeBytes := binary.LittleEndian.Uint32(stream[streamSizeBytesOffset:])
	if int(sizeBytes) > len(stream) {
		return result, errors.New("cmdstream: stream size_bytes exceeds buffer")
	}

	off := StreamHeaderSizeBytes
	end := int(sizeBytes)

	for off < end {
		if off+PacketHeaderSizeBytes > end {
			return result, errors.New("cmdstream: truncated packet header")
		}

		opcode := Opcode(binary.LittleEndian.Uint32(stream[off:]))
		packetSize := int(binary.LittleEndian.Uint32(stream[off+4:]))
		if packetSize < PacketHeaderSizeBytes || off+packetSize > end {
			return result, errors.New("cmdstream: invalid packet size_bytes")
		}

		payload := stream[off+PacketHeaderSizeBytes : off+packetSize]

		switch opcode {
		case OpCreateBuffer:
			desc, err := decodeBufferDesc(payload)
			if err != nil {
				return result, err
			}
			if existing, ok := p.buffers[desc.Handle]; ok && existing != desc {
				return result, &RebindMismatchError{ResourceHandle: desc.Handle}
			}
			p.buffers[desc.Handle] = desc

		case OpCreateTexture2D:
			desc, err := decodeTexture2DDesc(payload)
			if err != nil {
				return result, err
			}
			if existing, ok := p.textures[desc.Handle]; ok && existing != desc {
				return result, &RebindMismatchError{ResourceHandle: desc.Handle}
			}
			p.textures[desc.Handle] = desc

		default:
			if mode == ModeStrict {
				return result, &UnknownOpcodeError{Offset: off, Opcode: opcode}
			}
			result.UnknownOpcodes = append(result.UnknownOpcodes, opcode)
		}

		result.PacketsDecoded++
		off += packetSize
	}

	return result, nil
}
