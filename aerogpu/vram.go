package aerogpu

// VRAM aperture (BAR1) layout constants, matching the addresses a real
// VGA-compatible adapter and its VBE extension are expected at: the
// legacy 0xA0000-0xBFFFF window firmware and real-mode guests already
// know how to poke, aliased onto the start of the same VRAM bytes the
// linear framebuffer further up the aperture exposes.
const (
	LegacyVGAVRAMBytes uint64 = 0x20000 // 128 KiB, the classic A0000-BFFFF window
	VBELFBOffset       uint64 = 0x20000 // linear framebuffer starts right after the legacy window

	LegacyVGAPAddrBase uint64 = 0xA0000
	LegacyVGAPAddrEnd  uint64 = 0xC0000
)

// legacyVGAVRAMOffset translates a guest-physical address in
// [LegacyVGAPAddrBase, LegacyVGAPAddrEnd) to a byte offset into VRAM.
func legacyVGAVRAMOffset(paddr uint64) (uint64, bool) {
	if paddr < LegacyVGAPAddrBase || paddr >= LegacyVGAPAddrEnd {
		return 0, false
	}
	return paddr - LegacyVGAPAddrBase, true
}

// vbeLFBVRAMOffset translates a guest-physical address within BAR1's
// linear-framebuffer region to a byte offset into VRAM, bounds-checked
// against vramSize.
func vbeLFBVRAMOffset(bar1Base, paddr, vramSize uint64) (uint64, bool) {
	if paddr < bar1Base {
		return 0, false
	}
	rel := paddr - bar1Base
	if rel < VBELFBOffset {
		return 0, false
	}
	offset := rel - VBELFBOffset
	if offset >= vramSize {
		return 0, false
	}
	return offset, true
}

// VRAM is the BAR1-backed byte array AeroGPU's scanout, cursor and
// legacy VGA windows all read and write into.
type VRAM struct {
	bytes []byte
}

// NewVRAM allocates a size-byte VRAM aperture.
func NewVRAM(size int) *VRAM {
	return &VRAM{bytes: make([]byte, size)}
}

func (v *VRAM) Len() int { return len(v.bytes) }

// MMIORead implements membus.Handler for the legacy VGA alias window:
// [LegacyVGAPAddrBase, LegacyVGAPAddrEnd) mapped onto the first
// LegacyVGAVRAMBytes of VRAM. Unlike ring descriptor GPA arithmetic,
// byte-indexing here deliberately wraps: the window is small and fixed,
// and an out-of-range byte reads as all-ones / discards on write rather
// than ever being treated as an address-space integrity issue.
func (v *VRAM) MMIORead(addr uint64, data []byte) error {
	off, ok := legacyVGAVRAMOffset(addr)
	if !ok {
		fill(data, 0xFF)
		return nil
	}
	v.readAt(off, data)
	return nil
}

func (v *VRAM) MMIOWrite(addr uint64, data []byte) error {
	off, ok := legacyVGAVRAMOffset(addr)
	if !ok {
		return nil
	}
	v.writeAt(off, data)
	return nil
}

// BAR1Handler adapts VRAM to the BAR1 aperture's VBE linear framebuffer:
// an address at bar1Base+VBELFBOffset onward maps to VRAM offset 0
// onward, the same bytes the legacy VGA window (VRAM's own handler)
// exposes. The first VBELFBOffset bytes of the aperture are not backed
// by this handler: they read as 0xFF and discard writes.
type BAR1Handler struct {
	vram     *VRAM
	bar1Base uint64
}

func NewBAR1Handler(vram *VRAM, bar1Base uint64) *BAR1Handler {
	return &BAR1Handler{vram: vram, bar1Base: bar1Base}
}

// MMIORead implements membus.Handler. size 0 reads as nothing; more
// than 8 bytes reads as all-ones, matching the bus-wide policy for a
// mis-sized device access. In-range bytes are read with wrapping
// address arithmetic over the VRAM array; out-of-range bytes read as
// 0xFF.
func (h *BAR1Handler) MMIORead(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > 8 {
		fill(data, 0xFF)
		return nil
	}

	off, ok := vbeLFBVRAMOffset(h.bar1Base, addr, uint64(h.vram.Len()))
	if !ok {
		fill(data, 0xFF)
		return nil
	}
	h.vram.readAt(off, data)
	return nil
}

// MMIOWrite implements membus.Handler. size 0 or >8 is a no-op;
// otherwise bytes landing outside VRAM are silently discarded rather
// than faulting.
func (h *BAR1Handler) MMIOWrite(addr uint64, data []byte) error {
	if len(data) == 0 || len(data) > 8 {
		return nil
	}

	off, ok := vbeLFBVRAMOffset(h.bar1Base, addr, uint64(h.vram.Len()))
	if !ok {
		return nil
	}
	h.vram.writeAt(off, data)
	return nil
}

func (v *VRAM) readAt(off uint64, data []byte) {
	for i := range data {
		idx := off + uint64(i)
		if idx >= uint64(len(v.bytes)) {
			data[i] = 0xFF
			continue
		}
		data[i] = v.bytes[idx]
	}
}

func (v *VRAM) writeAt(off uint64, data []byte) {
	for i, b := range data {
		idx := off + uint64(i)
		if idx >= uint64(len(v.bytes)) {
			continue
		}
		v.bytes[idx] = b
	}
}

func fill(data []byte, b byte) {
	for i := range data {
		data[i] = b
	}
}
