package aerogpu

// Frame is a composed scanout image: width*height packed 32-bit RGBA
// pixels (R in the low byte), independent of whatever PixelFormat the
// guest's framebuffer used.
type Frame struct {
	Width  int
	Height int
	Pixels []byte // len == Width*Height*4
}

// ComposeScanout reads scanout0's committed framebuffer straight out of
// VRAM and converts it to Frame's canonical layout. It reports ok=false
// if scanout0 is disabled or its format/geometry cannot be decoded.
func (d *Device) ComposeScanout() (Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.reg32(RegScanout0Enable) == 0 {
		return Frame{}, false
	}

	width := int(d.reg32(RegScanout0Width))
	height := int(d.reg32(RegScanout0Height))
	pitch := int(d.reg32(RegScanout0PitchBytes))
	format := PixelFormat(d.reg32(RegScanout0Format))
	fbGPA := uint64(d.reg32(RegScanout0FBGPALo)) | uint64(d.reg32(RegScanout0FBGPAHi))<<32

	return composeFrame(d.VRAM, d.bar1Base, fbGPA, width, height, pitch, format)
}

// ComposeCursor reads the cursor's framebuffer the same way, plus its
// on-screen position and hotspot.
type CursorFrame struct {
	Frame
	X, Y       int
	HotX, HotY int
}

func (d *Device) ComposeCursor() (CursorFrame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.reg32(RegCursorEnable) == 0 {
		return CursorFrame{}, false
	}

	width := int(d.reg32(RegCursorWidth))
	height := int(d.reg32(RegCursorHeight))
	pitch := int(d.reg32(RegCursorPitchBytes))
	format := PixelFormat(d.reg32(RegCursorFormat))
	fbGPA := uint64(d.reg32(RegCursorFBGPALo)) | uint64(d.reg32(RegCursorFBGPAHi))<<32

	frame, ok := composeFrame(d.VRAM, d.bar1Base, fbGPA, width, height, pitch, format)
	if !ok {
		return CursorFrame{}, false
	}

	return CursorFrame{
		Frame: frame,
		X:     int(int32(d.reg32(RegCursorX))),
		Y:     int(int32(d.reg32(RegCursorY))),
		HotX:  int(d.reg32(RegCursorHotX)),
		HotY:  int(d.reg32(RegCursorHotY)),
	}, true
}

func composeFrame(vram *VRAM, bar1Base, fbGPA uint64, width, height, pitch int, format PixelFormat) (Frame, bool) {
	bpp := format.BytesPerPixel()
	if bpp == 0 || width <= 0 || height <= 0 || pitch < width*bpp {
		return Frame{}, false
	}

	off, ok := vbeLFBVRAMOffset(bar1Base, fbGPA, uint64(vram.Len()))
	if !ok {
		return Frame{}, false
	}

	pixels := make([]byte, width*height*4)
	row := make([]byte, pitch)

	for y := 0; y < height; y++ {
		vram.readAt(off+uint64(y*pitch), row)
		for x := 0; x < width; x++ {
			src := row[x*bpp : x*bpp+bpp]
			dst := pixels[(y*width+x)*4 : (y*width+x)*4+4]
			convertPixel(format, src, dst)
		}
	}

	return Frame{Width: width, Height: height, Pixels: pixels}, true
}

// convertPixel writes src (one format-encoded pixel) into dst as
// canonical RGBA. XRGB8888 carries no meaningful alpha so it is forced
// fully opaque; ARGB8888's alpha byte passes through unchanged.
func convertPixel(format PixelFormat, src, dst []byte) {
	b, g, r := src[0], src[1], src[2]
	a := byte(0xFF)
	if format == FormatARGB8888 {
		a = src[3]
	}
	dst[0], dst[1], dst[2], dst[3] = r, g, b, a
}

// ComposeOverlay draws cursor on top of scanout at (cursor.X-HotX,
// cursor.Y-HotY), treating the cursor's own alpha channel as a hard
// replace-or-skip mask rather than blending — AeroGPU's cursor plane is
// not translucent.
func ComposeOverlay(scanout Frame, cursor CursorFrame) Frame {
	out := Frame{Width: scanout.Width, Height: scanout.Height, Pixels: append([]byte(nil), scanout.Pixels...)}

	originX := cursor.X - cursor.HotX
	originY := cursor.Y - cursor.HotY

	for cy := 0; cy < cursor.Height; cy++ {
		oy := originY + cy
		if oy < 0 || oy >= out.Height {
			continue
		}
		for cx := 0; cx < cursor.Width; cx++ {
			ox := originX + cx
			if ox < 0 || ox >= out.Width {
				continue
			}
			src := cursor.Pixels[(cy*cursor.Width+cx)*4 : (cy*cursor.Width+cx)*4+4]
			if src[3] == 0 {
				continue
			}
			dst := out.Pixels[(oy*out.Width+ox)*4 : (oy*out.Width+ox)*4+4]
			copy(dst, src)
		}
	}

	return out
}
