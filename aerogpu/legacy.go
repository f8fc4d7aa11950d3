package aerogpu

import "github.com/aerocore/aero/membus"

// Legacy VGA-compatible port I/O: the handful of ports firmware and
// real-mode guests poke before they ever learn AeroGPU's own ring
// protocol exists. This is not a full VGA register model — just enough
// state (DAC palette, attribute-controller flip-flop, CRTC index
// shadow, input-status vblank bit) for a guest's VGA BIOS probe to see
// sane, stable values and move on.
const (
	portMiscOutput    = 0x3C2
	portMiscOutputRead = 0x3CC
	portSequencerIndex = 0x3C4
	portSequencerData  = 0x3C5
	portGraphicsIndex  = 0x3CE
	portGraphicsData   = 0x3CF
	portAttrIndexData  = 0x3C0
	portAttrDataRead   = 0x3C1
	portDACMask        = 0x3C6
	portDACReadIndex   = 0x3C7
	portDACWriteIndex  = 0x3C8
	portDACData        = 0x3C9
	portCRTCIndexMono  = 0x3B4
	portCRTCDataMono   = 0x3B5
	portCRTCIndexColor = 0x3D4
	portCRTCDataColor  = 0x3D5
	portInputStatus1Mono  = 0x3BA
	portInputStatus1Color = 0x3DA
)

// inputStatus1VBlank and inputStatus1DisplayEnable are Input Status
// Register 1 bits a BIOS retrace-wait loop spins on.
const (
	inputStatus1DisplayEnable = 1 << 0
	inputStatus1VBlank        = 1 << 3
)

// LegacyVGA holds the small amount of port-addressable state a VGA BIOS
// probe actually reads back: the DAC palette, the attribute controller's
// index/data flip-flop, and a CRTC register file shadow.
type LegacyVGA struct {
	dev *Device

	miscOutput byte

	dacMask      byte
	dacPalette   [256 * 3]byte // 6-bit R,G,B triples per index
	dacReadIndex byte
	dacWriteIndex byte
	dacComponent int

	attrFlipFlop bool // false = next write is an index
	attrIndex    byte
	attrRegs     [32]byte

	seqIndex byte
	seqRegs  [8]byte

	gcIndex byte
	gcRegs  [16]byte

	crtcIndex byte
	crtcRegs  [32]byte
}

// NewLegacyVGA builds the legacy port shim backing dev.
func NewLegacyVGA(dev *Device) *LegacyVGA {
	return &LegacyVGA{dev: dev, miscOutput: 0x01} // color mode by default
}

// Register installs every legacy VGA port this shim answers on on p.
func (l *LegacyVGA) Register(p *membus.Ports) {
	p.Register(portMiscOutput, portMiscOutput+1, nil, l.outMiscOutput)
	p.Register(portMiscOutputRead, portMiscOutputRead+1, l.inMiscOutput, nil)

	p.Register(portSequencerIndex, portSequencerIndex+1, l.inByteRef(&l.seqIndex), l.outIndex(&l.seqIndex))
	p.Register(portSequencerData, portSequencerData+1, l.inIndexed(l.seqRegs[:], &l.seqIndex), l.outIndexed(l.seqRegs[:], &l.seqIndex))

	p.Register(portGraphicsIndex, portGraphicsIndex+1, l.inByteRef(&l.gcIndex), l.outIndex(&l.gcIndex))
	p.Register(portGraphicsData, portGraphicsData+1, l.inIndexed(l.gcRegs[:], &l.gcIndex), l.outIndexed(l.gcRegs[:], &l.gcIndex))

	p.Register(portAttrIndexData, portAttrIndexData+1, l.inByteRef(&l.attrIndex), l.outAttr)
	p.Register(portAttrDataRead, portAttrDataRead+1, l.inIndexed(l.attrRegs[:], &l.attrIndex), nil)

	p.Register(portDACMask, portDACMask+1, l.inByteRef(&l.dacMask), l.outByteRef(&l.dacMask))
	p.Register(portDACReadIndex, portDACReadIndex+1, nil, l.outDACReadIndex)
	p.Register(portDACWriteIndex, portDACWriteIndex+1, nil, l.outDACWriteIndex)
	p.Register(portDACData, portDACData+1, l.inDACData, l.outDACData)

	crtcIndexPort, crtcDataPort := l.crtcPorts()
	p.Register(crtcIndexPort, crtcIndexPort+1, l.inByteRef(&l.crtcIndex), l.outIndex(&l.crtcIndex))
	p.Register(crtcDataPort, crtcDataPort+1, l.inIndexed(l.crtcRegs[:], &l.crtcIndex), l.outIndexed(l.crtcRegs[:], &l.crtcIndex))

	statusPort := l.inputStatus1Port()
	p.Register(statusPort, statusPort+1, l.inInputStatus1, nil)
}

// crtcPorts selects the mono or color CRTC alias based on MISC_OUTPUT
// bit 0 (I/O address select), the same bit real VGA hardware decodes.
func (l *LegacyVGA) crtcPorts() (index, data uint64) {
	if l.miscOutput&0x01 == 0 {
		return portCRTCIndexMono, portCRTCDataMono
	}
	return portCRTCIndexColor, portCRTCDataColor
}

func (l *LegacyVGA) inputStatus1Port() uint64 {
	if l.miscOutput&0x01 == 0 {
		return portInputStatus1Mono
	}
	return portInputStatus1Color
}

func (l *LegacyVGA) outMiscOutput(_ uint64, data []byte) error {
	if len(data) > 0 {
		l.miscOutput = data[0]
	}
	return nil
}

func (l *LegacyVGA) inMiscOutput(_ uint64, data []byte) error {
	fill(data, l.miscOutput)
	return nil
}

func (l *LegacyVGA) inByteRef(ref *byte) membus.PortFunc {
	return func(_ uint64, data []byte) error {
		fill(data, *ref)
		return nil
	}
}

func (l *LegacyVGA) outByteRef(ref *byte) membus.PortFunc {
	return func(_ uint64, data []byte) error {
		if len(data) > 0 {
			*ref = data[0]
		}
		return nil
	}
}

func (l *LegacyVGA) outIndex(ref *byte) membus.PortFunc {
	return func(_ uint64, data []byte) error {
		if len(data) > 0 {
			*ref = data[0] & 0x1F
		}
		return nil
	}
}

func (l *LegacyVGA) inIndexed(regs []byte, index *byte) membus.PortFunc {
	return func(_ uint64, data []byte) error {
		i := int(*index) % len(regs)
		fill(data, regs[i])
		return nil
	}
}

func (l *LegacyVGA) outIndexed(regs []byte, index *byte) membus.PortFunc {
	return func(_ uint64, data []byte) error {
		if len(data) > 0 {
			regs[int(*index)%len(regs)] = data[0]
		}
		return nil
	}
}

// outAttr implements the attribute controller's index/data flip-flop:
// alternating writes to the same port are an index, then a data byte,
// reset back to expecting an index by any read of Input Status 1.
func (l *LegacyVGA) outAttr(_ uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !l.attrFlipFlop {
		l.attrIndex = data[0] & 0x1F
		l.attrFlipFlop = true
		return nil
	}
	l.attrRegs[l.attrIndex] = data[0]
	l.attrFlipFlop = false
	return nil
}

// outDACReadIndex/outDACWriteIndex select the palette entry the next
// DAC data reads/writes touch; each data access advances through R, G,
// B for that entry before moving to the next index, matching real DAC
// auto-increment behavior.
func (l *LegacyVGA) outDACReadIndex(_ uint64, data []byte) error {
	if len(data) > 0 {
		l.dacReadIndex = data[0]
		l.dacComponent = 0
	}
	return nil
}

func (l *LegacyVGA) outDACWriteIndex(_ uint64, data []byte) error {
	if len(data) > 0 {
		l.dacWriteIndex = data[0]
		l.dacComponent = 0
	}
	return nil
}

func (l *LegacyVGA) inDACData(_ uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	i := int(l.dacReadIndex)*3 + l.dacComponent
	data[0] = l.dacPalette[i] & 0x3F
	l.dacComponent++
	if l.dacComponent == 3 {
		l.dacComponent = 0
		l.dacReadIndex++
	}
	return nil
}

// outDACData stores a component 6 bits wide: an 8-bit guest write is
// downscaled the way real VGA DACs only ever expose 6 significant bits
// per component.
func (l *LegacyVGA) outDACData(_ uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	i := int(l.dacWriteIndex)*3 + l.dacComponent
	l.dacPalette[i] = (data[0] >> 2) & 0x3F
	l.dacComponent++
	if l.dacComponent == 3 {
		l.dacComponent = 0
		l.dacWriteIndex++
	}
	return nil
}

// inInputStatus1 reports display-enable/vblank and, as a side effect,
// resets the attribute controller's index/data flip-flop: real hardware
// does this on any read of this register so a driver's palette-update
// sequence always starts from a known flip-flop state.
func (l *LegacyVGA) inInputStatus1(_ uint64, data []byte) error {
	l.attrFlipFlop = false

	var status byte = inputStatus1DisplayEnable
	if l.dev != nil && l.dev.reg32(RegIRQStatus)&IRQVBlank != 0 {
		status = inputStatus1VBlank
	}
	fill(data, status)
	return nil
}
