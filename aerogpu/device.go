package aerogpu

import (
	"encoding/binary"
	"sync"

	"github.com/aerocore/aero/cmdstream"
	"github.com/aerocore/aero/telemetry"
)

// Bus is the guest-physical memory AeroGPU performs DMA against: ring
// header/descriptor reads, payload reads, and fence-page writes all go
// straight to physical memory the way real device DMA bypasses CPU
// paging entirely. *membus.Bus satisfies this directly.
type Bus interface {
	Read(addr uint64, data []byte) error
	Write(addr uint64, data []byte) error
}

// Device is AeroGPU's full device model: PCI identity and BAR1 VRAM
// (pci.go, vram.go), the BAR0 MMIO register file and ring walker (this
// file), and the command-stream decoder (package cmdstream) the ring
// walker hands each descriptor's payload to.
type Device struct {
	mu sync.Mutex

	Config *ConfigSpace
	VRAM   *VRAM

	bar0Base uint64
	bar1Base uint64
	bus      Bus
	tele     *telemetry.Registry

	regs [BAR0SizeBytes]byte

	ringGPA        uint64
	ringGPAPending uint32
	fenceGPA       uint64
	fenceGPAPending uint32
	scanoutFBPending uint32
	cursorFBPending  uint32

	deferredDoorbell bool

	errorCode  ErrorCode
	errorFence uint64
	errorCount uint64

	decodeMode cmdstream.Mode
	cmds       *cmdstream.Processor

	vblankDeadlineNS uint64
	vblankArmed      bool
}

// Config for constructing a Device.
type DeviceConfig struct {
	VRAMSize   int
	BAR0Base   uint64
	BAR1Base   uint64
	DecodeMode cmdstream.Mode
	Telemetry  *telemetry.Registry
}

// New builds a Device backed by bus for DMA. Callers still need to
// register Device (for BAR0), Device.BAR1() (for the BAR1 aperture) and
// Device.VRAM (for the legacy 0xA0000-0xC0000 alias) with membus.Bus.
func New(bus Bus, cfg DeviceConfig) *Device {
	if cfg.VRAMSize <= 0 {
		cfg.VRAMSize = 16 << 20
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.NewUnregistered()
	}

	vram := NewVRAM(cfg.VRAMSize)
	d := &Device{
		Config:     NewConfigSpace(uint64(cfg.VRAMSize)),
		VRAM:       vram,
		bar0Base:   cfg.BAR0Base,
		bar1Base:   cfg.BAR1Base,
		bus:        bus,
		tele:       cfg.Telemetry,
		decodeMode: cfg.DecodeMode,
		cmds:       cmdstream.NewProcessor(),
	}

	binary.LittleEndian.PutUint32(d.regs[RegMagic:], MMIOMagic)
	binary.LittleEndian.PutUint32(d.regs[RegABIVersion:], ABIVersion)
	binary.LittleEndian.PutUint32(d.regs[RegFeatureBits:], SupportedFeatures)

	return d
}

// BAR1 returns a membus.Handler for the full VBE linear-framebuffer
// aperture.
func (d *Device) BAR1() *BAR1Handler {
	return NewBAR1Handler(d.VRAM, d.bar1Base)
}

func (d *Device) reg32(off int) uint32 {
	return binary.LittleEndian.Uint32(d.regs[off:])
}

func (d *Device) setReg32(off int, v uint32) {
	binary.LittleEndian.PutUint32(d.regs[off:], v)
}

// MMIORead implements membus.Handler for BAR0.
func (d *Device) MMIORead(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(data) == 0 || len(data) > 8 {
		fill(data, 0xFF)
		return nil
	}

	off := addr - d.bar0Base
	if off+uint64(len(data)) > uint64(len(d.regs)) {
		fill(data, 0xFF)
		return nil
	}

	switch off {
	case RegErrorCodeOffset:
		binary.LittleEndian.PutUint32(d.regs[RegErrorCodeOffset:], uint32(d.errorCode))
	case RegErrorCountOffset:
		binary.LittleEndian.PutUint32(d.regs[RegErrorCountOffset:], uint32(d.errorCount))
	case RegErrorFenceLoOffset:
		binary.LittleEndian.PutUint32(d.regs[RegErrorFenceLoOffset:], uint32(d.errorFence))
	case RegErrorFenceHiOffset:
		binary.LittleEndian.PutUint32(d.regs[RegErrorFenceHiOffset:], uint32(d.errorFence>>32))
	}

	copy(data, d.regs[off:int(off)+len(data)])
	return nil
}

// MMIOWrite implements membus.Handler for BAR0.
func (d *Device) MMIOWrite(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(data) == 0 || len(data) > 8 {
		return nil
	}

	off := addr - d.bar0Base
	if off+uint64(len(data)) > uint64(len(d.regs)) {
		return nil
	}

	// Read-only identity registers never accept a write.
	switch off {
	case RegMagic, RegABIVersion, RegFeatureBits:
		return nil
	}

	var buf [8]byte
	copy(buf[:], d.regs[off:int(off)+len(data)])
	copy(buf[:len(data)], data)
	value := binary.LittleEndian.Uint32(buf[:4])

	switch off {
	case RegDoorbell:
		d.ringTickLocked()
		return nil

	case RegIRQStatus, RegIRQAck:
		cur := d.reg32(RegIRQStatus)
		d.setReg32(RegIRQStatus, cur&^value)
		return nil

	case RegRingGPALo:
		d.ringGPAPending = value

	case RegRingGPAHi:
		d.ringGPA = uint64(value)<<32 | uint64(d.ringGPAPending)

	case RegFenceGPALo:
		d.fenceGPAPending = value

	case RegFenceGPAHi:
		d.fenceGPA = uint64(value)<<32 | uint64(d.fenceGPAPending)

	case RegScanout0FBGPALo:
		d.scanoutFBPending = value
		return nil

	case RegScanout0FBGPAHi:
		// commits atomically: the low dword stashed at the previous
		// write is only combined with this high dword now, so a
		// driver can never observe a half-updated framebuffer GPA.
		fb := uint64(value)<<32 | uint64(d.scanoutFBPending)
		d.setReg32(RegScanout0FBGPALo, uint32(fb))
		d.setReg32(RegScanout0FBGPAHi, uint32(fb>>32))
		return nil

	case RegCursorFBGPALo:
		d.cursorFBPending = value
		return nil

	case RegCursorFBGPAHi:
		fb := uint64(value)<<32 | uint64(d.cursorFBPending)
		d.setReg32(RegCursorFBGPALo, uint32(fb))
		d.setReg32(RegCursorFBGPAHi, uint32(fb>>32))
		return nil
	}

	copy(d.regs[off:int(off)+len(data)], data)
	return nil
}

// IRQPending reports whether the INTx line is currently asserted:
// IRQ_STATUS has a cause bit set that IRQ_ENABLE allows through, and
// the PCI function has not globally disabled INTx delivery. A cause can
// still latch into IRQ_STATUS while INTx is disabled; it simply does
// not raise the line until INTX_DISABLE clears.
func (d *Device) IRQPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Config.INTxDisabled() {
		return false
	}

	return d.reg32(RegIRQStatus)&d.reg32(RegIRQEnable) != 0
}

// Poll lets the embedder's run loop advance time-based device state: a
// deferred doorbell is replayed once BME is set, and vblank deadlines
// are rechecked against the platform clock the caller supplies.
func (d *Device) Poll(nowNS uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deferredDoorbell {
		d.ringTickLocked()
	}

	d.tickVBlankLocked(nowNS)
}

func (d *Device) tickVBlankLocked(nowNS uint64) {
	if d.reg32(RegScanout0Enable) == 0 {
		return
	}

	period := uint64(d.reg32(RegScanout0VBlankNS))
	if period == 0 {
		return
	}

	if !d.vblankArmed {
		d.vblankDeadlineNS = nowNS + period
		d.vblankArmed = true
		return
	}

	if nowNS < d.vblankDeadlineNS {
		return
	}

	cur := d.reg32(RegIRQStatus)
	d.setReg32(RegIRQStatus, cur|IRQVBlank)
	d.vblankDeadlineNS = nowNS + period
}

// ringTickLocked runs one ring-drain pass. Caller must hold d.mu. DMA
// is entirely suppressed while PCI COMMAND.BME is clear: the doorbell
// still latches (deferredDoorbell), to be replayed once BME is set,
// rather than silently dropped.
func (d *Device) ringTickLocked() {
	if !d.Config.BusMasterEnabled() {
		d.deferredDoorbell = true
		return
	}
	d.deferredDoorbell = false

	if d.reg32(RegRingControl)&RingControlEnable == 0 {
		return
	}

	var hdrBuf [RingHeaderSizeBytes]byte
	if err := d.bus.Read(d.ringGPA, hdrBuf[:]); err != nil {
		return
	}
	hdr, err := DecodeRingHeader(hdrBuf[:])
	if err != nil || hdr.Magic != RingMagic || hdr.EntryCount == 0 {
		return
	}

	head, tail := hdr.Head, hdr.Tail
	stride := uint64(hdr.EntryStrideBytes)

	for head != tail {
		index := uint64(head % hdr.EntryCount)

		descGPA, err := descriptorGPA(d.ringGPA, index, stride)
		if err != nil {
			d.latchOOB()
			head = tail
			break
		}

		var descBuf [SubmitDescSizeBytes]byte
		if err := d.bus.Read(descGPA, descBuf[:]); err != nil {
			d.latchOOB()
			head = tail
			break
		}

		desc, err := DecodeSubmitDesc(descBuf[:])
		if err != nil {
			head = (head + 1) % hdr.EntryCount
			continue
		}

		d.processDescriptor(descGPA, desc)

		head = (head + 1) % hdr.EntryCount
		if d.tele != nil {
			d.tele.GPURingAdvance.Inc()
		}
	}

	d.writeRingHead(head)
}

func (d *Device) processDescriptor(descGPA uint64, desc SubmitDesc) {
	payloadGPA, ok := addU64(descGPA, SubmitDescSizeBytes)
	if !ok {
		d.latchOOB()
		return
	}

	payload := make([]byte, desc.SizeBytes)
	if len(payload) > 0 {
		if err := d.bus.Read(payloadGPA, payload); err != nil {
			return
		}
	}

	if len(payload) > 0 {
		if _, err := d.cmds.Process(payload, d.decodeMode); err != nil {
			d.errorCode = ErrorSize
			d.errorFence = desc.SignalFence
			d.errorCount++
			cur := d.reg32(RegIRQStatus)
			d.setReg32(RegIRQStatus, cur|IRQError)
			if d.tele != nil {
				d.tele.GPUErrorCount.Inc()
			}
			return
		}
	}

	if desc.SignalFence != 0 && d.fenceGPA != 0 {
		fence := EncodeFencePage(desc.SignalFence)
		_ = d.bus.Write(d.fenceGPA, fence[:])
	}
}

// latchOOB records a ring descriptor GPA overflow: the error registers
// and IRQ_STATUS.ERROR are set, but this is guest-visible device state,
// never a host-level error — the ring walker always keeps going (here,
// by forcing head to tail so the corrupt remainder of the ring is never
// replayed).
func (d *Device) latchOOB() {
	d.errorCode = ErrorOOB
	d.errorFence = 0
	d.errorCount++

	cur := d.reg32(RegIRQStatus)
	d.setReg32(RegIRQStatus, cur|IRQError)

	if d.tele != nil {
		d.tele.GPUErrorCount.Inc()
	}
}

func (d *Device) writeRingHead(head uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], head)
	_ = d.bus.Write(d.ringGPA+RingHeadOffset, buf[:])
}
