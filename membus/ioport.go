package membus

import "fmt"

// PortFunc is one direction of one port's handler: IN reads bytes.Len()
// bytes from the device into data, OUT writes data to the device.
type PortFunc func(port uint64, data []byte) error

// Ports is a flat dispatch table over the legacy 16-bit I/O space: one
// pair of handler funcs per port number, registered by range rather than
// built as a tree of device objects.
type Ports struct {
	in  [0x10000]PortFunc
	out [0x10000]PortFunc
}

// NewPorts returns an empty dispatch table; callers register real devices
// over the ranges they own. In and Out treat any port left without a
// handler as open bus (0xFF / discarded), with or without DefaultUnmapped.
func NewPorts() *Ports {
	return &Ports{}
}

// Register installs in/out handlers for every port in [start, end). A nil
// handler for a direction leaves that direction unset for the range.
func (p *Ports) Register(start, end uint64, in, out PortFunc) {
	for port := start; port < end && port < 0x10000; port++ {
		if in != nil {
			p.in[port] = in
		}
		if out != nil {
			p.out[port] = out
		}
	}
}

// DefaultUnmapped fills every port with no registered handler with
// open-bus semantics: IN returns all-ones, OUT is silently discarded.
// Real platforms have no port decoder that raises a fault for an unclaimed
// port address, so trapping here would diverge from hardware for no
// benefit.
func (p *Ports) DefaultUnmapped() {
	for port := range p.in {
		if p.in[port] == nil {
			p.in[port] = openBusIn
		}
		if p.out[port] == nil {
			p.out[port] = openBusOut
		}
	}
}

func openBusIn(_ uint64, data []byte) error {
	for i := range data {
		data[i] = 0xFF
	}

	return nil
}

func openBusOut(_ uint64, _ []byte) error {
	return nil
}

// In dispatches a port read.
func (p *Ports) In(port uint64, data []byte) error {
	if port >= 0x10000 {
		return fmt.Errorf("membus: port %#x out of range", port)
	}

	if p.in[port] == nil {
		return openBusIn(port, data)
	}

	return p.in[port](port, data)
}

// Out dispatches a port write.
func (p *Ports) Out(port uint64, data []byte) error {
	if port >= 0x10000 {
		return fmt.Errorf("membus: port %#x out of range", port)
	}

	if p.out[port] == nil {
		return openBusOut(port, data)
	}

	return p.out[port](port, data)
}
