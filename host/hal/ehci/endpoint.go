package ehci

import (
	"context"
	"fmt"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// Direction selects the data direction of an endpoint or data stage.
type Direction uint8

const (
	Out Direction = iota // host to device
	In                   // device to host
)

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// Default max packet sizes used until an endpoint is configured.
const (
	defaultControlMaxPacket = 64
	defaultBulkMaxPacket    = 512
	defaultIsoMaxPacket     = 1024
	maxDeviceAddress        = 127
)

// endpoint is the persistent per-endpoint record. The QH is allocated per
// transfer; the data toggle survives here between transfers.
type endpoint struct {
	busy      chan struct{} // one transfer at a time
	maxPacket uint16
	kind      hal.TransferType
	toggle    bool // next DATA toggle; owned by the holder of busy
}

func newEndpoint(kind hal.TransferType, maxPacket uint16) *endpoint {
	return &endpoint{busy: make(chan struct{}, 1), kind: kind, maxPacket: maxPacket}
}

// acquire takes exclusive use of the endpoint for one transfer.
func (e *endpoint) acquire(ctx context.Context) error {
	select {
	case e.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return contextError(ctx.Err())
	}
}

func (e *endpoint) release() { <-e.busy }

// deviceState holds a device's endpoints indexed [direction][number].
// Endpoint 0 occupies both directions.
type deviceState struct {
	eps [2][16]*endpoint
}

func newDeviceState() *deviceState {
	d := &deviceState{}
	ep0 := newEndpoint(hal.TransferControl, defaultControlMaxPacket)
	d.eps[Out][0], d.eps[In][0] = ep0, ep0
	return d
}

// endpointFor returns the record for (addr, num, dir), creating device and
// endpoint state on first use.
func (c *Controller) endpointFor(addr hal.DeviceAddress, num uint8, dir Direction, kind hal.TransferType) (*endpoint, error) {
	if addr > maxDeviceAddress || num > 15 {
		return nil, fmt.Errorf("%w: address %d endpoint %d", pkg.ErrInvalidEndpoint, addr, num)
	}

	c.devMu.Lock()
	defer c.devMu.Unlock()

	d := c.devices[addr]
	if d == nil {
		d = newDeviceState()
		c.devices[addr] = d
	}
	if num == 0 {
		return d.eps[Out][0], nil
	}
	ep := d.eps[dir][num]
	if ep == nil {
		mps := uint16(defaultBulkMaxPacket)
		if kind == hal.TransferIsochronous {
			mps = defaultIsoMaxPacket
		}
		ep = newEndpoint(kind, mps)
		d.eps[dir][num] = ep
	}
	return ep, nil
}

// ConfigureEndpoint records the max packet size of an endpoint. It
// implements [hal.EndpointConfigurer].
func (c *Controller) ConfigureEndpoint(addr hal.DeviceAddress, desc hal.EndpointDescriptor) error {
	dir := Out
	if desc.IsIn() {
		dir = In
	}
	mps := desc.MaxPacketSize & 0x7FF
	if mps == 0 {
		return fmt.Errorf("%w: endpoint %#02x max packet 0", pkg.ErrInvalidParameter, desc.Address)
	}

	ep, err := c.endpointFor(addr, desc.Number(), dir, desc.TransferType())
	if err != nil {
		return err
	}

	c.devMu.Lock()
	ep.maxPacket = mps
	if desc.Number() != 0 {
		ep.kind = desc.TransferType()
	}
	c.devMu.Unlock()

	c.log.Debug("endpoint configured", "address", addr, "endpoint", desc.Address,
		"type", desc.TransferType(), "maxPacket", mps)
	return nil
}

// ForgetDevice drops every endpoint recorded for addr. It implements
// [hal.EndpointConfigurer].
func (c *Controller) ForgetDevice(addr hal.DeviceAddress) {
	if addr > maxDeviceAddress {
		return
	}
	c.devMu.Lock()
	c.devices[addr] = nil
	c.devMu.Unlock()
}

// maxPacketOf returns the recorded max packet size of ep.
func (c *Controller) maxPacketOf(ep *endpoint) int {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	return int(ep.maxPacket)
}

// resetToggles returns every endpoint of addr to DATA0, as SET_CONFIGURATION
// and SET_INTERFACE do on the device side.
func (c *Controller) resetToggles(addr hal.DeviceAddress) {
	c.devMu.Lock()
	d := c.devices[addr]
	c.devMu.Unlock()
	if d == nil {
		return
	}
	for dir := range d.eps {
		for _, ep := range d.eps[dir][1:] {
			if ep != nil {
				c.resetToggle(ep)
			}
		}
	}
}

// resetToggle clears an endpoint's toggle once no transfer holds it.
func (c *Controller) resetToggle(ep *endpoint) {
	ep.busy <- struct{}{}
	ep.toggle = false
	<-ep.busy
}

// adopt moves the endpoint 0 record of the device at from to the address to,
// leaving from with default state.
func (c *Controller) adopt(from, to hal.DeviceAddress) {
	if to == from || to > maxDeviceAddress {
		return
	}
	c.devMu.Lock()
	defer c.devMu.Unlock()

	old := c.devices[from]
	d := newDeviceState()
	if old != nil {
		d.eps[Out][0].maxPacket = old.eps[Out][0].maxPacket
	}
	c.devices[to] = d
	c.devices[from] = nil
}
