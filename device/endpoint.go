package device

import (
	"fmt"
	"sync"
)

// Endpoint is the device side of one endpoint: its descriptor, its halt
// feature and the data toggle it expects next.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8

	mu         sync.Mutex
	halted     bool
	toggle     bool
	mismatches int
}

// NewEndpoint returns an endpoint for desc.
func NewEndpoint(desc EndpointDescriptor) *Endpoint {
	return &Endpoint{
		Address:       desc.EndpointAddress,
		Attributes:    desc.Attributes,
		MaxPacketSize: desc.MaxPacketSize,
		Interval:      desc.Interval,
	}
}

// Number returns the endpoint number.
func (e *Endpoint) Number() uint8 { return e.Address & EndpointNumberMask }

// IsIn reports a device-to-host endpoint.
func (e *Endpoint) IsIn() bool { return e.Address&EndpointDirectionIn != 0 }

// Type returns the transfer type.
func (e *Endpoint) Type() uint8 { return e.Attributes & EndpointTypeMask }

// Descriptor returns the endpoint descriptor.
func (e *Endpoint) Descriptor() EndpointDescriptor {
	return EndpointDescriptor{
		EndpointAddress: e.Address,
		Attributes:      e.Attributes,
		MaxPacketSize:   e.MaxPacketSize,
		Interval:        e.Interval,
	}
}

// Halted reports the ENDPOINT_HALT feature.
func (e *Endpoint) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// SetHalt sets or clears ENDPOINT_HALT. Clearing it also resets the data
// toggle to DATA0.
func (e *Endpoint) SetHalt(halted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = halted
	if !halted {
		e.toggle = false
	}
}

// Toggle returns the toggle expected on the next packet.
func (e *Endpoint) Toggle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.toggle
}

// ResetToggle returns the endpoint to DATA0.
func (e *Endpoint) ResetToggle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toggle = false
}

// Expect sets the toggle expected on the next packet, as a control pipe
// does at the start of each stage.
func (e *Endpoint) Expect(toggle bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toggle = toggle
}

// Exchange records one acknowledged packet carrying toggle. It reports
// whether toggle was the expected one; on a mismatch the endpoint
// resynchronizes to the sender and the mismatch is counted.
func (e *Endpoint) Exchange(toggle bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ok := toggle == e.toggle
	if !ok {
		e.mismatches++
	}
	e.toggle = !toggle
	return ok
}

// Mismatches returns the number of packets seen with an unexpected toggle.
func (e *Endpoint) Mismatches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mismatches
}

func (e *Endpoint) String() string {
	if e.IsIn() {
		return fmt.Sprintf("ep%din", e.Number())
	}
	return fmt.Sprintf("ep%dout", e.Number())
}
