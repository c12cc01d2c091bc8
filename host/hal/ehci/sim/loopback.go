package sim

import (
	"fmt"
	"sync"

	"github.com/ardnew/softehci/device"
	"github.com/ardnew/softehci/pkg"
)

// Loopback endpoint addresses.
const (
	LoopbackBulkOut = 0x01
	LoopbackBulkIn  = 0x81
	LoopbackIsoOut  = 0x02
	LoopbackIsoIn   = 0x82

	loopbackBulkMPS = 512
	loopbackIsoMPS  = 1024
)

type controlStage uint8

const (
	stageIdle controlStage = iota
	stageDataIn
	stageDataOut
	stageStatusIn  // host sends IN; the request runs here
	stageStatusOut // host sends OUT after an IN data stage
)

// Loopback is a high-speed test function. It enumerates like a vendor
// device with one interface, echoes every bulk OUT packet back on its bulk
// IN endpoint, sinks isochronous OUT data and sources a counting byte
// pattern on isochronous IN.
type Loopback struct {
	dev *device.Device
	h   *device.Handler

	mu      sync.Mutex
	setup   device.SetupPacket
	stage   controlStage
	stalled bool
	in      []byte
	sent    int
	out     []byte

	queue   [][]byte
	isoSink []byte
	isoNext byte
}

// NewLoopback returns an unaddressed loopback function.
func NewLoopback() (*Loopback, error) {
	dev, err := device.NewBuilder().
		WithVendorProduct(0x1209, 0x0001).
		WithClass(device.ClassPerInterface, 0, 0).
		WithStrings("softehci", "loopback", "0001").
		AddConfiguration(1, device.ConfigSelfPowered, 0).
		AddInterface(0, device.ClassVendor, 0, 0).
		AddEndpoint(LoopbackBulkOut, device.EndpointTypeBulk, loopbackBulkMPS, 0).
		AddEndpoint(LoopbackBulkIn, device.EndpointTypeBulk, loopbackBulkMPS, 0).
		AddEndpoint(LoopbackIsoOut, device.EndpointTypeIsochronous, loopbackIsoMPS, 1).
		AddEndpoint(LoopbackIsoIn, device.EndpointTypeIsochronous, loopbackIsoMPS, 1).
		Build()
	if err != nil {
		return nil, fmt.Errorf("loopback device: %w", err)
	}
	return &Loopback{dev: dev, h: device.NewHandler(dev)}, nil
}

// Device returns the device model behind the function.
func (l *Loopback) Device() *device.Device { return l.dev }

// Address implements Function.
func (l *Loopback) Address() uint8 { return l.dev.Address() }

// Reset implements Function.
func (l *Loopback) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dev.Reset()
	l.stage, l.stalled = stageIdle, false
	l.in, l.out, l.queue = nil, nil, nil
}

// Setup implements Function. IN requests run immediately; OUT requests run
// at the status stage once their data has arrived.
func (l *Loopback) Setup(pkt []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stage, l.stalled = stageIdle, false
	l.in, l.out, l.sent = nil, nil, 0
	if err := device.ParseSetupPacket(pkt, &l.setup); err != nil {
		l.stalled = true
		return err
	}
	ep0 := l.dev.ControlEndpoint()
	ep0.Expect(true)

	switch {
	case l.setup.IsIn():
		data, err := l.h.HandleSetup(&l.setup, nil)
		if err != nil {
			l.stalled = true
			return err
		}
		l.in = append([]byte(nil), data...)
		l.stage = stageDataIn
	case l.setup.Length > 0:
		l.stage = stageDataOut
	default:
		l.stage = stageStatusIn
	}
	return nil
}

// In implements Function.
func (l *Loopback) In(ep uint8, toggle bool, max int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ep == 0 {
		return l.controlIn(toggle, max)
	}
	e, err := l.bulk(ep | device.EndpointDirectionIn)
	if err != nil {
		return nil, err
	}
	if len(l.queue) == 0 {
		return nil, ErrNAK
	}
	pkt := l.queue[0]
	if len(pkt) > max {
		// The host asked for less than a whole echoed packet.
		l.queue[0] = pkt[max:]
		pkt = pkt[:max]
	} else {
		l.queue = l.queue[1:]
	}
	e.Exchange(toggle)
	return pkt, nil
}

func (l *Loopback) controlIn(toggle bool, max int) ([]byte, error) {
	if l.stalled {
		return nil, pkg.ErrStall
	}
	ep0 := l.dev.ControlEndpoint()
	switch l.stage {
	case stageDataIn:
		ep0.Exchange(toggle)
		chunk := l.in[l.sent:]
		chunk = chunk[:min(len(chunk), max)]
		l.sent += len(chunk)
		if len(chunk) < max || l.sent >= int(l.setup.Length) {
			l.stage = stageStatusOut
			ep0.Expect(true)
		}
		return chunk, nil

	case stageStatusIn:
		ep0.Exchange(toggle)
		var data []byte
		if len(l.out) > 0 {
			data = l.out
		}
		if _, err := l.h.HandleSetup(&l.setup, data); err != nil {
			l.stage = stageIdle
			return nil, err
		}
		err := l.h.Complete(&l.setup)
		l.stage = stageIdle
		if err != nil {
			return nil, fmt.Errorf("%w: %w", pkg.ErrStall, err)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: IN in control stage %d", pkg.ErrStall, l.stage)
	}
}

// Out implements Function.
func (l *Loopback) Out(ep uint8, toggle bool, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ep == 0 {
		return l.controlOut(toggle, data)
	}
	e, err := l.bulk(ep)
	if err != nil {
		return err
	}
	if !e.Exchange(toggle) {
		// A retried packet the function already accepted.
		return nil
	}
	l.queue = append(l.queue, append([]byte(nil), data...))
	return nil
}

func (l *Loopback) controlOut(toggle bool, data []byte) error {
	if l.stalled {
		return pkg.ErrStall
	}
	ep0 := l.dev.ControlEndpoint()
	switch l.stage {
	case stageDataOut:
		ep0.Exchange(toggle)
		l.out = append(l.out, data...)
		if len(l.out) >= int(l.setup.Length) || len(data) < int(ep0.MaxPacketSize) {
			l.stage = stageStatusIn
			ep0.Expect(true)
		}
		return nil
	case stageStatusOut:
		ep0.Exchange(toggle)
		l.stage = stageIdle
		return nil
	default:
		return fmt.Errorf("%w: OUT in control stage %d", pkg.ErrStall, l.stage)
	}
}

// bulk returns the configured, unhalted bulk endpoint at address.
func (l *Loopback) bulk(address uint8) (*device.Endpoint, error) {
	e := l.dev.Endpoint(address)
	switch {
	case e == nil:
		return nil, fmt.Errorf("%w: endpoint %#02x not configured", pkg.ErrStall, address)
	case e.Type() != device.EndpointTypeBulk:
		return nil, fmt.Errorf("%w: endpoint %#02x is not bulk", pkg.ErrStall, address)
	case e.Halted():
		return nil, fmt.Errorf("%w: endpoint %#02x halted", pkg.ErrStall, address)
	}
	return e, nil
}

// IsoIn implements Function.
func (l *Loopback) IsoIn(ep uint8, max int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dev.Endpoint(ep|device.EndpointDirectionIn) == nil {
		return nil
	}
	out := make([]byte, max)
	for i := range out {
		out[i] = l.isoNext
		l.isoNext++
	}
	return out
}

// IsoOut implements Function.
func (l *Loopback) IsoOut(ep uint8, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dev.Endpoint(ep) == nil {
		return
	}
	l.isoSink = append(l.isoSink, data...)
}

// IsoReceived returns everything received on the isochronous OUT endpoint.
func (l *Loopback) IsoReceived() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.isoSink...)
}

// Queued returns the number of bulk packets waiting to be echoed.
func (l *Loopback) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// ToggleMismatches returns the data toggle errors seen on every endpoint.
func (l *Loopback) ToggleMismatches() int {
	n := l.dev.ControlEndpoint().Mismatches()
	if cfg := l.dev.Configuration(); cfg != nil {
		for _, i := range cfg.Interfaces() {
			for _, e := range i.Endpoints() {
				n += e.Mismatches()
			}
		}
	}
	return n
}
