package device

import (
	"fmt"
	"sync"

	"github.com/ardnew/softehci/pkg"
)

// Device is the device-side state of one USB function: its descriptors,
// the address and configuration the host assigned, and its endpoints.
type Device struct {
	desc    DeviceDescriptor
	configs []*Configuration
	strings []string // index 1..n; index 0 is the language table
	ep0     *Endpoint

	mu           sync.RWMutex
	state        State
	address      uint8
	active       *Configuration
	remoteWakeup bool
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor { return d.desc }

// State returns the current device state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Address returns the assigned address; 0 until SET_ADDRESS completes.
func (d *Device) Address() uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.address
}

// ControlEndpoint returns endpoint 0.
func (d *Device) ControlEndpoint() *Endpoint { return d.ep0 }

// Reset puts the device in the default state: address 0, unconfigured,
// every endpoint on DATA0 and not halted.
func (d *Device) Reset() {
	d.mu.Lock()
	d.state = StateDefault
	d.address = 0
	d.active = nil
	d.remoteWakeup = false
	d.mu.Unlock()

	d.ep0.SetHalt(false)
	for _, c := range d.configs {
		for _, i := range c.interfaces {
			for _, e := range i.endpoints {
				e.SetHalt(false)
			}
		}
	}
	pkg.LogDebug(pkg.ComponentDevice, "device reset")
}

// SetAddress applies a new address. Address 0 returns the device to the
// default state.
func (d *Device) SetAddress(addr uint8) error {
	if addr > 127 {
		return fmt.Errorf("%w: address %d", pkg.ErrInvalidParameter, addr)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateDefault, StateAddress:
	default:
		return fmt.Errorf("%w: set address in state %s", pkg.ErrInvalidState, d.state)
	}
	d.address = addr
	if addr == 0 {
		d.state = StateDefault
	} else {
		d.state = StateAddress
	}
	pkg.LogDebug(pkg.ComponentDevice, "address set", "address", addr)
	return nil
}

// Configuration returns the active configuration, or nil.
func (d *Device) Configuration() *Configuration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// configuration finds a configuration by value.
func (d *Device) configuration(value uint8) *Configuration {
	for _, c := range d.configs {
		if c.Value == value {
			return c
		}
	}
	return nil
}

// configurationAt returns the configuration at descriptor index i.
func (d *Device) configurationAt(i int) *Configuration {
	if i < 0 || i >= len(d.configs) {
		return nil
	}
	return d.configs[i]
}

// SetConfiguration selects a configuration. Value 0 deconfigures the
// device. Every endpoint of the selected configuration restarts at DATA0.
func (d *Device) SetConfiguration(value uint8) error {
	var cfg *Configuration
	if value != 0 {
		if cfg = d.configuration(value); cfg == nil {
			return fmt.Errorf("%w: configuration %d", pkg.ErrInvalidParameter, value)
		}
	}

	d.mu.Lock()
	switch d.state {
	case StateAddress, StateConfigured:
	default:
		st := d.state
		d.mu.Unlock()
		return fmt.Errorf("%w: set configuration in state %s", pkg.ErrInvalidState, st)
	}
	d.active = cfg
	if cfg == nil {
		d.state = StateAddress
	} else {
		d.state = StateConfigured
	}
	d.mu.Unlock()

	if cfg != nil {
		for _, i := range cfg.interfaces {
			for _, e := range i.endpoints {
				e.SetHalt(false)
			}
		}
	}
	pkg.LogDebug(pkg.ComponentDevice, "configuration set", "value", value)
	return nil
}

// Endpoint returns the endpoint at address in the active configuration.
// Endpoint 0 is always available.
func (d *Device) Endpoint(address uint8) *Endpoint {
	if address&EndpointNumberMask == 0 {
		return d.ep0
	}
	cfg := d.Configuration()
	if cfg == nil {
		return nil
	}
	return cfg.Endpoint(address)
}

// String returns string descriptor index i (1-based).
func (d *Device) String(i uint8) (string, bool) {
	if i == 0 || int(i) > len(d.strings) {
		return "", false
	}
	return d.strings[i-1], true
}

// RemoteWakeup reports the DEVICE_REMOTE_WAKEUP feature.
func (d *Device) RemoteWakeup() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteWakeup
}

func (d *Device) setRemoteWakeup(on bool) {
	d.mu.Lock()
	d.remoteWakeup = on
	d.mu.Unlock()
}

// Builder assembles a Device.
type Builder struct {
	desc    DeviceDescriptor
	configs []*Configuration
	strings []string
	cur     *Configuration
	iface   *Interface
	err     error
}

// NewBuilder starts a USB 2.0 device with a 64-byte endpoint 0.
func NewBuilder() *Builder {
	return &Builder{desc: DeviceDescriptor{USBVersion: 0x0200, MaxPacketSize0: 64}}
}

// WithVendorProduct sets the vendor and product IDs.
func (b *Builder) WithVendorProduct(vid, pid uint16) *Builder {
	b.desc.VendorID, b.desc.ProductID = vid, pid
	return b
}

// WithClass sets the device class triple.
func (b *Builder) WithClass(class, sub, proto uint8) *Builder {
	b.desc.DeviceClass, b.desc.DeviceSubClass, b.desc.DeviceProtocol = class, sub, proto
	return b
}

// WithMaxPacketSize0 sets the endpoint 0 max packet size.
func (b *Builder) WithMaxPacketSize0(n uint8) *Builder {
	b.desc.MaxPacketSize0 = n
	return b
}

// WithStrings sets the manufacturer, product and serial strings. Empty
// strings are not published.
func (b *Builder) WithStrings(manufacturer, product, serial string) *Builder {
	b.desc.ManufacturerIndex = b.addString(manufacturer)
	b.desc.ProductIndex = b.addString(product)
	b.desc.SerialNumberIndex = b.addString(serial)
	return b
}

func (b *Builder) addString(s string) uint8 {
	if s == "" {
		return 0
	}
	if len(b.strings) >= MaxStrings && b.err == nil {
		b.err = fmt.Errorf("%w: string descriptors", pkg.ErrNoResources)
		return 0
	}
	b.strings = append(b.strings, s)
	return uint8(len(b.strings))
}

// AddConfiguration starts a configuration; later interfaces join it.
func (b *Builder) AddConfiguration(value, attributes, maxPower uint8) *Builder {
	if value == 0 && b.err == nil {
		b.err = fmt.Errorf("%w: configuration value 0", pkg.ErrInvalidParameter)
	}
	if len(b.configs) >= MaxConfigurations && b.err == nil {
		b.err = fmt.Errorf("%w: configurations", pkg.ErrNoResources)
	}
	b.cur = &Configuration{Value: value, Attributes: attributes, MaxPower: maxPower}
	b.configs = append(b.configs, b.cur)
	b.iface = nil
	return b
}

// AddInterface adds an interface to the current configuration.
func (b *Builder) AddInterface(number, class, sub, proto uint8) *Builder {
	if b.cur == nil {
		if b.err == nil {
			b.err = fmt.Errorf("%w: interface before configuration", pkg.ErrInvalidState)
		}
		return b
	}
	b.iface = &Interface{Number: number, Class: class, SubClass: sub, Protocol: proto}
	if err := b.cur.AddInterface(b.iface); err != nil && b.err == nil {
		b.err = err
	}
	return b
}

// AddEndpoint adds an endpoint to the current interface.
func (b *Builder) AddEndpoint(address, kind uint8, maxPacket uint16, interval uint8) *Builder {
	if b.iface == nil {
		if b.err == nil {
			b.err = fmt.Errorf("%w: endpoint before interface", pkg.ErrInvalidState)
		}
		return b
	}
	ep := NewEndpoint(EndpointDescriptor{
		EndpointAddress: address,
		Attributes:      kind & EndpointTypeMask,
		MaxPacketSize:   maxPacket,
		Interval:        interval,
	})
	if err := b.iface.AddEndpoint(ep); err != nil && b.err == nil {
		b.err = err
	}
	return b
}

// Build returns the device in the default state.
func (b *Builder) Build() (*Device, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.configs) == 0 {
		return nil, fmt.Errorf("%w: device without configuration", pkg.ErrInvalidParameter)
	}
	switch b.desc.MaxPacketSize0 {
	case 8, 16, 32, 64:
	default:
		return nil, fmt.Errorf("%w: endpoint 0 max packet %d", pkg.ErrInvalidParameter, b.desc.MaxPacketSize0)
	}

	desc := b.desc
	desc.NumConfigurations = uint8(len(b.configs))
	d := &Device{
		desc:    desc,
		configs: b.configs,
		strings: b.strings,
		ep0: NewEndpoint(EndpointDescriptor{
			Attributes:    EndpointTypeControl,
			MaxPacketSize: uint16(desc.MaxPacketSize0),
		}),
	}
	d.Reset()
	return d, nil
}
