package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// Device is an enumerated USB device as seen from the host.
type Device struct {
	host    *Host
	address uint8
	port    int
	speed   hal.Speed

	descriptor DeviceDescriptor
	config     ConfigurationDescriptor
	interfaces []InterfaceDescriptor
	endpoints  []EndpointDescriptor

	configurationValue uint8

	state DeviceState
	mutex sync.RWMutex

	// Indexed by string descriptor index.
	strings [MaxStringsPerDevice]string

	// Class-specific descriptors following each interface descriptor.
	classDescriptors [MaxInterfacesPerConfiguration][][]byte
}

func newDevice(host *Host, port int, speed hal.Speed) *Device {
	return &Device{
		host:  host,
		port:  port,
		speed: speed,
		state: DeviceStateDefault,
	}
}

// Address returns the assigned device address.
func (d *Device) Address() uint8 { return d.address }

// Port returns the root hub port the device is attached to.
func (d *Device) Port() int { return d.port }

// Speed returns the negotiated bus speed.
func (d *Device) Speed() hal.Speed { return d.speed }

// VendorID returns idVendor.
func (d *Device) VendorID() uint16 { return d.descriptor.VendorID }

// ProductID returns idProduct.
func (d *Device) ProductID() uint16 { return d.descriptor.ProductID }

// DeviceClass returns bDeviceClass.
func (d *Device) DeviceClass() uint8 { return d.descriptor.DeviceClass }

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor { return d.descriptor }

// Configuration returns the configuration descriptor header read during
// enumeration.
func (d *Device) Configuration() ConfigurationDescriptor { return d.config }

// Interfaces returns the interface descriptors of the configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Interfaces() []InterfaceDescriptor { return d.interfaces }

// Endpoints returns the endpoint descriptors of the configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Endpoints() []EndpointDescriptor { return d.endpoints }

// GetInterface returns the interface numbered num, or nil.
func (d *Device) GetInterface(num uint8) *InterfaceDescriptor {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceNumber == num {
			return &d.interfaces[i]
		}
	}
	return nil
}

// GetEndpoint returns the endpoint at address, or nil.
func (d *Device) GetEndpoint(address uint8) *EndpointDescriptor {
	for i := range d.endpoints {
		if d.endpoints[i].EndpointAddress == address {
			return &d.endpoints[i]
		}
	}
	return nil
}

// ClassDescriptors returns the class-specific descriptors that followed the
// n-th interface descriptor of the configuration tree.
func (d *Device) ClassDescriptors(n int) [][]byte {
	if n < 0 || n >= len(d.classDescriptors) {
		return nil
	}
	return d.classDescriptors[n]
}

// GetString returns a cached string descriptor.
func (d *Device) GetString(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string { return d.GetString(d.descriptor.ManufacturerIndex) }

// Product returns the product string.
func (d *Device) Product() string { return d.GetString(d.descriptor.ProductIndex) }

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string { return d.GetString(d.descriptor.SerialNumberIndex) }

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(s DeviceState) {
	d.mutex.Lock()
	d.state = s
	d.mutex.Unlock()
}

// usable rejects transfers to a detached device.
func (d *Device) usable() error {
	if d.State() == DeviceStateDetached {
		return fmt.Errorf("%w: address %d", pkg.ErrNoDevice, d.address)
	}
	return nil
}

// SetConfiguration selects configuration value; 0 unconfigures the device.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	d.configurationValue = value
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()
	return nil
}

// GetConfiguration returns the configuration value last set.
func (d *Device) GetConfiguration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurationValue
}

// ControlTransfer runs a control transfer on endpoint 0.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := d.usable(); err != nil {
		return 0, err
	}
	return d.host.hal.ControlTransfer(ctx, hal.DeviceAddress(d.address), setup, data)
}

// BulkTransfer runs a bulk transfer; the direction bit of endpoint selects
// IN or OUT.
func (d *Device) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	if err := d.usable(); err != nil {
		return 0, err
	}
	return d.host.hal.BulkTransfer(ctx, hal.DeviceAddress(d.address), endpoint, data)
}

// IsochronousTransfer streams data through an isochronous endpoint.
func (d *Device) IsochronousTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	if err := d.usable(); err != nil {
		return 0, err
	}
	return d.host.hal.IsochronousTransfer(ctx, hal.DeviceAddress(d.address), endpoint, data)
}

// Close marks the device detached. Later transfers fail with ErrNoDevice.
func (d *Device) Close() error {
	d.setState(DeviceStateDetached)
	return nil
}

// parseConfigurationTree decodes a configuration descriptor and every
// interface, endpoint and class-specific descriptor that follows it.
func (d *Device) parseConfigurationTree(data []byte) error {
	if err := ParseConfigurationDescriptor(data, &d.config); err != nil {
		return err
	}

	d.interfaces = make([]InterfaceDescriptor, 0, d.config.NumInterfaces)
	d.endpoints = d.endpoints[:0]

	end := min(len(data), int(d.config.TotalLength))
	iface := -1
	for off := int(data[0]); off+2 <= end; {
		length := int(data[off])
		if length < 2 || off+length > end {
			return fmt.Errorf("%w: descriptor at offset %d", pkg.ErrDescriptorTooShort, off)
		}
		desc := data[off : off+length]

		switch desc[1] {
		case DescriptorTypeInterface:
			var id InterfaceDescriptor
			if err := ParseInterfaceDescriptor(desc, &id); err != nil {
				return err
			}
			d.interfaces = append(d.interfaces, id)
			iface = len(d.interfaces) - 1

		case DescriptorTypeEndpoint:
			var ed EndpointDescriptor
			if err := ParseEndpointDescriptor(desc, &ed); err != nil {
				return err
			}
			d.endpoints = append(d.endpoints, ed)

		default:
			if iface >= 0 && iface < MaxInterfacesPerConfiguration {
				d.classDescriptors[iface] = append(d.classDescriptors[iface], append([]byte(nil), desc...))
			}
		}
		off += length
	}
	return nil
}

// GetDescriptor issues GET_DESCRIPTOR for descType/descIndex into data.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return d.ControlTransfer(ctx, &setup, data)
}

// GetStatus issues a device GET_STATUS.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var buf [2]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetStatus,
		Length:      2,
	}
	n, err := d.ControlTransfer(ctx, &setup, buf[:])
	if err != nil {
		return 0, err
	}
	if n < 2 {
		return 0, fmt.Errorf("%w: status %d bytes", pkg.ErrProtocol, n)
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// ClearEndpointHalt clears a stalled endpoint. The HAL resets its copy of
// the endpoint's data toggle when the request completes.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// BulkTransferRecover runs a bulk transfer and, if the endpoint stalled,
// clears the halt before returning the stall.
func (d *Device) BulkTransferRecover(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	n, err := d.BulkTransfer(ctx, endpoint, data)
	if errors.Is(err, pkg.ErrStall) {
		if cerr := d.ClearEndpointHalt(ctx, endpoint); cerr != nil {
			return n, errors.Join(err, cerr)
		}
	}
	return n, err
}
