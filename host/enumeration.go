package host

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// Attach resets the device on port, enumerates it and selects its first
// configuration. The device is added to the host's table and announced to
// WaitDevice and the connect callback.
func (h *Host) Attach(ctx context.Context, port int) (*Device, error) {
	dev, err := h.enumerate(ctx, port)
	if err != nil {
		if dev != nil && dev.address != 0 {
			h.release(dev)
		}
		pkg.LogWarn(pkg.ComponentHost, "enumeration failed", "port", port, "error", err)
		return nil, err
	}

	h.mutex.Lock()
	h.devices[dev.address-1] = dev
	h.deviceCount++
	cb := h.onDeviceConnect
	h.mutex.Unlock()

	select {
	case h.deviceConnected <- dev:
	default:
	}
	if cb != nil {
		cb(dev)
	}

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"port", port,
		"address", dev.address,
		"vendor", dev.descriptor.VendorID,
		"product", dev.descriptor.ProductID)
	return dev, nil
}

// Detach removes the device on port, if any, and tells the HAL to drop its
// endpoint state.
func (h *Host) Detach(port int) *Device {
	h.mutex.Lock()
	var dev *Device
	for i, d := range h.devices {
		if d != nil && d.port == port {
			dev = d
			h.devices[i] = nil
			h.deviceCount--
			break
		}
	}
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	if dev == nil {
		return nil
	}
	h.release(dev)

	select {
	case h.deviceDisconnected <- dev:
	default:
	}
	if cb != nil {
		cb(dev)
	}

	pkg.LogInfo(pkg.ComponentHost, "device detached", "port", port, "address", dev.address)
	return dev
}

// release closes dev and forgets its endpoints in the HAL.
func (h *Host) release(dev *Device) {
	dev.Close()
	if ec, ok := h.hal.(hal.EndpointConfigurer); ok {
		ec.ForgetDevice(hal.DeviceAddress(dev.address))
	}
}

// configure reports ep to the HAL if it programs endpoints itself.
func (h *Host) configure(addr uint8, ep hal.EndpointDescriptor) error {
	ec, ok := h.hal.(hal.EndpointConfigurer)
	if !ok {
		return nil
	}
	return ec.ConfigureEndpoint(hal.DeviceAddress(addr), ep)
}

// enumerate runs the standard enumeration sequence. A non-nil device is
// returned on failure once an address has been assigned.
func (h *Host) enumerate(ctx context.Context, port int) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port)

	if err := h.hal.ResetPort(port); err != nil {
		return nil, fmt.Errorf("reset port %d: %w", port, err)
	}
	dev := newDevice(h, port, h.hal.PortSpeed(port))

	// Only bMaxPacketSize0 is needed before the address is assigned.
	var buf [MaxDescriptorSize]byte
	if err := h.configure(0, hal.EndpointDescriptor{MaxPacketSize: maxPacket0(dev.speed)}); err != nil {
		return nil, err
	}
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	if n < 8 {
		return nil, fmt.Errorf("%w: device descriptor %d bytes", ErrEnumerationFailed, n)
	}
	mps0 := uint16(buf[7])
	if mps0 == 0 {
		mps0 = maxPacket0(dev.speed)
	}
	if err := h.configure(0, hal.EndpointDescriptor{MaxPacketSize: mps0}); err != nil {
		return nil, err
	}
	pkg.LogDebug(pkg.ComponentHost, "got max packet size", "size", mps0)

	address := h.allocateAddress()
	if address == 0 {
		return nil, ErrNoAddress
	}
	if err := h.hal.SetDeviceAddress(ctx, hal.DeviceAddress(address)); err != nil {
		return nil, fmt.Errorf("set address %d: %w", address, err)
	}
	dev.address = address
	dev.setState(DeviceStateAddress)
	pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", address)

	n, err = dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return dev, fmt.Errorf("device descriptor: %w", err)
	}
	if err := ParseDeviceDescriptor(buf[:n], &dev.descriptor); err != nil {
		return dev, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass)

	// Header first for wTotalLength, then the whole tree.
	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return dev, fmt.Errorf("configuration descriptor: %w", err)
	}
	if err := ParseConfigurationDescriptor(buf[:n], &dev.config); err != nil {
		return dev, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	total := min(int(dev.config.TotalLength), len(buf))
	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:total])
	if err != nil {
		return dev, fmt.Errorf("configuration tree: %w", err)
	}
	if err := dev.parseConfigurationTree(buf[:n]); err != nil {
		return dev, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", dev.config.NumInterfaces,
		"numEndpoints", len(dev.endpoints),
		"configValue", dev.config.ConfigurationValue)

	for i := range dev.endpoints {
		if err := h.configure(address, dev.endpoints[i].HAL()); err != nil {
			return dev, fmt.Errorf("endpoint %#02x: %w", dev.endpoints[i].EndpointAddress, err)
		}
	}

	if err := h.readStrings(ctx, dev, buf[:]); err != nil {
		pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "error", err)
	}

	if dev.config.ConfigurationValue > 0 {
		if err := dev.SetConfiguration(ctx, dev.config.ConfigurationValue); err != nil {
			return dev, fmt.Errorf("set configuration: %w", err)
		}
	}
	return dev, nil
}

// readStrings caches the manufacturer, product and serial strings in the
// device's first listed language.
func (h *Host) readStrings(ctx context.Context, dev *Device, buf []byte) error {
	lang := uint16(LangIDUSEnglish)
	if n, err := dev.GetDescriptor(ctx, DescriptorTypeString, 0, 0, buf[:4]); err != nil {
		return err
	} else if n >= 4 {
		lang = uint16(buf[2]) | uint16(buf[3])<<8
	}

	var errs []error
	for _, index := range []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	} {
		if index == 0 || int(index) >= len(dev.strings) {
			continue
		}
		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, index, lang, buf[:255])
		if err != nil {
			errs = append(errs, fmt.Errorf("string %d: %w", index, err))
			continue
		}
		dev.strings[index] = decodeString(buf[:n])
	}
	return errors.Join(errs...)
}

// decodeString decodes the UTF-16LE body of a string descriptor.
func decodeString(desc []byte) string {
	if len(desc) < 2 || desc[1] != DescriptorTypeString {
		return ""
	}
	end := min(int(desc[0]), len(desc))
	units := make([]uint16, 0, (end-2)/2)
	for i := 2; i+1 < end; i += 2 {
		units = append(units, uint16(desc[i])|uint16(desc[i+1])<<8)
	}
	return string(utf16.Decode(units))
}
