package device

import (
	"encoding/binary"
	"unicode/utf16"
)

// Descriptor sizes in bytes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// LangIDUSEnglish is the language ID reported in string descriptor zero.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor is the standard device descriptor. Length, type and the
// configuration count are filled in by MarshalTo.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// MarshalTo writes the descriptor to buf and returns the bytes written, or
// 0 if buf is too small.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ConfigurationDescriptor is the header of a configuration tree.
type ConfigurationDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // units of 2 mA
}

// MarshalTo writes the descriptor to buf.
func (d *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:], d.TotalLength)
	buf[4] = d.NumInterfaces
	buf[5] = d.ConfigurationValue
	buf[6] = d.ConfigurationIndex
	buf[7] = d.Attributes | 0x80
	buf[8] = d.MaxPower
	return ConfigurationDescriptorSize
}

// InterfaceDescriptor describes one interface alternate setting.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// MarshalTo writes the descriptor to buf.
func (d *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	buf[0] = InterfaceDescriptorSize
	buf[1] = DescriptorTypeInterface
	buf[2] = d.InterfaceNumber
	buf[3] = d.AlternateSetting
	buf[4] = d.NumEndpoints
	buf[5] = d.InterfaceClass
	buf[6] = d.InterfaceSubClass
	buf[7] = d.InterfaceProtocol
	buf[8] = d.InterfaceIndex
	return InterfaceDescriptorSize
}

// EndpointDescriptor describes one endpoint.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// MarshalTo writes the descriptor to buf.
func (d *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = d.EndpointAddress
	buf[3] = d.Attributes
	binary.LittleEndian.PutUint16(buf[4:], d.MaxPacketSize)
	buf[6] = d.Interval
	return EndpointDescriptorSize
}

// StringDescriptorTo encodes s as a UTF-16LE string descriptor into buf,
// truncating to what fits. It returns the bytes written.
func StringDescriptorTo(buf []byte, s string) int {
	if len(buf) < 2 {
		return 0
	}
	n := 2
	for _, u := range utf16.Encode([]rune(s)) {
		if n+2 > len(buf) || n+2 > 0xFF {
			break
		}
		binary.LittleEndian.PutUint16(buf[n:], u)
		n += 2
	}
	buf[0] = byte(n)
	buf[1] = DescriptorTypeString
	return n
}

// LanguageDescriptorTo writes string descriptor zero listing langs.
func LanguageDescriptorTo(buf []byte, langs ...uint16) int {
	n := 2 + 2*len(langs)
	if len(buf) < n {
		return 0
	}
	buf[0] = byte(n)
	buf[1] = DescriptorTypeString
	for i, l := range langs {
		binary.LittleEndian.PutUint16(buf[2+2*i:], l)
	}
	return n
}
