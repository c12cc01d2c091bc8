package device

import (
	"fmt"

	"github.com/ardnew/softehci/pkg"
)

// Interface is one interface of a configuration with its endpoints.
type Interface struct {
	Number      uint8
	Alternate   uint8
	Class       uint8
	SubClass    uint8
	Protocol    uint8
	StringIndex uint8

	endpoints []*Endpoint
}

// AddEndpoint adds ep. Endpoint zero and duplicate addresses are rejected.
func (i *Interface) AddEndpoint(ep *Endpoint) error {
	if ep.Number() == 0 {
		return fmt.Errorf("%w: endpoint 0 in interface %d", pkg.ErrInvalidEndpoint, i.Number)
	}
	for _, e := range i.endpoints {
		if e.Address == ep.Address {
			return fmt.Errorf("%w: duplicate endpoint %#02x", pkg.ErrInvalidEndpoint, ep.Address)
		}
	}
	i.endpoints = append(i.endpoints, ep)
	return nil
}

// Endpoint returns the endpoint at address, or nil.
func (i *Interface) Endpoint(address uint8) *Endpoint {
	for _, e := range i.endpoints {
		if e.Address == address {
			return e
		}
	}
	return nil
}

// Endpoints returns the interface's endpoints in the order added.
func (i *Interface) Endpoints() []*Endpoint { return i.endpoints }

// Descriptor returns the interface descriptor.
func (i *Interface) Descriptor() InterfaceDescriptor {
	return InterfaceDescriptor{
		InterfaceNumber:   i.Number,
		AlternateSetting:  i.Alternate,
		NumEndpoints:      uint8(len(i.endpoints)),
		InterfaceClass:    i.Class,
		InterfaceSubClass: i.SubClass,
		InterfaceProtocol: i.Protocol,
		InterfaceIndex:    i.StringIndex,
	}
}

// Configuration is one selectable configuration.
type Configuration struct {
	Value       uint8
	Attributes  uint8
	MaxPower    uint8
	StringIndex uint8

	interfaces []*Interface
}

// Configuration attribute bits.
const (
	ConfigSelfPowered  = 0x40
	ConfigRemoteWakeup = 0x20
)

// AddInterface adds iface.
func (c *Configuration) AddInterface(iface *Interface) error {
	if len(c.interfaces) >= MaxInterfaces {
		return fmt.Errorf("%w: interfaces in configuration %d", pkg.ErrNoResources, c.Value)
	}
	for _, i := range c.interfaces {
		if i.Number == iface.Number {
			return fmt.Errorf("%w: duplicate interface %d", pkg.ErrInvalidParameter, iface.Number)
		}
	}
	c.interfaces = append(c.interfaces, iface)
	return nil
}

// Interface returns the interface numbered n, or nil.
func (c *Configuration) Interface(n uint8) *Interface {
	for _, i := range c.interfaces {
		if i.Number == n {
			return i
		}
	}
	return nil
}

// Interfaces returns the configuration's interfaces.
func (c *Configuration) Interfaces() []*Interface { return c.interfaces }

// Endpoint finds an endpoint in any interface.
func (c *Configuration) Endpoint(address uint8) *Endpoint {
	for _, i := range c.interfaces {
		if e := i.Endpoint(address); e != nil {
			return e
		}
	}
	return nil
}

// TotalLength returns the size of the full configuration tree.
func (c *Configuration) TotalLength() int {
	n := ConfigurationDescriptorSize
	for _, i := range c.interfaces {
		n += InterfaceDescriptorSize + len(i.endpoints)*EndpointDescriptorSize
	}
	return n
}

// MarshalTo writes the configuration descriptor followed by every interface
// and endpoint descriptor. It returns 0 if buf cannot hold the whole tree.
func (c *Configuration) MarshalTo(buf []byte) int {
	total := c.TotalLength()
	if len(buf) < total {
		return 0
	}
	hdr := ConfigurationDescriptor{
		TotalLength:        uint16(total),
		NumInterfaces:      uint8(len(c.interfaces)),
		ConfigurationValue: c.Value,
		ConfigurationIndex: c.StringIndex,
		Attributes:         c.Attributes,
		MaxPower:           c.MaxPower,
	}
	n := hdr.MarshalTo(buf)
	for _, i := range c.interfaces {
		d := i.Descriptor()
		n += d.MarshalTo(buf[n:])
		for _, e := range i.endpoints {
			ed := e.Descriptor()
			n += ed.MarshalTo(buf[n:])
		}
	}
	return n
}
