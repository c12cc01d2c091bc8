package device

import "fmt"

// Standard request codes (USB 2.0 Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// bmRequestType fields.
const (
	RequestDirectionIn        = 0x80
	RequestTypeMask           = 0x60
	RequestTypeStandard       = 0x00
	RequestTypeClass          = 0x20
	RequestTypeVendor         = 0x40
	RequestRecipientMask      = 0x1F
	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
)

// Descriptor types (USB 2.0 Table 9-5).
const (
	DescriptorTypeDevice          = 0x01
	DescriptorTypeConfiguration   = 0x02
	DescriptorTypeString          = 0x03
	DescriptorTypeInterface       = 0x04
	DescriptorTypeEndpoint        = 0x05
	DescriptorTypeDeviceQualifier = 0x06
)

// Feature selectors.
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// Class codes used by the built-in functions.
const (
	ClassPerInterface = 0x00
	ClassVendor       = 0xFF
)

// Endpoint attributes and address fields.
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
	EndpointTypeMask        = 0x03
	EndpointDirectionIn     = 0x80
	EndpointNumberMask      = 0x0F
)

// Structural limits.
const (
	MaxConfigurations = 4
	MaxInterfaces     = 8
	MaxEndpoints      = 30
	MaxStrings        = 16
)

// State is the device state of USB 2.0 section 9.1.
type State uint8

const (
	StateAttached State = iota
	StatePowered
	StateDefault
	StateAddress
	StateConfigured
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StatePowered:
		return "powered"
	case StateDefault:
		return "default"
	case StateAddress:
		return "address"
	case StateConfigured:
		return "configured"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}
