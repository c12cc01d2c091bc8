package hal

import (
	"context"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// PortStatus is a decoded snapshot of one root hub port.
type PortStatus struct {
	Connected     bool  // Device is connected
	Enabled       bool  // Port is enabled
	Suspended     bool  // Port is suspended
	OverCurrent   bool  // Over-current condition detected
	Reset         bool  // Port is being reset
	PowerOn       bool  // Port has power applied
	Speed         Speed // Connected device speed
	ConnectChange bool  // Connection status has changed
	EnableChange  bool  // Enable status has changed
	ResetChange   bool  // Reset has completed
}

// SetupPacket is the 8-byte request that opens every control transfer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket decodes the little-endian wire form of a SETUP packet.
// It reports false if data is shorter than SetupPacketSize.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo encodes s into buf and returns SetupPacketSize, or 0 if buf
// cannot hold it.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// EndpointDescriptor is the subset of a USB endpoint descriptor a HAL needs
// to shape transfers for that endpoint.
type EndpointDescriptor struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn reports whether the endpoint moves data device-to-host.
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// DeviceAddress is a USB device address. 0 is the default address a device
// answers on between port reset and SET_ADDRESS; 1-127 are assigned.
type DeviceAddress uint8

// HostHAL is the contract between the host stack and a host controller
// driver.
//
// The host stack owns USB protocol logic (enumeration, descriptor parsing,
// configuration). A HAL owns the controller: its registers, its DMA
// schedules, and its root hub ports. Every method must be safe for
// concurrent use; transfers on different endpoints may be in flight at once.
type HostHAL interface {
	// Init brings the controller to a halted, reset, fully initialized state.
	Init(ctx context.Context) error

	// Start runs the controller and powers its ports.
	Start() error

	// Stop fails in-flight transfers and halts the controller.
	Stop() error

	// Close releases every resource Init acquired. The HAL is unusable
	// afterwards.
	Close() error

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// GetPortStatus returns the status of port (1-indexed).
	GetPortStatus(port int) (PortStatus, error)

	// PortSpeed returns the speed of the device attached to port.
	PortSpeed(port int) Speed

	// ResetPort drives a bus reset on port. A device that survives the
	// reset answers on address 0.
	ResetPort(port int) error

	// EnablePort enables or disables port.
	EnablePort(port int, enable bool) error

	// ControlTransfer runs setup and its optional data stage against addr.
	// The direction of the data stage follows setup.RequestType. It returns
	// the number of data-stage bytes moved.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer moves data to or from endpoint, whose direction bit
	// selects IN (data is filled) or OUT (data is sent).
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// InterruptTransfer moves data to or from an interrupt endpoint.
	InterruptTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// IsochronousTransfer streams data to or from an isochronous endpoint.
	// It returns the number of bytes the device accepted or produced.
	IsochronousTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// SetDeviceAddress moves the device currently at address 0 to newAddr.
	SetDeviceAddress(ctx context.Context, newAddr DeviceAddress) error

	// ClaimInterface claims exclusive access to an interface.
	ClaimInterface(addr DeviceAddress, iface uint8) error

	// ReleaseInterface releases an interface claimed with ClaimInterface.
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// WaitForConnection blocks until a device connects and returns its port.
	WaitForConnection(ctx context.Context) (int, error)

	// WaitForDisconnection blocks until a device disconnects and returns its
	// port.
	WaitForDisconnection(ctx context.Context) (int, error)
}

// EndpointConfigurer is implemented by HALs that program endpoint
// characteristics themselves, as a register-level controller driver does.
// The host stack reports every endpoint it discovers during enumeration and
// tells the HAL when a device goes away.
type EndpointConfigurer interface {
	// ConfigureEndpoint records ep for the device at addr. Endpoint 0 is
	// configured with the max packet size read from the device descriptor.
	ConfigureEndpoint(addr DeviceAddress, ep EndpointDescriptor) error

	// ForgetDevice drops every endpoint recorded for addr.
	ForgetDevice(addr DeviceAddress)
}
