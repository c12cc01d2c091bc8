package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softehci/pkg"
)

// SetupPacketSize is the length of a SETUP packet.
const SetupPacketSize = 8

// SetupPacket is a SETUP packet as the device receives it.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupPacket decodes data into out.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return fmt.Errorf("%w: setup packet of %d bytes", pkg.ErrDescriptorTooShort, len(data))
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:])
	out.Index = binary.LittleEndian.Uint16(data[4:])
	out.Length = binary.LittleEndian.Uint16(data[6:])
	return nil
}

// IsIn reports a device-to-host data stage.
func (s *SetupPacket) IsIn() bool { return s.RequestType&RequestDirectionIn != 0 }

// Type returns the request type bits.
func (s *SetupPacket) Type() uint8 { return s.RequestType & RequestTypeMask }

// Recipient returns the recipient bits.
func (s *SetupPacket) Recipient() uint8 { return s.RequestType & RequestRecipientMask }

// IsStandard reports a standard request.
func (s *SetupPacket) IsStandard() bool { return s.Type() == RequestTypeStandard }

// DescriptorType returns the descriptor type of a GET_DESCRIPTOR request.
func (s *SetupPacket) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex returns the descriptor index of a GET_DESCRIPTOR request.
func (s *SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

func (s SetupPacket) String() string {
	dir := "out"
	if s.IsIn() {
		dir = "in"
	}
	return fmt.Sprintf("setup[%s type=%#02x req=%#02x value=%#04x index=%#04x len=%d]",
		dir, s.RequestType, s.Request, s.Value, s.Index, s.Length)
}
