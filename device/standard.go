package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softehci/pkg"
)

// maxResponse bounds the data stage of a standard request.
const maxResponse = 512

// Handler answers the standard requests of chapter 9 for one Device. It is
// not safe for concurrent use; a control pipe handles one request at a time.
//
// Requests the device cannot honor fail with an error wrapping
// [pkg.ErrStall], which the function reports as a STALL handshake.
type Handler struct {
	dev *Device
	buf [maxResponse]byte
}

// NewHandler returns a handler for dev.
func NewHandler(dev *Device) *Handler {
	return &Handler{dev: dev}
}

func stall(format string, args ...any) error {
	return fmt.Errorf("%w: %s", pkg.ErrStall, fmt.Sprintf(format, args...))
}

// HandleSetup executes setup. For an IN request it returns the data stage,
// truncated to wLength; data carries an OUT data stage.
//
// SET_ADDRESS is validated here but takes effect in Complete, after the
// status stage.
func (h *Handler) HandleSetup(setup *SetupPacket, data []byte) ([]byte, error) {
	if !setup.IsStandard() {
		return nil, stall("non-standard request %s", setup)
	}

	var (
		out []byte
		err error
	)
	switch setup.Recipient() {
	case RequestRecipientDevice:
		out, err = h.device(setup)
	case RequestRecipientInterface:
		out, err = h.iface(setup)
	case RequestRecipientEndpoint:
		out, err = h.endpoint(setup)
	default:
		err = stall("recipient %#x", setup.Recipient())
	}
	if err != nil {
		pkg.LogDebug(pkg.ComponentDevice, "request stalled", "setup", setup.String(), "error", err)
		return nil, err
	}
	if len(out) > int(setup.Length) {
		out = out[:setup.Length]
	}
	return out, nil
}

// Complete applies the effects of setup that wait for the status stage.
func (h *Handler) Complete(setup *SetupPacket) error {
	if setup.IsStandard() && setup.Recipient() == RequestRecipientDevice &&
		setup.Request == RequestSetAddress {
		return h.dev.SetAddress(uint8(setup.Value))
	}
	return nil
}

func (h *Handler) device(s *SetupPacket) ([]byte, error) {
	d := h.dev
	switch s.Request {
	case RequestGetStatus:
		var st uint16
		if cfg := d.Configuration(); cfg != nil && cfg.Attributes&ConfigSelfPowered != 0 {
			st |= 1
		}
		if d.RemoteWakeup() {
			st |= 2
		}
		return h.status(st), nil

	case RequestClearFeature, RequestSetFeature:
		if s.Value != FeatureDeviceRemoteWakeup {
			return nil, stall("device feature %d", s.Value)
		}
		d.setRemoteWakeup(s.Request == RequestSetFeature)
		return nil, nil

	case RequestSetAddress:
		if s.Value > 127 || s.Index != 0 || s.Length != 0 {
			return nil, stall("set address %d", s.Value)
		}
		if st := d.State(); st == StateConfigured {
			return nil, stall("set address in state %s", st)
		}
		return nil, nil

	case RequestGetDescriptor:
		return h.descriptor(s)

	case RequestGetConfiguration:
		h.buf[0] = 0
		if cfg := d.Configuration(); cfg != nil {
			h.buf[0] = cfg.Value
		}
		return h.buf[:1], nil

	case RequestSetConfiguration:
		if err := d.SetConfiguration(uint8(s.Value)); err != nil {
			return nil, stall("%v", err)
		}
		return nil, nil

	default:
		return nil, stall("device request %#02x", s.Request)
	}
}

func (h *Handler) descriptor(s *SetupPacket) ([]byte, error) {
	d := h.dev
	switch s.DescriptorType() {
	case DescriptorTypeDevice:
		desc := d.Descriptor()
		n := desc.MarshalTo(h.buf[:])
		return h.buf[:n], nil

	case DescriptorTypeConfiguration:
		cfg := d.configurationAt(int(s.DescriptorIndex()))
		if cfg == nil {
			return nil, stall("configuration index %d", s.DescriptorIndex())
		}
		n := cfg.MarshalTo(h.buf[:])
		if n == 0 {
			return nil, stall("configuration %d exceeds %d bytes", cfg.Value, maxResponse)
		}
		return h.buf[:n], nil

	case DescriptorTypeString:
		i := s.DescriptorIndex()
		if i == 0 {
			n := LanguageDescriptorTo(h.buf[:], LangIDUSEnglish)
			return h.buf[:n], nil
		}
		str, ok := d.String(i)
		if !ok {
			return nil, stall("string index %d", i)
		}
		n := StringDescriptorTo(h.buf[:], str)
		return h.buf[:n], nil

	default:
		return nil, stall("descriptor type %#02x", s.DescriptorType())
	}
}

func (h *Handler) iface(s *SetupPacket) ([]byte, error) {
	cfg := h.dev.Configuration()
	if cfg == nil {
		return nil, stall("interface request while unconfigured")
	}
	i := cfg.Interface(uint8(s.Index))
	if i == nil {
		return nil, stall("interface %d", s.Index)
	}

	switch s.Request {
	case RequestGetStatus:
		return h.status(0), nil
	case RequestGetInterface:
		h.buf[0] = i.Alternate
		return h.buf[:1], nil
	case RequestSetInterface:
		if uint8(s.Value) != i.Alternate {
			return nil, stall("alternate setting %d of interface %d", s.Value, i.Number)
		}
		for _, e := range i.endpoints {
			e.SetHalt(false)
		}
		return nil, nil
	default:
		return nil, stall("interface request %#02x", s.Request)
	}
}

func (h *Handler) endpoint(s *SetupPacket) ([]byte, error) {
	e := h.dev.Endpoint(uint8(s.Index))
	if e == nil {
		return nil, stall("endpoint %#02x", s.Index)
	}

	switch s.Request {
	case RequestGetStatus:
		var st uint16
		if e.Halted() {
			st = 1
		}
		return h.status(st), nil
	case RequestClearFeature, RequestSetFeature:
		if s.Value != FeatureEndpointHalt {
			return nil, stall("endpoint feature %d", s.Value)
		}
		if e.Number() != 0 {
			e.SetHalt(s.Request == RequestSetFeature)
		}
		return nil, nil
	default:
		return nil, stall("endpoint request %#02x", s.Request)
	}
}

func (h *Handler) status(v uint16) []byte {
	binary.LittleEndian.PutUint16(h.buf[:], v)
	return h.buf[:2]
}
