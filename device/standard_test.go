package device

import (
	"errors"
	"testing"

	"github.com/ardnew/softehci/pkg"
)

func getDescriptor(typ, index uint8, length uint16) *SetupPacket {
	return &SetupPacket{
		RequestType: RequestDirectionIn,
		Request:     RequestGetDescriptor,
		Value:       uint16(typ)<<8 | uint16(index),
		Length:      length,
	}
}

func TestHandlerGetDescriptor(t *testing.T) {
	dev := newTestDevice(t)
	h := NewHandler(dev)

	tests := []struct {
		name    string
		setup   *SetupPacket
		wantLen int
		wantErr error
	}{
		{"device", getDescriptor(DescriptorTypeDevice, 0, 64), DeviceDescriptorSize, nil},
		{"device truncated", getDescriptor(DescriptorTypeDevice, 0, 8), 8, nil},
		{"configuration header", getDescriptor(DescriptorTypeConfiguration, 0, 9), 9, nil},
		{"configuration tree", getDescriptor(DescriptorTypeConfiguration, 0, 255), 39, nil},
		{"configuration index", getDescriptor(DescriptorTypeConfiguration, 1, 9), 0, pkg.ErrStall},
		{"languages", getDescriptor(DescriptorTypeString, 0, 255), 4, nil},
		{"product", getDescriptor(DescriptorTypeString, 2, 255), 2 + 2*len("test"), nil},
		{"missing string", getDescriptor(DescriptorTypeString, 7, 255), 0, pkg.ErrStall},
		{"qualifier", getDescriptor(DescriptorTypeDeviceQualifier, 0, 10), 0, pkg.ErrStall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.HandleSetup(tt.setup, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("HandleSetup() error = %v, want %v", err, tt.wantErr)
			}
			if len(out) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(out), tt.wantLen)
			}
		})
	}
}

func TestHandlerEnumeration(t *testing.T) {
	dev := newTestDevice(t)
	h := NewHandler(dev)

	setAddr := &SetupPacket{Request: RequestSetAddress, Value: 5}
	if _, err := h.HandleSetup(setAddr, nil); err != nil {
		t.Fatalf("SET_ADDRESS error = %v", err)
	}
	if dev.Address() != 0 {
		t.Fatal("address applied before status stage")
	}
	if err := h.Complete(setAddr); err != nil {
		t.Fatal(err)
	}
	if dev.Address() != 5 {
		t.Fatalf("Address() = %d", dev.Address())
	}

	getCfg := &SetupPacket{RequestType: RequestDirectionIn, Request: RequestGetConfiguration, Length: 1}
	out, err := h.HandleSetup(getCfg, nil)
	if err != nil || len(out) != 1 || out[0] != 0 {
		t.Fatalf("GET_CONFIGURATION = % x, %v", out, err)
	}

	if _, err := h.HandleSetup(&SetupPacket{Request: RequestSetConfiguration, Value: 3}, nil); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("SET_CONFIGURATION(3) error = %v", err)
	}
	if _, err := h.HandleSetup(&SetupPacket{Request: RequestSetConfiguration, Value: 1}, nil); err != nil {
		t.Fatal(err)
	}
	out, _ = h.HandleSetup(getCfg, nil)
	if out[0] != 1 {
		t.Errorf("configuration = %d", out[0])
	}

	status := &SetupPacket{RequestType: RequestDirectionIn, Request: RequestGetStatus, Length: 2}
	out, _ = h.HandleSetup(status, nil)
	if out[0] != 1 {
		t.Errorf("device status = % x, want self-powered", out)
	}

	if _, err := h.HandleSetup(&SetupPacket{Request: RequestSetAddress, Value: 6}, nil); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("SET_ADDRESS while configured error = %v", err)
	}
}

func TestHandlerEndpointHalt(t *testing.T) {
	dev := newTestDevice(t)
	h := NewHandler(dev)
	if err := dev.SetAddress(1); err != nil {
		t.Fatal(err)
	}
	if err := dev.SetConfiguration(1); err != nil {
		t.Fatal(err)
	}

	ep := dev.Endpoint(0x81)
	ep.Exchange(false)

	setHalt := &SetupPacket{
		RequestType: RequestRecipientEndpoint,
		Request:     RequestSetFeature,
		Value:       FeatureEndpointHalt,
		Index:       0x81,
	}
	if _, err := h.HandleSetup(setHalt, nil); err != nil {
		t.Fatal(err)
	}
	if !ep.Halted() {
		t.Fatal("endpoint not halted")
	}

	getStatus := &SetupPacket{
		RequestType: RequestDirectionIn | RequestRecipientEndpoint,
		Request:     RequestGetStatus,
		Index:       0x81,
		Length:      2,
	}
	out, _ := h.HandleSetup(getStatus, nil)
	if out[0] != 1 {
		t.Errorf("endpoint status = % x", out)
	}

	clearHalt := *setHalt
	clearHalt.Request = RequestClearFeature
	if _, err := h.HandleSetup(&clearHalt, nil); err != nil {
		t.Fatal(err)
	}
	if ep.Halted() || ep.Toggle() {
		t.Errorf("after CLEAR_FEATURE halted=%v toggle=%v", ep.Halted(), ep.Toggle())
	}

	bad := *setHalt
	bad.Index = 0x85
	if _, err := h.HandleSetup(&bad, nil); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("unknown endpoint error = %v", err)
	}
}

func TestHandlerRejects(t *testing.T) {
	dev := newTestDevice(t)
	h := NewHandler(dev)

	tests := []struct {
		name  string
		setup *SetupPacket
	}{
		{"vendor", &SetupPacket{RequestType: RequestTypeVendor, Request: 0x42}},
		{"interface unconfigured", &SetupPacket{RequestType: RequestDirectionIn | RequestRecipientInterface, Request: RequestGetStatus, Length: 2}},
		{"set descriptor", &SetupPacket{Request: RequestSetDescriptor}},
		{"test mode", &SetupPacket{Request: RequestSetFeature, Value: FeatureTestMode}},
		{"other recipient", &SetupPacket{RequestType: 0x03, Request: RequestGetStatus}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.HandleSetup(tt.setup, nil); !errors.Is(err, pkg.ErrStall) {
				t.Errorf("HandleSetup() error = %v, want stall", err)
			}
		})
	}
}
