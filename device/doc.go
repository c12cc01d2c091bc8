// Package device models the device side of a USB 2.0 function: the
// descriptor tree, the chapter 9 state machine and per-endpoint halt and
// data toggle state.
//
// It carries no transport. A bus model, such as the EHCI simulator in
// [github.com/ardnew/softehci/host/hal/ehci/sim], feeds SETUP packets to a
// [Handler] and data packets to the [Endpoint] records, and turns handler
// errors into STALL handshakes.
//
// A device is assembled with a [Builder]:
//
//	dev, err := device.NewBuilder().
//		WithVendorProduct(0x1209, 0x0001).
//		WithStrings("softehci", "loopback", "").
//		AddConfiguration(1, 0, 50).
//		AddInterface(0, device.ClassVendor, 0, 0).
//		AddEndpoint(0x81, device.EndpointTypeBulk, 512, 0).
//		Build()
package device
