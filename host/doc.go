// Package host is a USB 2.0 host stack over any [hal.HostHAL].
//
// The stack owns protocol logic: it watches the root hub for connections,
// enumerates each device (reset, GET_DESCRIPTOR, SET_ADDRESS, configuration
// tree, strings, SET_CONFIGURATION) and hands out a [Device] for transfers.
// The HAL owns the controller. The register-level EHCI driver in
// [github.com/ardnew/softehci/host/hal/ehci] is one such HAL; it also
// implements [hal.EndpointConfigurer], so every endpoint discovered during
// enumeration is reported to it and its state is dropped on detach.
//
// # Example
//
//	h := host.New(ctrl)
//	if err := h.Start(ctx); err != nil {
//	    return err
//	}
//	defer h.Stop()
//
//	dev, err := h.WaitDevice(ctx)
//	if err != nil {
//	    return err
//	}
//	n, err := dev.BulkTransfer(ctx, 0x01, payload)
//
// [TransferManager] queues transfers on a pool of workers and reports each
// outcome through a callback, for callers that keep several endpoints busy
// at once.
package host
