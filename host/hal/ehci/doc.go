// Package ehci is a register-level driver for USB 2.0 Enhanced Host
// Controller Interface controllers.
//
// A [Controller] owns one controller instance: its register window, the
// DMA-visible descriptor pools, the asynchronous schedule used for control
// and bulk transfers, the periodic frame list used for high-speed
// isochronous transfers, and the root hub ports. Every piece of state lives
// in the instance, so any number of controllers may run side by side.
//
// # Platform
//
// The driver reaches hardware through three collaborators bundled in a
// [Platform]:
//
//   - [Registers], a 32-bit register window ([dma.Window] maps one from a
//     device file);
//   - a [dma.Allocator] handing out page-aligned, physically contiguous
//     memory below 4 GiB;
//   - an optional [InterruptSource] that calls [Controller.HandleInterrupt].
//
// The simulator in [github.com/ardnew/softehci/host/hal/ehci/sim] provides
// the registers and the interrupt source for tests and demos.
//
// # Lifecycle
//
//	c, err := ehci.New(plat, cfg)
//	err = c.Init(ctx)   // halt, reset, build pools and schedules
//	err = c.Start()     // run, route ports, power them
//	...
//	err = c.Stop()      // fail in-flight transfers, halt
//	err = c.Close()     // free everything
//
// # Transfers
//
// [Controller.SubmitControl], [Controller.SubmitBulk] and
// [Controller.SubmitIsochronous] return a [Completion] future. The blocking
// forms ([Controller.Control] and friends, and the [hal.HostHAL] methods)
// wait on it bounded by the configured transfer timeout.
//
// A queue head leaving the async schedule is not reused until the
// controller has acknowledged an async advance doorbell, and concurrent
// unlinks share one doorbell. iTDs are only placed at least
// Config.FrameLookahead frames ahead of the controller and are reclaimed
// once their frame has passed.
//
// # Configuration
//
// [Config] is plain data with YAML tags; [LoadConfig] reads it from a file
// and fills unset fields from [DefaultConfig].
//
// # Metrics
//
// Pool occupancy, doorbells, reclaims, transfer latencies and faults are
// recorded in a go-metrics registry, private by default or shared through
// [WithRegistry].
package ehci
