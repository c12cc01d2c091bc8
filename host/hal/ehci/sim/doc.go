// Package sim is a register-level model of an EHCI host controller.
//
// A [Controller] presents the capability and operational registers through
// Read32 and Write32 and executes the schedules it finds in DMA memory: the
// async ring of queue heads starting at ASYNCLISTADDR and the iTDs hanging
// from the periodic frame list. Each [Controller.Step] is one microframe.
// Interrupts are delivered synchronously to the attached handler at the end
// of a step, outside the model's lock.
//
// Devices are [Function] values attached to root ports with
// [Controller.Connect]. [Loopback] is a ready-made high-speed function built
// on [github.com/ardnew/softehci/device].
//
// The model is deliberately eager: HCRESET, run/stop and schedule enable
// handshakes complete on the register write, and a doorbell is answered at
// the start of the next step unless [Controller.HoldDoorbell] is set.
// Faults are injected per endpoint with SetNAK, SetStall and
// SetTransactionErrors, and globally with InjectHostSystemError.
//
//	mem := dma.NewHeapSpace(0x1000_0000)
//	hc := sim.New(mem, sim.WithPorts(2))
//	drv, _ := ehci.New(ehci.Platform{Registers: hc, Memory: mem, IRQ: hc}, ehci.Config{})
//	go hc.Run(ctx, 100*time.Microsecond)
package sim
