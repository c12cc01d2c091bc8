package ehci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rcrowley/go-metrics"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// InterruptSource delivers controller interrupts. The handler is called once
// per interrupt, from any goroutine, and may block briefly.
type InterruptSource interface {
	Attach(handler func()) error
	Detach() error
}

// Platform bundles the collaborators a controller runs on.
type Platform struct {
	Registers Registers
	Memory    dma.Allocator

	// IRQ is optional. Without it the owner calls HandleInterrupt.
	IRQ InterruptSource
}

// Option customizes a Controller.
type Option func(*Controller)

// WithRegistry records metrics in r instead of a private registry.
func WithRegistry(r metrics.Registry) Option {
	return func(c *Controller) { c.registry = r }
}

// WithID sets the instance identifier carried in log lines.
func WithID(id uuid.UUID) Option {
	return func(c *Controller) { c.id = id }
}

type lifecycle uint8

const (
	stateCreated lifecycle = iota
	stateInitialized
	stateRunning
	stateStopped
	stateClosed
)

func (s lifecycle) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateInitialized:
		return "initialized"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Controller drives one EHCI host controller. All state lives in the
// instance; any number of controllers may run side by side.
type Controller struct {
	id       uuid.UUID
	plat     Platform
	cfg      Config
	regs     *regs
	registry metrics.Registry
	m        *metricSet
	log      pkg.Log

	life sync.Mutex // serializes Init, Start, Stop and Close

	mu      sync.Mutex
	state   lifecycle
	pending map[*asyncTransfer]struct{}
	quit    chan struct{}
	faulted atomic.Bool
	faultCh chan struct{} // closed on a host system error

	qhs      *pool[qh]
	qtds     *pool[qtd]
	itds     *pool[itd]
	halt     ref[qtd] // inactive, halted qTD that short bulk IN packets divert to
	async    *asyncSchedule
	periodic *periodicSchedule

	ports     int
	portPower bool
	connectCh chan int
	discCh    chan int

	devMu   sync.Mutex
	devices [maxDeviceAddress + 1]*deviceState
}

var (
	_ hal.HostHAL            = (*Controller)(nil)
	_ hal.EndpointConfigurer = (*Controller)(nil)
)

// New returns a controller for plat. It reads the capability registers but
// does not touch the controller otherwise; call Init next.
func New(plat Platform, cfg Config, opts ...Option) (*Controller, error) {
	if plat.Registers == nil || plat.Memory == nil {
		return nil, fmt.Errorf("%w: platform needs registers and memory", pkg.ErrInvalidParameter)
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	c := &Controller{
		id:      uuid.New(),
		plat:    plat,
		cfg:     cfg,
		pending: make(map[*asyncTransfer]struct{}),
		faultCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = metrics.NewRegistry()
	}
	c.m = newMetricSet(c.registry)
	c.log = pkg.NewLog(pkg.ComponentController, "id", c.id.String())

	c.regs = newRegs(plat.Registers)
	hcs := c.regs.cap(RegHCSParams)
	c.ports = int(hcs & HCSPortsMask)
	c.portPower = hcs&HCSPortPowerCtl != 0
	c.connectCh = make(chan int, max(c.ports, 1))
	c.discCh = make(chan int, max(c.ports, 1))

	c.log.Debug("controller created",
		"version", fmt.Sprintf("%#04x", c.regs.cap(RegCapLength)>>hciVersionShift),
		"ports", c.ports, "portPower", c.portPower)
	return c, nil
}

// ID returns the instance identifier.
func (c *Controller) ID() uuid.UUID { return c.id }

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Registry returns the metrics registry the controller reports to.
func (c *Controller) Registry() metrics.Registry { return c.registry }

// halted reports whether the controller has stopped executing schedules.
func (c *Controller) halted() bool {
	return c.regs.read(RegUSBSts)&StsHalted != 0
}

// Init halts and resets the controller, builds the descriptor pools and both
// schedules, and enables interrupts. The controller stays halted.
func (c *Controller) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}

	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != stateCreated {
		return fmt.Errorf("%w: init in state %s", pkg.ErrInvalidState, st)
	}

	hcc := c.regs.cap(RegHCCParams)
	if c.cfg.FrameListSize != 1024 && hcc&HCCProgFrameList == 0 {
		return fmt.Errorf("%w: frame list size %d on a fixed 1024-entry controller",
			pkg.ErrNotSupported, c.cfg.FrameListSize)
	}

	if err := c.reset(); err != nil {
		return err
	}
	if hcc&HCCAddr64 != 0 {
		// Every structure lives below 4 GiB.
		c.regs.write(RegCtrlDSSegment, 0)
	}

	if err := c.build(); err != nil {
		c.teardown()
		return err
	}

	c.regs.write(RegUSBSts, StsIntrMask)
	c.regs.write(RegUSBIntr, StsIntrMask)

	if c.plat.IRQ != nil {
		if err := c.plat.IRQ.Attach(c.HandleInterrupt); err != nil {
			c.regs.write(RegUSBIntr, 0)
			c.teardown()
			return fmt.Errorf("attach interrupt: %w", err)
		}
	}

	c.mu.Lock()
	c.state = stateInitialized
	c.mu.Unlock()

	c.log.Info("controller initialized",
		"frameList", c.cfg.FrameListSize,
		"qh", c.cfg.QHPoolSize, "qtd", c.cfg.QTDPoolSize, "itd", c.cfg.ITDPoolSize)
	return nil
}

// reset halts the controller and runs the HCRESET handshake.
func (c *Controller) reset() error {
	c.regs.clear(RegUSBCmd, CmdRun)
	if err := c.regs.wait(RegUSBSts, StsHalted, StsHalted, c.cfg.HandshakeTimeout); err != nil {
		return fmt.Errorf("halt: %w", err)
	}
	c.regs.set(RegUSBCmd, CmdReset)
	if err := c.regs.wait(RegUSBCmd, CmdReset, 0, c.cfg.HandshakeTimeout); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// build allocates the pools, the halt qTD and both schedules.
func (c *Controller) build() error {
	var err error
	if c.qhs, err = newPool[qh](kindQH, c.plat.Memory, c.cfg.QHPoolSize, c.m, c.log); err != nil {
		return err
	}
	if c.qtds, err = newPool[qtd](kindQTD, c.plat.Memory, c.cfg.QTDPoolSize, c.m, c.log); err != nil {
		return err
	}
	if c.itds, err = newPool[itd](kindITD, c.plat.Memory, c.cfg.ITDPoolSize, c.m, c.log); err != nil {
		return err
	}

	if c.halt, err = c.qtds.alloc(); err != nil {
		return err
	}
	c.halt.virt.Next = linkTerminate
	c.halt.virt.AltNext = linkTerminate
	store(&c.halt.virt.Token, tokenHalted)

	if c.async, err = newAsyncSchedule(c.regs, c.qhs, &c.cfg, c.m, c.log, c.halted); err != nil {
		return err
	}
	if c.periodic, err = newPeriodicSchedule(c.regs, c.itds, c.plat.Memory, &c.cfg, c.m, c.log, c.halted); err != nil {
		return err
	}
	return nil
}

// teardown returns everything build acquired. It tolerates a partial build.
func (c *Controller) teardown() {
	var errs []error
	if c.periodic != nil {
		errs = append(errs, c.periodic.close())
		c.periodic = nil
	}
	if c.async != nil {
		c.async.close()
		c.async = nil
	}
	if c.qtds != nil && c.halt.valid() {
		errs = append(errs, c.qtds.free(c.halt))
		c.halt = ref[qtd]{}
	}
	if c.itds != nil {
		errs = append(errs, c.itds.close())
	}
	if c.qtds != nil {
		errs = append(errs, c.qtds.close())
	}
	if c.qhs != nil {
		errs = append(errs, c.qhs.close())
	}
	c.itds, c.qtds, c.qhs = nil, nil, nil
	if err := errors.Join(errs...); err != nil {
		c.log.Error("teardown", "error", err)
	}
}

// Start sets the interrupt threshold and frame list size, runs the
// controller, routes every port to it and powers the ports.
func (c *Controller) Start() error {
	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	switch {
	case c.faulted.Load():
		return pkg.ErrControllerFault
	case st == stateRunning:
		return pkg.ErrAlreadyRunning
	case st != stateInitialized && st != stateStopped:
		return fmt.Errorf("%w: start in state %s", pkg.ErrInvalidState, st)
	}

	cmd := uint32(c.cfg.InterruptThreshold)<<CmdITCShift&CmdITCMask |
		c.cfg.frameListBits() |
		CmdRun
	c.regs.write(RegUSBCmd, cmd)
	if err := c.regs.wait(RegUSBSts, StsHalted, 0, c.cfg.HandshakeTimeout); err != nil {
		c.regs.clear(RegUSBCmd, CmdRun)
		return fmt.Errorf("run: %w", err)
	}
	c.regs.write(RegConfigFlag, 1)

	if c.portPower {
		for p := 1; p <= c.ports; p++ {
			c.regs.modifyPort(p, PortPower, 0, 0)
		}
	}

	c.mu.Lock()
	c.state = stateRunning
	c.quit = make(chan struct{})
	c.mu.Unlock()

	// Devices already attached never raise a connect change.
	for p := 1; p <= c.ports; p++ {
		if c.regs.port(p)&PortConnect != 0 {
			c.notify(c.connectCh, p)
		}
	}

	c.log.Info("controller running", "ports", c.ports)
	return nil
}

// Stop halts the controller and fails every in-flight transfer with
// ErrCancelled. Descriptors are returned to their pools before Stop returns.
func (c *Controller) Stop() error {
	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return nil
	}
	c.state = stateStopped
	close(c.quit)
	c.mu.Unlock()

	c.regs.clear(RegUSBCmd, CmdRun)
	if err := c.regs.wait(RegUSBSts, StsHalted, StsHalted, c.cfg.HandshakeTimeout); err != nil {
		c.log.Warn("halt on stop", "error", err)
	}

	c.failPending(pkg.ErrCancelled, true)
	c.async.drain()
	c.periodic.drain()

	c.log.Info("controller stopped")
	return nil
}

// Close stops the controller, detaches its interrupt and frees every pool.
func (c *Controller) Close() error {
	if err := c.Stop(); err != nil {
		return err
	}

	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	st := c.state
	c.state = stateClosed
	c.mu.Unlock()
	if st == stateClosed {
		return nil
	}

	var err error
	if st != stateCreated {
		c.regs.write(RegUSBIntr, 0)
		if c.plat.IRQ != nil {
			err = c.plat.IRQ.Detach()
		}
		c.teardown()
	}
	c.log.Debug("controller closed")
	return err
}

// failPending claims every pending async transfer and retires it with
// cause. With wait set it returns once they have all resolved.
func (c *Controller) failPending(cause error, wait bool) {
	c.mu.Lock()
	ts := make([]*asyncTransfer, 0, len(c.pending))
	for t := range c.pending {
		ts = append(ts, t)
		delete(c.pending, t)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range ts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.retire(t, cause, true)
		}()
	}
	if wait {
		wg.Wait()
	}
}

// HandleInterrupt acknowledges and dispatches the pending interrupt causes.
// It is the handler attached to the platform's IRQ.
func (c *Controller) HandleInterrupt() {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == stateCreated || st == stateClosed {
		return
	}

	sts := c.regs.read(RegUSBSts) & c.regs.read(RegUSBIntr) & StsIntrMask
	if sts == 0 {
		return
	}
	c.regs.write(RegUSBSts, sts)
	c.m.interrupts.Inc(1)

	if sts&StsHostError != 0 {
		c.fault()
		return
	}
	if sts&StsFrameRollover != 0 {
		c.periodic.current()
	}
	if sts&StsAsyncAdvance != 0 {
		c.async.acknowledge()
	}
	if sts&(StsInt|StsErr) != 0 {
		c.scanTransfers()
	}
	if sts&(StsInt|StsErr|StsFrameRollover) != 0 {
		c.periodic.reapPassed()
	}
	if sts&StsPortChange != 0 {
		c.portChange()
	}
}

// fault handles a host system error. The controller has halted itself; the
// instance stays unusable until it is closed.
func (c *Controller) fault() {
	if c.faulted.Swap(true) {
		return
	}
	close(c.faultCh)
	c.m.faults.Inc(1)
	c.log.Error("host system error", "status", c.regs.read(RegUSBSts))

	c.regs.clear(RegUSBCmd, CmdRun)
	c.failPending(pkg.ErrControllerFault, false)
	c.async.drain()
	c.periodic.drain()
}

// Faulted reports whether the controller has signalled a host system error.
func (c *Controller) Faulted() bool { return c.faulted.Load() }

func (c *Controller) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usableLocked()
}

func (c *Controller) usableLocked() error {
	if c.faulted.Load() {
		return pkg.ErrControllerFault
	}
	if c.state != stateRunning {
		return pkg.ErrNotRunning
	}
	return nil
}

// stoppedError reports a transfer cut short by Stop as cancelled.
func stoppedError(err error) error {
	if errors.Is(err, pkg.ErrNotRunning) {
		return pkg.ErrCancelled
	}
	return err
}

// Stats is a point-in-time snapshot of descriptor usage.
type Stats struct {
	QHInUse     int // including the async head
	QTDInUse    int // including the halt qTD
	ITDInUse    int
	LinkedQHs   int
	Reclaiming  int
	PendingITDs int
	Doorbells   int64
	Faulted     bool
}

// Stats returns current descriptor usage. It is zero before Init.
func (c *Controller) Stats() Stats {
	c.life.Lock()
	defer c.life.Unlock()

	s := Stats{Doorbells: c.m.doorbells.Count(), Faulted: c.faulted.Load()}
	if c.qhs == nil {
		return s
	}
	s.QHInUse = c.qhs.inUse()
	s.QTDInUse = c.qtds.inUse()
	s.ITDInUse = c.itds.inUse()
	s.LinkedQHs, s.Reclaiming = c.async.counts()
	s.PendingITDs = c.periodic.pendingCount()
	return s
}

// ControlTransfer implements [hal.HostHAL].
func (c *Controller) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if setup == nil {
		return 0, fmt.Errorf("%w: nil setup packet", pkg.ErrInvalidParameter)
	}
	return c.Control(ctx, ControlRequest{Address: addr, Setup: *setup, Data: data})
}

// BulkTransfer implements [hal.HostHAL]. Bit 7 of endpoint selects IN.
func (c *Controller) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return c.Bulk(ctx, BulkRequest{
		Address:   addr,
		Endpoint:  endpoint & 0x0F,
		Direction: directionOf(endpoint),
		Data:      data,
	})
}

// InterruptTransfer implements [hal.HostHAL]. Interrupt endpoints need a
// periodic QH tree, which this driver does not build.
func (c *Controller) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return 0, fmt.Errorf("%w: interrupt transfers", pkg.ErrNotSupported)
}

// IsochronousTransfer implements [hal.HostHAL]. Bit 7 of endpoint selects IN.
func (c *Controller) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return c.Isochronous(ctx, IsoRequest{
		Address:   addr,
		Endpoint:  endpoint & 0x0F,
		Direction: directionOf(endpoint),
		Data:      data,
	})
}

func directionOf(endpoint uint8) Direction {
	if endpoint&0x80 != 0 {
		return In
	}
	return Out
}

// SetDeviceAddress implements [hal.HostHAL]. The endpoint 0 settings of
// address 0 follow the device to newAddr.
func (c *Controller) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	if newAddr == 0 || newAddr > maxDeviceAddress {
		return fmt.Errorf("%w: device address %d", pkg.ErrInvalidParameter, newAddr)
	}
	_, err := c.Control(ctx, ControlRequest{
		Address: 0,
		Setup: hal.SetupPacket{
			Request: requestSetAddress,
			Value:   uint16(newAddr),
		},
	})
	return err
}

// ClaimInterface implements [hal.HostHAL]. A register-level driver has no
// kernel to arbitrate interfaces with.
func (c *Controller) ClaimInterface(addr hal.DeviceAddress, iface uint8) error { return nil }

// ReleaseInterface implements [hal.HostHAL].
func (c *Controller) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error { return nil }
