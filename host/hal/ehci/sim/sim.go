package sim

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// defaultBudget is the number of async transactions executed per
// microframe.
const defaultBudget = 64

// Option customizes a Controller.
type Option func(*Controller)

// WithPorts sets the number of root ports (1-15).
func WithPorts(n int) Option {
	return func(s *Controller) { s.ports = make([]port, min(max(n, 1), 15)) }
}

// WithPortPower advertises per-port power switching.
func WithPortPower(on bool) Option {
	return func(s *Controller) { s.ppc = on }
}

// WithAddr64 advertises 64-bit addressing.
func WithAddr64(on bool) Option {
	return func(s *Controller) { s.addr64 = on }
}

// WithFixedFrameList reports a controller whose frame list is always 1024
// entries.
func WithFixedFrameList() Option {
	return func(s *Controller) { s.fixedFL = true }
}

// WithBudget sets the async transactions executed per microframe.
func WithBudget(n int) Option {
	return func(s *Controller) { s.budget = max(n, 1) }
}

type port struct {
	sc    uint32
	fn    Function
	speed hal.Speed
}

type epKey struct {
	addr, ep uint8
}

// Controller is a register-level EHCI model. It executes the async and
// periodic schedules it finds in mem one microframe per Step, the way a
// controller would, and raises interrupts through the attached handler.
//
// It implements the driver's register window and interrupt source.
type Controller struct {
	mem dma.Allocator
	log pkg.Log

	mu      sync.Mutex
	ports   []port
	ppc     bool
	addr64  bool
	fixedFL bool
	budget  int

	cmd, sts, intr, frindex uint32
	ctrlDS, periodic, async uint32
	configFlag              uint32

	doorbell     bool
	holdDoorbell bool
	doorbells    int
	frozen       bool
	handler      func()

	packets []Packet
	naks    int
	nak     map[epKey]int
	stall   map[epKey]bool
	xact    map[epKey]int
}

// New returns a halted controller that reaches descriptors and buffers
// through mem.
func New(mem dma.Allocator, opts ...Option) *Controller {
	s := &Controller{
		mem:    mem,
		log:    pkg.NewLog(pkg.ComponentSim),
		ports:  make([]port, 1),
		budget: defaultBudget,
		nak:    make(map[epKey]int),
		stall:  make(map[epKey]bool),
		xact:   make(map[epKey]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resetLocked()
	return s
}

// resetLocked is the HCRESET state. Caller holds s.mu.
func (s *Controller) resetLocked() {
	s.cmd = 8 << 16 // default interrupt threshold
	s.sts = stsHalted
	s.intr, s.frindex, s.ctrlDS, s.periodic, s.async, s.configFlag = 0, 0, 0, 0, 0, 0
	s.doorbell = false
	for i := range s.ports {
		p := &s.ports[i]
		p.sc &= portConnect | portLineMask
		if !s.ppc {
			p.sc |= portPower
		}
		p.sc |= portOwner
	}
}

// Read32 implements the driver's register window.
func (s *Controller) Read32(off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch off {
	case regCapLength:
		return capLength | hciVersion<<16
	case regHCSParams:
		v := uint32(len(s.ports))
		if s.ppc {
			v |= hcsPortPower
		}
		return v
	case regHCCParams:
		var v uint32
		if !s.fixedFL {
			v |= hccProgFL
		}
		if s.addr64 {
			v |= hccAddr64
		}
		return v
	}
	if off < capLength {
		return 0
	}

	switch op := off - capLength; {
	case op == regUSBCmd:
		return s.cmd
	case op == regUSBSts:
		return s.sts
	case op == regUSBIntr:
		return s.intr
	case op == regFrIndex:
		return s.frindex
	case op == regCtrlDS:
		return s.ctrlDS
	case op == regPeriodic:
		return s.periodic
	case op == regAsyncList:
		return s.async
	case op == regConfigFlag:
		return s.configFlag
	case op >= regPortSC && op < regPortSC+4*uint32(len(s.ports)):
		return s.ports[(op-regPortSC)/4].sc
	}
	return 0
}

// Write32 implements the driver's register window. Handshakes the driver
// waits on (reset, run/stop, schedule enables) complete immediately.
func (s *Controller) Write32(off, v uint32) {
	if off < capLength {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op := off - capLength; {
	case op == regUSBCmd:
		s.writeCmd(v)
	case op == regUSBSts:
		s.sts &^= v & stsW1C
	case op == regUSBIntr:
		s.intr = v & stsW1C
	case op == regFrIndex:
		if s.sts&stsHalted != 0 {
			s.frindex = v & frIndexMask
		}
	case op == regCtrlDS:
		s.ctrlDS = v
	case op == regPeriodic:
		s.periodic = v &^ (pageSize - 1)
	case op == regAsyncList:
		s.async = v & linkAddrMask
	case op == regConfigFlag:
		s.configFlag = v & 1
		if s.configFlag != 0 {
			for i := range s.ports {
				s.ports[i].sc &^= portOwner
			}
		}
	case op >= regPortSC && op < regPortSC+4*uint32(len(s.ports)):
		s.writePort(int((op-regPortSC)/4), v)
	}
}

func (s *Controller) writeCmd(v uint32) {
	if v&cmdReset != 0 {
		s.resetLocked()
		return
	}
	if v&cmdIAAD != 0 && !s.doorbell {
		s.doorbell = true
		s.doorbells++
	}
	if !s.doorbell {
		v &^= cmdIAAD
	}
	if s.sts&stsHSE != 0 {
		v &^= cmdRun
	}
	s.cmd = v

	if v&cmdRun != 0 {
		s.sts &^= stsHalted
	} else {
		s.sts |= stsHalted
	}
	s.mirror(cmdASE, stsASS)
	s.mirror(cmdPSE, stsPSS)
}

func (s *Controller) mirror(cmd, sts uint32) {
	if s.cmd&cmd != 0 {
		s.sts |= sts
	} else {
		s.sts &^= sts
	}
}

func (s *Controller) writePort(i int, v uint32) {
	p := &s.ports[i]
	old := p.sc
	p.sc &^= v & portChangeW1C

	if s.ppc {
		p.sc = p.sc&^portPower | v&portPower
	}

	if v&portOwner != 0 && old&portOwner == 0 {
		p.sc = p.sc&^(portConnect|portEnable|portLineMask) | portOwner
		p.fn = nil
		s.log.Debug("port handed off", "port", i+1)
		return
	}
	if v&portOwner == 0 {
		p.sc &^= portOwner
	}

	if v&portEnable == 0 {
		p.sc &^= portEnable
	}

	switch {
	case v&portReset != 0 && old&portReset == 0:
		p.sc = p.sc&^portEnable | portReset
		if p.fn != nil {
			p.fn.Reset()
		}
	case v&portReset == 0 && old&portReset != 0:
		p.sc &^= portReset
		if p.sc&portConnect != 0 && p.speed == hal.SpeedHigh {
			p.sc = p.sc&^portLineMask | portEnable
		}
	}
}

// Attach implements the driver's interrupt source.
func (s *Controller) Attach(handler func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != nil {
		return fmt.Errorf("%w: interrupt handler attached", pkg.ErrInvalidState)
	}
	s.handler = handler
	return nil
}

// Detach implements the driver's interrupt source.
func (s *Controller) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = nil
	return nil
}

// pendingLocked returns the handler if an enabled cause is pending.
func (s *Controller) pendingLocked() func() {
	if s.sts&s.intr&stsW1C == 0 {
		return nil
	}
	return s.handler
}

// raise delivers the interrupt outside the lock.
func (s *Controller) raise(h func()) {
	if h != nil {
		h()
	}
}

// Step executes one microframe: it answers a pending doorbell, runs the
// periodic and async schedules, advances FRINDEX and raises the interrupt
// if an enabled cause is pending.
func (s *Controller) Step() {
	s.mu.Lock()
	if s.sts&stsHalted == 0 && !s.frozen {
		s.stepLocked()
	}
	h := s.pendingLocked()
	s.mu.Unlock()
	s.raise(h)
}

func (s *Controller) stepLocked() {
	if s.doorbell && !s.holdDoorbell {
		s.doorbell = false
		s.cmd &^= cmdIAAD
		s.sts |= stsIAA
	}
	if s.cmd&cmdPSE != 0 {
		s.runPeriodic()
	}
	if s.cmd&cmdASE != 0 && s.sts&stsHalted == 0 {
		s.runAsync()
	}

	s.frindex = (s.frindex + 1) & frIndexMask
	if s.frindex&uint32(s.frameListSize()*8-1) == 0 {
		s.sts |= stsFLR
	}
}

func (s *Controller) frameListSize() int {
	switch (s.cmd & cmdFLSMask) >> cmdFLSShift {
	case 1:
		return 512
	case 2:
		return 256
	default:
		return 1024
	}
}

// Run steps the controller one frame (eight microframes) per period until
// ctx ends.
func (s *Controller) Run(ctx context.Context, period time.Duration) error {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			for range 8 {
				s.Step()
			}
		}
	}
}

// hostError halts the controller with a host system error. Caller holds
// s.mu.
func (s *Controller) hostError(reason string, args ...any) {
	s.log.Error("host system error: "+reason, args...)
	s.sts |= stsHSE | stsHalted
	s.cmd &^= cmdRun
}

// word maps a bus address to a descriptor word.
func (s *Controller) word(phys uint32) *uint32 {
	p, ok := s.mem.Virt(phys)
	if !ok {
		return nil
	}
	return (*uint32)(p)
}

// span maps n bytes at phys. The range must not cross a page.
func (s *Controller) span(phys uint32, n int) []byte {
	if n == 0 {
		return nil
	}
	p, ok := s.mem.Virt(phys)
	if !ok {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}

// functionAt returns the function answering addr on an enabled port.
func (s *Controller) functionAt(addr uint8) Function {
	for i := range s.ports {
		p := &s.ports[i]
		if p.fn != nil && p.sc&portEnable != 0 && p.fn.Address() == addr {
			return p.fn
		}
	}
	return nil
}

func (s *Controller) logPacket(p Packet) {
	p.Frame = s.frindex
	s.packets = append(s.packets, p)
}

// Connect attaches fn to port (1-based) at speed and signals a connect
// change.
func (s *Controller) Connect(port int, fn Function, speed hal.Speed) error {
	s.mu.Lock()
	if port < 1 || port > len(s.ports) {
		s.mu.Unlock()
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	p := &s.ports[port-1]
	p.fn, p.speed = fn, speed
	line := uint32(portLineJ)
	if speed == hal.SpeedLow {
		line = portLineK
	}
	p.sc = p.sc&^(portLineMask|portOwner) | portConnect | portCSC | line
	s.sts |= stsPCD
	h := s.pendingLocked()
	s.mu.Unlock()

	s.log.Debug("device connected", "port", port, "speed", speed)
	s.raise(h)
	return nil
}

// Disconnect detaches whatever is on port.
func (s *Controller) Disconnect(port int) error {
	s.mu.Lock()
	if port < 1 || port > len(s.ports) {
		s.mu.Unlock()
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	p := &s.ports[port-1]
	if p.sc&portEnable != 0 {
		p.sc |= portPEC
	}
	p.sc = p.sc&^(portConnect|portEnable|portLineMask) | portCSC
	p.fn = nil
	s.sts |= stsPCD
	h := s.pendingLocked()
	s.mu.Unlock()

	s.raise(h)
	return nil
}

// InjectHostSystemError halts the controller as if a DMA access failed.
func (s *Controller) InjectHostSystemError() {
	s.mu.Lock()
	s.hostError("injected")
	h := s.pendingLocked()
	s.mu.Unlock()
	s.raise(h)
}

// SetNAK makes the next n transactions to (addr, ep) NAK. ep carries the
// direction bit for IN.
func (s *Controller) SetNAK(addr, ep uint8, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nak[epKey{addr, ep}] = n
}

// SetStall makes every transaction to (addr, ep) STALL while on is set.
func (s *Controller) SetStall(addr, ep uint8, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.stall[epKey{addr, ep}] = true
	} else {
		delete(s.stall, epKey{addr, ep})
	}
}

// SetTransactionErrors makes the next n transactions to (addr, ep) fail
// with a transaction error.
func (s *Controller) SetTransactionErrors(addr, ep uint8, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xact[epKey{addr, ep}] = n
}

// Freeze stops all schedule execution and doorbell answers until Thaw.
// FRINDEX stands still.
func (s *Controller) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

// Thaw undoes Freeze.
func (s *Controller) Thaw() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = false
}

// HoldDoorbell withholds the async advance acknowledgment while on is set.
func (s *Controller) HoldDoorbell(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdDoorbell = on
}

// Doorbells returns how many async advance doorbells have been rung.
func (s *Controller) Doorbells() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doorbells
}

// DoorbellPending reports a rung doorbell not yet acknowledged.
func (s *Controller) DoorbellPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doorbell
}

// FrameIndex returns FRINDEX.
func (s *Controller) FrameIndex() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frindex
}

// SetFrameIndex moves FRINDEX regardless of the run state.
func (s *Controller) SetFrameIndex(v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frindex = v & frIndexMask
}

// Packets returns a copy of the transaction log.
func (s *Controller) Packets() []Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Packet(nil), s.packets...)
}

// ResetPackets clears the transaction log and the NAK count.
func (s *Controller) ResetPackets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets, s.naks = nil, 0
}

// NAKs returns the number of NAKed transactions since the last
// ResetPackets.
func (s *Controller) NAKs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.naks
}
