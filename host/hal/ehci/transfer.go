package ehci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// ControlRequest is a control transfer: a SETUP packet and an optional data
// stage whose direction follows Setup.RequestType.
type ControlRequest struct {
	Address hal.DeviceAddress
	Setup   hal.SetupPacket
	Data    []byte

	// MaxPacket overrides the recorded endpoint 0 max packet size.
	MaxPacket uint16
}

// BulkRequest is a bulk transfer on one endpoint.
type BulkRequest struct {
	Address   hal.DeviceAddress
	Endpoint  uint8 // 1-15
	Direction Direction
	Data      []byte
	MaxPacket uint16
}

// IsoRequest is a high-speed isochronous transfer on one endpoint. Data is
// split into one transaction of at most MaxPacket bytes per microframe.
type IsoRequest struct {
	Address   hal.DeviceAddress
	Endpoint  uint8
	Direction Direction
	Data      []byte
	MaxPacket uint16
}

// asyncTransfer is a control or bulk transfer on the async schedule.
type asyncTransfer struct {
	kind  hal.TransferType
	addr  hal.DeviceAddress
	setup hal.SetupPacket
	ep    *endpoint
	in    bool

	qh   ref[qh]
	qtds []ref[qtd]
	size []int // requested bytes per qTD; -1 marks SETUP and STATUS

	buf     *dma.Region
	dataOff int
	user    []byte

	comp  *Completion
	start time.Time
	timer metrics.Timer
}

// splitQTDs returns the byte counts of the qTDs needed to move n bytes
// starting at bus address phys. Every qTD but the last is a whole number of
// packets.
func splitQTDs(phys uint32, n, maxPacket int) []int {
	if n == 0 {
		return []int{0}
	}
	var out []int
	for n > 0 {
		span := maxQTDBytes - int(phys&pageMask)
		if span >= n {
			out = append(out, n)
			break
		}
		span -= span % maxPacket
		out = append(out, span)
		n -= span
		phys += uint32(span)
	}
	return out
}

// packets returns the number of packets needed for n bytes. A zero-length
// transfer is one packet.
func packets(n, maxPacket int) int {
	if n == 0 {
		return 1
	}
	return (n + maxPacket - 1) / maxPacket
}

// allocQTDs claims n qTDs or none.
func (c *Controller) allocQTDs(n int) ([]ref[qtd], error) {
	out := make([]ref[qtd], 0, n)
	for range n {
		q, err := c.qtds.alloc()
		if err != nil {
			c.freeQTDs(out)
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (c *Controller) freeQTDs(qs []ref[qtd]) {
	for _, q := range qs {
		if err := c.qtds.free(q); err != nil {
			c.log.Error("qtd free", "index", q.index, "error", err)
		}
	}
}

// chain links qs in order and terminates the last.
func chain(qs []ref[qtd]) {
	for i, q := range qs {
		if i+1 < len(qs) {
			q.virt.Next = qs[i+1].phys
		} else {
			q.virt.Next = linkTerminate
		}
		q.virt.AltNext = linkTerminate
	}
}

// buildControl lays out SETUP, DATA and STATUS qTDs for t. SETUP carries
// DATA0, the data stage starts at DATA1 and follows packet parity, and the
// zero-length STATUS stage runs opposite to the data stage with DATA1.
func (c *Controller) buildControl(t *asyncTransfer, n, maxPacket int) error {
	setupPhys := t.buf.Phys()
	dataPhys := t.buf.PhysOf(t.dataOff)

	var sizes []int
	if n > 0 {
		sizes = splitQTDs(dataPhys, n, maxPacket)
	}

	qs, err := c.allocQTDs(len(sizes) + 2)
	if err != nil {
		return err
	}
	t.qtds = qs
	t.size = make([]int, len(qs))
	chain(qs)

	cerr := c.cfg.ErrorRetries
	status := qs[len(qs)-1]

	qs[0].virt.setBuffer(setupPhys, hal.SetupPacketSize)
	t.size[0] = -1

	dataPID := pidOut
	if t.in {
		dataPID = pidIn
	}
	toggle := true
	phys := dataPhys
	for i, sz := range sizes {
		q := qs[i+1]
		q.virt.setBuffer(phys, sz)
		if t.in {
			// A short packet skips the rest of the data stage.
			q.virt.AltNext = status.phys
		}
		store(&q.virt.Token, qtdToken(dataPID, sz, toggle, cerr, false))
		t.size[i+1] = sz
		if packets(sz, maxPacket)%2 == 1 {
			toggle = !toggle
		}
		phys += uint32(sz)
	}

	statusPID := pidIn
	if t.in && n > 0 {
		statusPID = pidOut
	}
	t.size[len(qs)-1] = -1
	store(&status.virt.Token, qtdToken(statusPID, 0, true, cerr, true))
	store(&qs[0].virt.Token, qtdToken(pidSetup, hal.SetupPacketSize, false, cerr, false))
	return nil
}

// buildBulk lays out the data qTDs of t starting from the endpoint's
// current toggle. IN qTDs divert to the halt qTD on a short packet so the
// queue stops there.
func (c *Controller) buildBulk(t *asyncTransfer, n, maxPacket int) error {
	dataPhys := t.buf.PhysOf(t.dataOff)
	sizes := splitQTDs(dataPhys, n, maxPacket)

	qs, err := c.allocQTDs(len(sizes))
	if err != nil {
		return err
	}
	t.qtds = qs
	t.size = sizes
	chain(qs)

	pid := pidOut
	if t.in {
		pid = pidIn
	}
	toggle := t.ep.toggle
	phys := dataPhys
	for i, sz := range sizes {
		q := qs[i]
		q.virt.setBuffer(phys, sz)
		if t.in {
			q.virt.AltNext = c.halt.phys
		}
		last := i == len(sizes)-1
		store(&q.virt.Token, qtdToken(pid, sz, toggle, c.cfg.ErrorRetries, last))
		if packets(sz, maxPacket)%2 == 1 {
			toggle = !toggle
		}
		phys += uint32(sz)
	}
	return nil
}

// prepareQH allocates and fills the QH that carries t's chain.
func (c *Controller) prepareQH(t *asyncTransfer, endpoint uint8, maxPacket int) error {
	q, err := c.qhs.alloc()
	if err != nil {
		return err
	}
	v := q.virt
	v.Char = qhCharacteristics(uint8(t.addr), endpoint, uint16(maxPacket), c.cfg.NAKReload)
	v.Caps = qhCapabilities()
	v.Current = 0
	v.Next = t.qtds[0].phys
	v.AltNext = linkTerminate
	store(&v.Token, 0)
	t.qh = q
	return nil
}

// SubmitControl starts a control transfer and returns its future.
func (c *Controller) SubmitControl(ctx context.Context, req ControlRequest) (*Completion, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if len(req.Data) < int(req.Setup.Length) {
		return nil, fmt.Errorf("%w: data %d < wLength %d",
			pkg.ErrBufferTooSmall, len(req.Data), req.Setup.Length)
	}

	ep, err := c.endpointFor(req.Address, 0, Out, hal.TransferControl)
	if err != nil {
		return nil, err
	}
	if err := ep.acquire(ctx); err != nil {
		return nil, err
	}

	maxPacket := int(req.MaxPacket)
	if maxPacket == 0 {
		maxPacket = c.maxPacketOf(ep)
	}
	n := int(req.Setup.Length)

	t := &asyncTransfer{
		kind:    hal.TransferControl,
		addr:    req.Address,
		setup:   req.Setup,
		ep:      ep,
		in:      req.Setup.RequestType&0x80 != 0,
		dataOff: hal.SetupPacketSize,
		user:    req.Data[:n],
		timer:   c.m.control,
	}

	if err := c.allocBuffer(t, hal.SetupPacketSize+n); err != nil {
		ep.release()
		return nil, err
	}
	req.Setup.MarshalTo(t.buf.Bytes())
	if !t.in {
		copy(t.buf.Bytes()[t.dataOff:], t.user)
	}

	if err := c.buildControl(t, n, maxPacket); err != nil {
		c.abandon(t)
		return nil, err
	}
	if err := c.prepareQH(t, 0, maxPacket); err != nil {
		c.abandon(t)
		return nil, err
	}
	return c.submitAsync(t)
}

// SubmitBulk starts a bulk transfer and returns its future.
func (c *Controller) SubmitBulk(ctx context.Context, req BulkRequest) (*Completion, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if req.Endpoint == 0 {
		return nil, fmt.Errorf("%w: bulk on endpoint 0", pkg.ErrInvalidEndpoint)
	}

	ep, err := c.endpointFor(req.Address, req.Endpoint, req.Direction, hal.TransferBulk)
	if err != nil {
		return nil, err
	}
	if err := ep.acquire(ctx); err != nil {
		return nil, err
	}

	maxPacket := int(req.MaxPacket)
	if maxPacket == 0 {
		maxPacket = c.maxPacketOf(ep)
	}

	t := &asyncTransfer{
		kind:  hal.TransferBulk,
		addr:  req.Address,
		ep:    ep,
		in:    req.Direction == In,
		user:  req.Data,
		timer: c.m.bulk,
	}

	if err := c.allocBuffer(t, len(req.Data)); err != nil {
		ep.release()
		return nil, err
	}
	if !t.in {
		copy(t.buf.Bytes(), t.user)
	}

	if err := c.buildBulk(t, len(req.Data), maxPacket); err != nil {
		c.abandon(t)
		return nil, err
	}
	if err := c.prepareQH(t, req.Endpoint, maxPacket); err != nil {
		c.abandon(t)
		return nil, err
	}
	return c.submitAsync(t)
}

func (c *Controller) allocBuffer(t *asyncTransfer, n int) error {
	pages := (n + dma.PageSize - 1) / dma.PageSize
	if pages == 0 {
		pages = 1
	}
	buf, err := c.plat.Memory.Alloc(pages)
	if err != nil {
		return fmt.Errorf("%w: transfer buffer: %w", pkg.ErrNoResources, err)
	}
	t.buf = buf
	return nil
}

// abandon frees everything of a transfer that was never linked.
func (c *Controller) abandon(t *asyncTransfer) {
	if t.qh.valid() {
		_ = c.qhs.free(t.qh)
	}
	c.freeQTDs(t.qtds)
	if t.buf != nil {
		_ = c.plat.Memory.Free(t.buf)
	}
	t.ep.release()
}

// submitAsync registers t as pending and links its QH.
func (c *Controller) submitAsync(t *asyncTransfer) (*Completion, error) {
	t.comp = newCompletion()
	t.comp.cancel = func(cause error) { c.abort(t, cause) }
	t.start = time.Now()

	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		c.abandon(t)
		return nil, err
	}
	c.pending[t] = struct{}{}
	c.mu.Unlock()

	if err := c.async.link(t.qh); err != nil {
		c.mu.Lock()
		delete(c.pending, t)
		c.mu.Unlock()
		c.abandon(t)
		return nil, err
	}
	return t.comp, nil
}

// poll inspects the qTD chain. It reports done once the chain can make no
// further progress.
func (t *asyncTransfer) poll() (bool, error) {
	if t.kind == hal.TransferControl {
		for _, q := range t.qtds {
			if tok := load(&q.virt.Token); tok&tokenHalted != 0 {
				return true, controlError(tokenError(tok))
			}
		}
		status := t.qtds[len(t.qtds)-1]
		return load(&status.virt.Token)&tokenActive == 0, nil
	}

	short := false
	for _, q := range t.qtds {
		tok := load(&q.virt.Token)
		if tok&tokenHalted != 0 {
			return true, tokenError(tok)
		}
		if tok&tokenActive != 0 {
			return short, nil
		}
		if t.in && tokenBytes(tok) > 0 {
			short = true
		}
	}
	return true, nil
}

// tokenError maps the status of a halted qTD to an error.
func tokenError(tok uint32) error {
	switch {
	case tok&tokenBabble != 0:
		return pkg.ErrBabble
	case tok&tokenDataBufErr != 0:
		return pkg.ErrDataBuffer
	case tok&tokenXactErr != 0:
		return pkg.ErrTransaction
	default:
		return pkg.ErrStall
	}
}

func controlError(err error) error {
	if errors.Is(err, pkg.ErrStall) {
		return fmt.Errorf("%w: %w", pkg.ErrProtocol, err)
	}
	return err
}

// actual sums the bytes moved by the retired data qTDs.
func (t *asyncTransfer) actual() int {
	n := 0
	for i, q := range t.qtds {
		if t.size[i] < 0 {
			continue
		}
		tok := load(&q.virt.Token)
		if tok&tokenActive != 0 && tok&tokenHalted == 0 {
			continue
		}
		n += t.size[i] - tokenBytes(tok)
	}
	return n
}

// nextToggle returns the toggle written back by the last retired qTD.
func (t *asyncTransfer) nextToggle() (bool, bool) {
	var tok uint32
	found := false
	for _, q := range t.qtds {
		v := load(&q.virt.Token)
		if v&tokenActive != 0 {
			break
		}
		tok, found = v, true
	}
	return tok&tokenToggle != 0, found
}

// scanTransfers runs on normal and error completion interrupts and retires
// every transfer whose chain has finished.
func (c *Controller) scanTransfers() {
	type finished struct {
		t   *asyncTransfer
		err error
	}

	c.mu.Lock()
	var done []finished
	for t := range c.pending {
		if ok, err := t.poll(); ok {
			delete(c.pending, t)
			done = append(done, finished{t, err})
		}
	}
	c.mu.Unlock()

	// Retiring waits for the doorbell, which this interrupt context delivers.
	for _, f := range done {
		go c.retire(f.t, f.err, false)
	}
}

// abort claims t and retires it with cause. It does nothing if the
// transfer already finished.
func (c *Controller) abort(t *asyncTransfer, cause error) {
	c.mu.Lock()
	_, ok := c.pending[t]
	delete(c.pending, t)
	c.mu.Unlock()
	if ok {
		c.retire(t, cause, true)
	}
}

// retire finishes a claimed transfer: it harvests results, runs the safe
// unlink, returns the descriptors, releases the endpoint and resolves the
// future.
func (c *Controller) retire(t *asyncTransfer, err error, aborted bool) {
	n := 0
	if !aborted {
		n = t.actual()
		if t.in && n > 0 {
			copy(t.user, t.buf.Bytes()[t.dataOff:t.dataOff+n])
		}
		if t.kind == hal.TransferBulk {
			if errors.Is(err, pkg.ErrStall) {
				t.ep.toggle = false
			} else if tg, ok := t.nextToggle(); ok {
				t.ep.toggle = tg
			}
		}
	}

	// The overlay holds the toggle of the last packet exchanged. It is read
	// while the QH is still allocated: in release, or right after a timed-out
	// unlink leaves the QH parked. Only the endpoint holder writes the toggle.
	var (
		overlay     sync.Once
		abortToggle bool
	)
	readOverlay := func() { abortToggle = load(&t.qh.virt.Token)&tokenToggle != 0 }

	release := func() {
		if aborted {
			overlay.Do(readOverlay)
		}
		c.freeQTDs(t.qtds)
		if ferr := c.plat.Memory.Free(t.buf); ferr != nil {
			c.log.Error("transfer buffer free", "error", ferr)
		}
	}

	if uerr := c.async.unlinkSafe(context.Background(), t.qh, release); uerr != nil {
		c.log.Warn("transfer cleanup deferred", "address", t.addr, "error", uerr)
	}
	if aborted && t.kind == hal.TransferBulk {
		overlay.Do(readOverlay)
		t.ep.toggle = abortToggle
	}
	t.ep.release()

	t.timer.UpdateSince(t.start)
	if err != nil {
		c.m.errors.Inc(1)
		c.log.Debug("transfer failed", "type", t.kind, "address", t.addr, "error", err)
	} else if t.kind == hal.TransferControl {
		c.afterControl(t.addr, t.setup)
	}
	t.comp.resolve(n, err)
}

// afterControl mirrors device-side state changes caused by a successful
// standard request.
func (c *Controller) afterControl(addr hal.DeviceAddress, s hal.SetupPacket) {
	if s.RequestType&0x60 != 0 {
		return
	}
	switch s.Request {
	case requestSetAddress:
		c.adopt(addr, hal.DeviceAddress(s.Value&0x7F))
		time.Sleep(setAddressRecovery)
	case requestSetConfiguration, requestSetInterface:
		c.resetToggles(addr)
	case requestClearFeature:
		if s.RequestType&0x1F == recipientEndpoint && s.Value == featureEndpointHalt {
			dir := Out
			if s.Index&0x80 != 0 {
				dir = In
			}
			if num := uint8(s.Index & 0x0F); num != 0 {
				if ep, err := c.endpointFor(addr, num, dir, hal.TransferBulk); err == nil {
					c.resetToggle(ep)
				}
			}
		}
	}
}

// Standard request fields the driver tracks.
const (
	requestClearFeature     = 0x01
	requestSetAddress       = 0x05
	requestSetConfiguration = 0x09
	requestSetInterface     = 0x0B
	recipientEndpoint       = 0x02
	featureEndpointHalt     = 0x00

	// setAddressRecovery is the interval a device may take to switch to a
	// new address.
	setAddressRecovery = 2 * time.Millisecond
)

// Control performs a control transfer and waits for it, bounded by the
// configured transfer timeout. It returns the data-stage byte count.
func (c *Controller) Control(ctx context.Context, req ControlRequest) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)
	defer cancel()

	comp, err := c.SubmitControl(ctx, req)
	if err != nil {
		return 0, err
	}
	return comp.Wait(ctx)
}

// Bulk performs a bulk transfer and waits for it, bounded by the configured
// transfer timeout.
func (c *Controller) Bulk(ctx context.Context, req BulkRequest) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)
	defer cancel()

	comp, err := c.SubmitBulk(ctx, req)
	if err != nil {
		return 0, err
	}
	return comp.Wait(ctx)
}

// Isochronous performs an isochronous transfer and waits for it, bounded
// by the configured transfer timeout.
func (c *Controller) Isochronous(ctx context.Context, req IsoRequest) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)
	defer cancel()

	comp, err := c.SubmitIsochronous(ctx, req)
	if err != nil {
		return 0, err
	}
	return comp.Wait(ctx)
}
