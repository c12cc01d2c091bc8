package ehci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// scheduleAttempts bounds how often a chunk is re-targeted after landing
// behind the controller's frame index.
const scheduleAttempts = 4

// isoTransfer is one isochronous request, executed as a sequence of chunks
// of at most half a frame list of iTDs each.
type isoTransfer struct {
	addr      hal.DeviceAddress
	endpoint  uint8
	in        bool
	maxPacket int
	ep        *endpoint

	user    []byte
	buf     *dma.Region
	packets int
	filled  int // IN bytes compacted into user so far

	// refs counts the holders of buf: the runner plus every scheduled iTD.
	refs atomic.Int32

	comp    *Completion
	aborted chan error
	start   time.Time
}

// isoChunk collects the transaction words of a chunk as its iTDs are reaped.
type isoChunk struct {
	first int // first packet index
	pos   map[*itd]int

	mu        sync.Mutex
	words     [][itdTransactions]uint32
	remaining int
	done      chan struct{}
}

// SubmitIsochronous starts an isochronous transfer and returns its future.
func (c *Controller) SubmitIsochronous(ctx context.Context, req IsoRequest) (*Completion, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if req.Endpoint == 0 {
		return nil, fmt.Errorf("%w: isochronous on endpoint 0", pkg.ErrInvalidEndpoint)
	}

	ep, err := c.endpointFor(req.Address, req.Endpoint, req.Direction, hal.TransferIsochronous)
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
	if maxPacket > defaultIsoMaxPacket {
		ep.release()
		return nil, fmt.Errorf("%w: isochronous max packet %d", pkg.ErrInvalidParameter, maxPacket)
	}

	comp := newCompletion()
	if len(req.Data) == 0 {
		ep.release()
		comp.resolve(0, nil)
		return comp, nil
	}

	pages := (len(req.Data) + dma.PageSize - 1) / dma.PageSize
	buf, err := c.plat.Memory.Alloc(pages)
	if err != nil {
		ep.release()
		return nil, fmt.Errorf("%w: transfer buffer: %w", pkg.ErrNoResources, err)
	}

	t := &isoTransfer{
		addr:      req.Address,
		endpoint:  req.Endpoint,
		in:        req.Direction == In,
		maxPacket: maxPacket,
		ep:        ep,
		user:      req.Data,
		buf:       buf,
		packets:   (len(req.Data) + maxPacket - 1) / maxPacket,
		comp:      comp,
		aborted:   make(chan error, 1),
		start:     time.Now(),
	}
	t.refs.Store(1)
	if !t.in {
		copy(buf.Bytes(), req.Data)
	}
	comp.cancel = func(cause error) {
		select {
		case t.aborted <- cause:
		default:
		}
	}

	go c.runIso(t)
	return comp, nil
}

// unref drops one holder of the transfer buffer and frees it with the last.
func (c *Controller) unref(t *isoTransfer) {
	if t.refs.Add(-1) == 0 {
		if err := c.plat.Memory.Free(t.buf); err != nil {
			c.log.Error("transfer buffer free", "error", err)
		}
	}
}

func (c *Controller) runIso(t *isoTransfer) {
	n, err := 0, error(nil)
	defer func() {
		t.ep.release()
		c.unref(t)
		c.m.isochronous.UpdateSince(t.start)
		if err != nil {
			c.m.errors.Inc(1)
		}
		t.comp.resolve(n, err)
	}()

	perITD := itdTransactions
	maxChunk := min(c.cfg.FrameListSize/2, c.itds.capacity())

	for next := 0; next < t.packets; {
		if uerr := c.usable(); uerr != nil {
			err = stoppedError(uerr)
			return
		}
		want := min((t.packets-next+perITD-1)/perITD, maxChunk)
		its, aerr := c.allocITDs(want)
		if aerr != nil {
			err = aerr
			return
		}

		ch := c.fillChunk(t, its, next)
		reap := func(it *itd) {
			ch.collect(it)
			c.unref(t)
		}
		t.refs.Add(int32(len(its)))

		if serr := c.scheduleChunk(its, reap); serr != nil {
			t.refs.Add(-int32(len(its)))
			for _, it := range its {
				_ = c.itds.free(it)
			}
			if uerr := c.usable(); uerr != nil {
				serr = stoppedError(uerr)
			}
			err = serr
			return
		}

		select {
		case <-ch.done:
		case cause := <-t.aborted:
			c.periodic.deactivate(its)
			err = cause
			c.awaitChunk(ch)
			return
		}

		if uerr := c.usable(); uerr != nil {
			err = stoppedError(uerr)
			return
		}

		got, xerr := t.harvest(ch)
		n += got
		if xerr != nil && err == nil {
			err = xerr
		}
		next += len(its) * perITD
	}
}

// allocITDs claims up to n iTDs. It fails only when none is available.
func (c *Controller) allocITDs(n int) ([]ref[itd], error) {
	its := make([]ref[itd], 0, n)
	for range n {
		it, err := c.itds.alloc()
		if err != nil {
			if len(its) == 0 {
				return nil, err
			}
			break
		}
		its = append(its, it)
	}
	return its, nil
}

// scheduleChunk places its on consecutive frames at the earliest safe
// frame, retrying if the controller overtakes the chosen frame.
func (c *Controller) scheduleChunk(its []ref[itd], reap reapFunc) error {
	var err error
	for range scheduleAttempts {
		err = c.periodic.scheduleBatch(its, c.periodic.earliest(), reap)
		if !errors.Is(err, pkg.ErrScheduleTooLate) {
			return err
		}
	}
	return err
}

// awaitChunk waits for deactivated iTDs to be reaped, bounded by the
// doorbell timeout. If they are not, the buffer stays referenced and is
// freed by the last reap.
func (c *Controller) awaitChunk(ch *isoChunk) {
	timer := time.NewTimer(c.cfg.DoorbellTimeout)
	defer timer.Stop()
	select {
	case <-ch.done:
	case <-timer.C:
		c.log.Warn("isochronous cleanup deferred")
	}
}

// fillChunk writes the transactions for packets starting at first into its.
// The last transaction of the chunk interrupts on completion.
func (c *Controller) fillChunk(t *isoTransfer, its []ref[itd], first int) *isoChunk {
	ch := &isoChunk{
		first:     first,
		pos:       make(map[*itd]int, len(its)),
		words:     make([][itdTransactions]uint32, len(its)),
		remaining: len(its),
		done:      make(chan struct{}),
	}

	total := len(t.user)
	base := t.buf.Phys()
	end := base + uint32(total)
	lastPacket := min(first+len(its)*itdTransactions, t.packets) - 1

	for i, it := range its {
		ch.pos[it.virt] = i
		v := it.virt
		p0 := first + i*itdTransactions
		start := base + uint32(p0*t.maxPacket)
		page0 := start &^ pageMask

		for k := range itdBufferPages {
			pg := page0 + uint32(k*pageSize)
			if pg >= end {
				break
			}
			v.Buffer[k] = pg
		}
		v.Buffer[0] |= uint32(t.addr)&qhAddrMask | uint32(t.endpoint&0xF)<<itdEndpointShift
		v.Buffer[1] |= uint32(t.maxPacket) & itdMaxPacketMask
		if t.in {
			v.Buffer[1] |= itdDirIn
		}
		v.Buffer[2] |= 1 & itdMultMask

		for j := range itdTransactions {
			p := p0 + j
			if p >= t.packets {
				break
			}
			off := p * t.maxPacket
			length := min(t.maxPacket, total-off)
			addr := base + uint32(off)
			page := int((addr - page0) >> 12)
			store(&v.Transaction[j], itdTransaction(page, addr&pageMask, length, p == lastPacket))
		}
	}
	return ch
}

func (ch *isoChunk) collect(it *itd) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	i, ok := ch.pos[it]
	if !ok {
		return
	}
	for j := range it.Transaction {
		ch.words[i][j] = load(&it.Transaction[j])
	}
	if ch.remaining--; ch.remaining == 0 {
		close(ch.done)
	}
}

// harvest sums the completed transactions of ch, compacts IN data into the
// caller's buffer and reports the first transaction error.
func (t *isoTransfer) harvest(ch *isoChunk) (int, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	var firstErr error
	n := 0
	src := t.buf.Bytes()
	for i := range ch.words {
		for j, w := range ch.words[i] {
			p := ch.first + i*itdTransactions + j
			if p >= t.packets {
				break
			}
			if w&itdActive != 0 {
				continue
			}
			if w&itdErrMask != 0 {
				if firstErr == nil {
					firstErr = itdError(w)
				}
				continue
			}
			off := p * t.maxPacket
			length := min(t.maxPacket, len(t.user)-off)
			if t.in {
				length = min(itdLength(w), length)
				copy(t.user[t.filled:], src[off:off+length])
				t.filled += length
			}
			n += length
		}
	}
	return n, firstErr
}

func itdError(w uint32) error {
	switch {
	case w&itdBabble != 0:
		return pkg.ErrBabble
	case w&itdBufErr != 0:
		return pkg.ErrDataBuffer
	default:
		return pkg.ErrTransaction
	}
}
