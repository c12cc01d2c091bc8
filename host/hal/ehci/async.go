package ehci

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softehci/pkg"
)

// qhState is the software-only lifecycle state of a queue head.
type qhState uint8

const (
	qhNotLinked qhState = iota
	qhLinked
	qhReclaim
)

func (s qhState) String() string {
	switch s {
	case qhNotLinked:
		return "not-linked"
	case qhLinked:
		return "linked"
	case qhReclaim:
		return "reclaim"
	default:
		return "unknown"
	}
}

// reclaimEntry is a QH waiting for the doorbell plus whatever must be freed
// with it.
type reclaimEntry struct {
	qh      ref[qh]
	release func()
}

// asyncSchedule owns the circular QH list the controller polls for control
// and bulk traffic. The ring, the QH states and the reclaim list are guarded
// by mu, which is never held across a blocking wait.
type asyncSchedule struct {
	regs    *regs
	pool    *pool[qh]
	cfg     *Config
	m       *metricSet
	log     pkg.Log
	stopped func() bool

	mu      sync.Mutex
	head    ref[qh]
	state   []qhState
	linked  int
	reclaim []reclaimEntry
	round   chan struct{} // closed on the next doorbell acknowledgment
	rungAt  time.Time
}

func newAsyncSchedule(g *regs, p *pool[qh], cfg *Config, m *metricSet, log pkg.Log, stopped func() bool) (*asyncSchedule, error) {
	head, err := p.alloc()
	if err != nil {
		return nil, err
	}

	a := &asyncSchedule{
		regs:    g,
		pool:    p,
		cfg:     cfg,
		m:       m,
		log:     log.With(pkg.ComponentAsync),
		stopped: stopped,
		head:    head,
		state:   make([]qhState, p.capacity()),
	}

	// The head is a halted, empty, self-referencing QH flagged as the head
	// of the reclamation list. It is never unlinked.
	h := head.virt
	h.Char = qhCharacteristics(0, 0, 64, 0) | qhHeadOfList
	h.Caps = qhCapabilities()
	h.Next = linkTerminate
	h.AltNext = linkTerminate
	h.Token = tokenHalted
	store(&h.Link, head.phys|linkTypeQH)
	a.state[head.index] = qhLinked

	g.write(RegAsyncListAddr, head.phys)
	return a, nil
}

// link inserts q immediately after the head and enables the schedule if it
// was idle. q must be fully populated; the single store that makes it
// reachable is the last write.
func (a *asyncSchedule) link(q ref[qh]) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if q.index == a.head.index || a.state[q.index] != qhNotLinked {
		return fmt.Errorf("%w: link qh %d in state %s",
			pkg.ErrInvalidState, q.index, a.state[q.index])
	}

	store(&q.virt.Link, load(&a.head.virt.Link))
	store(&a.head.virt.Link, q.phys|linkTypeQH)
	a.state[q.index] = qhLinked
	a.linked++

	if a.regs.read(RegUSBCmd)&CmdAsyncEn == 0 {
		if err := a.setEnabled(true); err != nil {
			a.log.Warn("async enable handshake", "error", err)
		}
	}

	a.log.Debug("qh linked", "index", q.index, "phys", q.phys, "linked", a.linked)
	return nil
}

// setEnabled toggles ASE once ASS agrees with the current command, as the
// controller requires. Caller holds a.mu.
func (a *asyncSchedule) setEnabled(on bool) error {
	cmd := a.regs.read(RegUSBCmd)
	cur := uint32(0)
	if cmd&CmdAsyncEn != 0 {
		cur = StsAsync
	}
	if err := a.regs.wait(RegUSBSts, StsAsync, cur, a.cfg.HandshakeTimeout); err != nil {
		return err
	}
	if on {
		a.regs.set(RegUSBCmd, CmdAsyncEn)
	} else {
		a.regs.clear(RegUSBCmd, CmdAsyncEn)
	}
	return nil
}

// unlinkSafe removes q from the ring and parks it on the reclaim list until
// the controller acknowledges an async advance. release runs just before q
// goes back to the pool.
//
// If a doorbell is already outstanding, q joins the current round and no
// new doorbell is rung. unlinkSafe returns once q has been freed; if the
// acknowledgment does not arrive within the doorbell timeout it returns
// ErrTimeout and q stays parked until a later acknowledgment or until the
// controller halts.
func (a *asyncSchedule) unlinkSafe(ctx context.Context, q ref[qh], release func()) error {
	a.mu.Lock()
	if q.index == a.head.index || a.state[q.index] != qhLinked {
		st := a.state[q.index]
		a.mu.Unlock()
		return fmt.Errorf("%w: unlink qh %d in state %s", pkg.ErrInvalidState, q.index, st)
	}

	prev, ok := a.predecessor(q)
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: qh %d not on async ring", pkg.ErrInvalidState, q.index)
	}

	// q keeps pointing into the ring so a controller holding a cached
	// pointer to it still finds its way back to the head.
	store(&prev.virt.Link, load(&q.virt.Link))
	a.state[q.index] = qhReclaim
	a.linked--
	a.reclaim = append(a.reclaim, reclaimEntry{qh: q, release: release})

	if a.stopped() {
		// A halted controller caches nothing.
		batch := a.takeLocked()
		a.mu.Unlock()
		a.finish(batch)
		return nil
	}

	if a.round == nil || time.Since(a.rungAt) > a.cfg.DoorbellTimeout {
		if a.round == nil {
			a.round = make(chan struct{})
		}
		a.rungAt = time.Now()
		a.regs.set(RegUSBCmd, CmdAsyncDoorbell)
		a.m.doorbells.Inc(1)
		a.log.Debug("doorbell rung", "reclaim", len(a.reclaim))
	}
	round := a.round
	a.mu.Unlock()

	timer := time.NewTimer(a.cfg.DoorbellTimeout)
	defer timer.Stop()

	select {
	case <-round:
		return nil
	case <-timer.C:
		a.log.Warn("doorbell timeout", "index", q.index)
		return fmt.Errorf("%w: async advance doorbell", pkg.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// predecessor walks the ring from the head to the QH linking to q. Caller
// holds a.mu.
func (a *asyncSchedule) predecessor(q ref[qh]) (ref[qh], bool) {
	cur := a.head
	for range a.pool.capacity() {
		next := load(&cur.virt.Link)
		if linkAddr(next) == q.phys {
			return cur, true
		}
		n, ok := a.pool.lookup(linkAddr(next))
		if !ok || n.index == a.head.index {
			return ref[qh]{}, false
		}
		cur = n
	}
	return ref[qh]{}, false
}

// acknowledge handles the async-advance interrupt: every QH on the reclaim
// list returns to NOT_LINKED and to the pool, and the round's waiters wake.
func (a *asyncSchedule) acknowledge() {
	a.mu.Lock()
	if a.round == nil {
		a.mu.Unlock()
		return
	}
	batch := a.takeLocked()
	if a.linked == 0 && len(a.reclaim) == 0 && !a.stopped() {
		if err := a.setEnabled(false); err != nil {
			a.log.Warn("async disable handshake", "error", err)
		}
	}
	a.mu.Unlock()

	a.finish(batch)
}

// drain completes any outstanding round without a doorbell. It is only
// valid once the controller has halted.
func (a *asyncSchedule) drain() {
	a.mu.Lock()
	batch := a.takeLocked()
	a.mu.Unlock()
	a.finish(batch)
}

type reclaimBatch struct {
	entries []reclaimEntry
	round   chan struct{}
}

// takeLocked detaches the reclaim list and the current round. Caller holds
// a.mu.
func (a *asyncSchedule) takeLocked() reclaimBatch {
	b := reclaimBatch{entries: a.reclaim, round: a.round}
	for _, e := range a.reclaim {
		a.state[e.qh.index] = qhNotLinked
	}
	a.reclaim, a.round = nil, nil
	return b
}

func (a *asyncSchedule) finish(b reclaimBatch) {
	for _, e := range b.entries {
		if e.release != nil {
			e.release()
		}
		if err := a.pool.free(e.qh); err != nil {
			a.log.Error("reclaim free", "index", e.qh.index, "error", err)
		}
	}
	if len(b.entries) > 0 {
		a.m.reclaimed.Inc(int64(len(b.entries)))
		a.log.Debug("reclaimed", "count", len(b.entries))
	}
	if b.round != nil {
		close(b.round)
	}
}

// ring returns the pool indexes reachable from the head, in ring order,
// excluding the head.
func (a *asyncSchedule) ring() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []int
	cur := a.head
	for range a.pool.capacity() {
		n, ok := a.pool.lookup(linkAddr(load(&cur.virt.Link)))
		if !ok || n.index == a.head.index {
			break
		}
		out = append(out, n.index)
		cur = n
	}
	return out
}

// stateOf returns the lifecycle state of slot i.
func (a *asyncSchedule) stateOf(i int) qhState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state[i]
}

// counts returns the number of linked and reclaiming QHs, excluding the head.
func (a *asyncSchedule) counts() (linked, reclaiming int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.linked, len(a.reclaim)
}

func (a *asyncSchedule) close() {
	a.drain()
	if a.head.valid() {
		_ = a.pool.free(a.head)
		a.head = ref[qh]{}
	}
}
