package ehci

import (
	"fmt"
	"slices"
	"sync"
	"time"
	"unsafe"

	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// framePeriod is the duration of one full-speed frame.
const framePeriod = time.Millisecond

// reapFunc receives an iTD after its frame has passed and before its slot is
// returned to the pool. It must not block.
type reapFunc func(it *itd)

// periodicSchedule owns the frame list and the iTD chains hanging from it.
//
// Frame numbers handed to schedule are absolute: the controller's 11-bit
// frame counter extended to 64 bits by accumulating deltas each time the
// frame index is read. The counter is read at least once per frame list
// rollover so no wrap is missed.
type periodicSchedule struct {
	regs *regs
	pool *pool[itd]
	mem  dma.Allocator
	cfg  *Config
	m    *metricSet
	log  pkg.Log

	stopped func() bool

	region *dma.Region
	frames []uint32

	mu      sync.Mutex
	lastRaw uint32
	frame   uint64
	frameOf []uint64
	owner   []reapFunc
	pending map[uint64]int // frame -> iTDs still on it
	count   int
	rearm   *time.Timer
}

func newPeriodicSchedule(g *regs, p *pool[itd], mem dma.Allocator, cfg *Config, m *metricSet, log pkg.Log, stopped func() bool) (*periodicSchedule, error) {
	region, err := mem.Alloc(1)
	if err != nil {
		return nil, fmt.Errorf("frame list: %w", err)
	}

	s := &periodicSchedule{
		regs:    g,
		pool:    p,
		mem:     mem,
		cfg:     cfg,
		m:       m,
		log:     log.With(pkg.ComponentPeriodic),
		stopped: stopped,
		region:  region,
		frames:  unsafe.Slice((*uint32)(region.Pointer()), cfg.FrameListSize),
		frameOf: make([]uint64, p.capacity()),
		owner:   make([]reapFunc, p.capacity()),
		pending: make(map[uint64]int),
	}
	for i := range s.frames {
		store(&s.frames[i], linkTerminate)
	}

	g.write(RegPeriodicBase, region.Phys())
	s.lastRaw = s.rawFrame()
	s.frame = uint64(s.lastRaw)
	return s, nil
}

func (s *periodicSchedule) rawFrame() uint32 {
	return (s.regs.read(RegFrIndex) & frameIndexMask) >> frameIndexUFShift & frameNumberMask
}

// currentLocked advances the extended frame clock. Caller holds s.mu.
func (s *periodicSchedule) currentLocked() uint64 {
	raw := s.rawFrame()
	s.frame += uint64((raw - s.lastRaw) & frameNumberMask)
	s.lastRaw = raw
	return s.frame
}

// current returns the frame the controller is executing.
func (s *periodicSchedule) current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

// earliest returns the first frame schedule would accept right now.
func (s *periodicSchedule) earliest() uint64 {
	return s.current() + uint64(s.cfg.FrameLookahead) + 1
}

// schedule places it on frame. frame must lie beyond the controller's
// current frame plus the lookahead margin and within one frame list length.
func (s *periodicSchedule) schedule(it ref[itd], frame uint64, done reapFunc) error {
	return s.scheduleBatch([]ref[itd]{it}, frame, done)
}

// scheduleBatch places its on consecutive frames starting at first, all or
// none. A halted controller accepts nothing, so drain never misses an iTD.
func (s *periodicSchedule) scheduleBatch(its []ref[itd], first uint64, done reapFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped() {
		return fmt.Errorf("%w: periodic schedule halted", pkg.ErrNotRunning)
	}

	cur := s.currentLocked()
	if first <= cur+uint64(s.cfg.FrameLookahead) {
		s.m.tooLate.Inc(1)
		return fmt.Errorf("%w: frame %d, controller at %d", pkg.ErrScheduleTooLate, first, cur)
	}
	if last := first + uint64(len(its)) - 1; last >= cur+uint64(len(s.frames)) {
		return fmt.Errorf("%w: frame %d beyond frame list window at %d",
			pkg.ErrInvalidParameter, last, cur)
	}

	for i, it := range its {
		f := first + uint64(i)
		slot := &s.frames[f%uint64(len(s.frames))]
		store(&it.virt.Link, load(slot))
		store(slot, it.phys|linkTypeITD)
		s.frameOf[it.index] = f
		s.owner[it.index] = done
		s.pending[f]++
	}
	s.count += len(its)

	if s.regs.read(RegUSBCmd)&CmdPeriodicEn == 0 {
		if err := s.setEnabled(true); err != nil {
			s.log.Warn("periodic enable handshake", "error", err)
		}
	}

	s.log.Debug("itds scheduled", "first", first, "count", len(its), "pending", s.count)
	return nil
}

// setEnabled toggles PSE after PSS agrees with the current command. Caller
// holds s.mu.
func (s *periodicSchedule) setEnabled(on bool) error {
	cur := uint32(0)
	if s.regs.read(RegUSBCmd)&CmdPeriodicEn != 0 {
		cur = StsPeriodic
	}
	if err := s.regs.wait(RegUSBSts, StsPeriodic, cur, s.cfg.HandshakeTimeout); err != nil {
		return err
	}
	if on {
		s.regs.set(RegUSBCmd, CmdPeriodicEn)
	} else {
		s.regs.clear(RegUSBCmd, CmdPeriodicEn)
	}
	return nil
}

type reaped struct {
	it   ref[itd]
	done reapFunc
}

// reapFrame frees every iTD of a passed frame whose transactions are all
// inactive. iTDs still active are left for a later pass.
func (s *periodicSchedule) reapFrame(frame uint64) int {
	s.mu.Lock()
	if frame >= s.currentLocked() {
		s.mu.Unlock()
		return 0
	}
	out := s.reapLocked(frame, false)
	s.idleLocked()
	s.mu.Unlock()

	s.finish(out)
	return len(out)
}

// reapLocked unlinks the finished iTDs of frame. force ignores the active
// bits; it is used once the controller has halted. Caller holds s.mu.
func (s *periodicSchedule) reapLocked(frame uint64, force bool) []reaped {
	var out []reaped
	slot := &s.frames[frame%uint64(len(s.frames))]
	prev := slot
	for link := load(prev); linkValid(link); {
		it, ok := s.pool.lookup(linkAddr(link))
		if !ok {
			s.log.Error("foreign link in frame list", "frame", frame, "link", link)
			break
		}
		next := load(&it.virt.Link)
		if s.frameOf[it.index] == frame && (force || !itdBusy(it.virt)) {
			store(prev, next)
			out = append(out, reaped{it: it, done: s.owner[it.index]})
			s.owner[it.index] = nil
			s.count--
			if s.pending[frame]--; s.pending[frame] == 0 {
				delete(s.pending, frame)
			}
		} else {
			prev = &it.virt.Link
		}
		link = next
	}
	return out
}

func itdBusy(it *itd) bool {
	for i := range it.Transaction {
		if load(&it.Transaction[i])&itdActive != 0 {
			return true
		}
	}
	return false
}

// idleLocked disables the periodic schedule once nothing is pending.
// Caller holds s.mu.
func (s *periodicSchedule) idleLocked() {
	if s.count == 0 && s.regs.read(RegUSBCmd)&CmdPeriodicEn != 0 {
		if err := s.setEnabled(false); err != nil {
			s.log.Warn("periodic disable handshake", "error", err)
		}
	}
}

func (s *periodicSchedule) finish(out []reaped) {
	for _, r := range out {
		if r.done != nil {
			r.done(r.it.virt)
		}
		if err := s.pool.free(r.it); err != nil {
			s.log.Error("reap free", "index", r.it.index, "error", err)
		}
	}
	if len(out) > 0 {
		s.m.reaped.Inc(int64(len(out)))
	}
}

// reapPassed reaps every frame the controller has moved past. If iTDs remain
// on the current frame a re-reap is armed one frame later, since the
// completion interrupt for a frame fires before the frame ends.
func (s *periodicSchedule) reapPassed() {
	s.mu.Lock()
	cur := s.currentLocked()
	var frames []uint64
	waiting := false
	for f := range s.pending {
		if f < cur {
			frames = append(frames, f)
		} else if f == cur {
			waiting = true
		}
	}
	slices.Sort(frames)

	var out []reaped
	for _, f := range frames {
		out = append(out, s.reapLocked(f, false)...)
	}
	for _, f := range frames {
		if s.pending[f] > 0 {
			waiting = true
		}
	}
	s.idleLocked()
	if waiting && s.rearm == nil {
		s.rearm = time.AfterFunc(framePeriod, func() {
			s.mu.Lock()
			s.rearm = nil
			s.mu.Unlock()
			s.reapPassed()
		})
	}
	s.mu.Unlock()

	s.finish(out)
}

// deactivate clears the active bit of every transaction in its so the
// controller skips them; the iTDs are reaped once their frames pass.
func (s *periodicSchedule) deactivate(its []ref[itd]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range its {
		for i := range it.virt.Transaction {
			p := &it.virt.Transaction[i]
			store(p, load(p)&^itdActive)
		}
	}
}

// drain reaps everything regardless of state. It is only valid once the
// controller has halted.
func (s *periodicSchedule) drain() {
	s.mu.Lock()
	frames := make([]uint64, 0, len(s.pending))
	for f := range s.pending {
		frames = append(frames, f)
	}
	slices.Sort(frames)
	var out []reaped
	for _, f := range frames {
		out = append(out, s.reapLocked(f, true)...)
	}
	if s.rearm != nil {
		s.rearm.Stop()
		s.rearm = nil
	}
	s.mu.Unlock()

	s.finish(out)
}

// pendingCount returns the number of iTDs on the frame list.
func (s *periodicSchedule) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *periodicSchedule) close() error {
	s.drain()
	if s.region == nil {
		return nil
	}
	err := s.mem.Free(s.region)
	s.region, s.frames = nil, nil
	return err
}
