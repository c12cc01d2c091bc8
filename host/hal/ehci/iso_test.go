package ehci

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softehci/pkg"
)

func TestIsoOut(t *testing.T) {
	h := newHarness(t, testConfig())
	lb := h.attach(t)

	start := h.hc.FrameIndex() >> 3
	data := pattern(24*1024, 5)
	n, err := h.c.IsochronousTransfer(context.Background(), testAddr, 0x02, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, lb.IsoReceived())

	pkts := h.packetsOn(testAddr, 0x02)
	require.Len(t, pkts, 24)
	lookahead := uint32(h.c.Config().FrameLookahead)
	for i, p := range pkts {
		assert.Equal(t, 1024, p.Len)
		assert.Equal(t, uint32(i%8), p.Frame&7, "one transaction per microframe")
		delta := (p.Frame>>3 - start) & frameNumberMask
		assert.Greater(t, delta, lookahead, "packet %d ran inside the lookahead window", i)
	}
	h.settled(t)
}

func TestIsoIn(t *testing.T) {
	h := newHarness(t, testConfig())
	h.attach(t)

	buf := make([]byte, 2*1024+100)
	n, err := h.c.IsochronousTransfer(context.Background(), testAddr, 0x82, buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	for i := range n {
		if buf[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, buf[i], byte(i))
		}
	}
	h.settled(t)
}

func TestIsoRequestErrors(t *testing.T) {
	h := newHarness(t, testConfig())
	h.attach(t)
	ctx := context.Background()

	_, err := h.c.Isochronous(ctx, IsoRequest{Address: testAddr, Endpoint: 0, Data: make([]byte, 8)})
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)

	_, err = h.c.Isochronous(ctx, IsoRequest{
		Address: testAddr, Endpoint: 2, Data: make([]byte, 8), MaxPacket: 2048,
	})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	n, err := h.c.Isochronous(ctx, IsoRequest{Address: testAddr, Endpoint: 2})
	require.NoError(t, err)
	assert.Zero(t, n)
	h.settled(t)
}

func TestPeriodicScheduleWindow(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.c.periodic

	h.hc.Freeze()
	cur := s.current()
	lookahead := uint64(h.c.Config().FrameLookahead)

	it, err := h.c.itds.alloc()
	require.NoError(t, err)

	assert.ErrorIs(t, s.schedule(it, cur, nil), pkg.ErrScheduleTooLate)
	assert.ErrorIs(t, s.schedule(it, cur+lookahead, nil), pkg.ErrScheduleTooLate)
	assert.ErrorIs(t, s.schedule(it, cur+uint64(h.c.Config().FrameListSize), nil), pkg.ErrInvalidParameter)
	assert.Zero(t, s.pendingCount(), "rejected schedules place nothing")

	var reaped atomic.Bool
	require.NoError(t, s.schedule(it, s.earliest(), func(*itd) { reaped.Store(true) }))
	assert.Equal(t, 1, s.pendingCount())
	assert.Equal(t, 0, s.reapFrame(s.earliest()-1), "frame has not passed")

	h.hc.Thaw()
	require.Eventually(t, func() bool {
		s.reapPassed()
		return reaped.Load()
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, s.pendingCount())
	assert.False(t, h.c.itds.allocated(it.index))
	h.settled(t)
}

func TestPeriodicFrameClock(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.c.periodic

	h.hc.Freeze()
	before := s.current()
	h.hc.SetFrameIndex(h.hc.FrameIndex() + 8*(frameNumberMask+1) - 8)
	assert.Equal(t, before+uint64(frameNumberMask), s.current(), "frame counter extends across the wrap")
	h.hc.SetFrameIndex(h.hc.FrameIndex() + 16)
	assert.Equal(t, before+uint64(frameNumberMask)+2, s.current())
	h.hc.Thaw()
}

func TestPeriodicReapLeavesActive(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.c.periodic

	h.hc.Freeze()
	it, err := h.c.itds.alloc()
	require.NoError(t, err)
	store(&it.virt.Transaction[0], itdActive)

	var reaped atomic.Bool
	f := s.earliest()
	require.NoError(t, s.schedule(it, f, func(*itd) { reaped.Store(true) }))

	h.hc.SetFrameIndex(h.hc.FrameIndex() + 8*uint32(f-s.current()+16))
	require.Greater(t, s.current(), f)

	assert.Equal(t, 0, s.reapFrame(f), "active transaction keeps the iTD")
	assert.True(t, h.c.itds.allocated(it.index))
	assert.Equal(t, 1, s.pendingCount())
	assert.False(t, reaped.Load())

	store(&it.virt.Transaction[0], load(&it.virt.Transaction[0])&^itdActive)
	assert.Equal(t, 1, s.reapFrame(f), "a later pass reaps it")
	assert.False(t, h.c.itds.allocated(it.index))
	assert.Zero(t, s.pendingCount())
	assert.True(t, reaped.Load())

	h.hc.Thaw()
	h.settled(t)
}
