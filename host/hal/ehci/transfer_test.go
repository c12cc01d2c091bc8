package ehci

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci/sim"
	"github.com/ardnew/softehci/pkg"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

// echo sends data to the loopback and reads it back.
func (h *harness) echo(t *testing.T, data []byte) []byte {
	t.Helper()
	ctx := context.Background()
	n, err := h.c.BulkTransfer(ctx, testAddr, sim.LoopbackBulkOut, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	got := make([]byte, len(data))
	n, err = h.c.BulkTransfer(ctx, testAddr, sim.LoopbackBulkIn, got)
	require.NoError(t, err)
	return got[:n]
}

func TestBuildControl(t *testing.T) {
	h := newHarness(t, testConfig())

	build := func(t *testing.T, in bool, n int) *asyncTransfer {
		t.Helper()
		tr := &asyncTransfer{kind: hal.TransferControl, in: in, dataOff: hal.SetupPacketSize}
		require.NoError(t, h.c.allocBuffer(tr, hal.SetupPacketSize+n))
		require.NoError(t, h.c.buildControl(tr, n, 64))
		t.Cleanup(func() {
			h.c.freeQTDs(tr.qtds)
			_ = h.mem.Free(tr.buf)
		})
		return tr
	}

	t.Run("in", func(t *testing.T) {
		tr := build(t, true, 100)
		require.Len(t, tr.qtds, 3)
		setup, data, status := tr.qtds[0].virt, tr.qtds[1].virt, tr.qtds[2].virt

		assert.Equal(t, pidSetup, tokenPID(setup.Token))
		assert.Equal(t, hal.SetupPacketSize, tokenBytes(setup.Token))
		assert.Zero(t, setup.Token&tokenToggle, "SETUP is DATA0")

		assert.Equal(t, pidIn, tokenPID(data.Token))
		assert.NotZero(t, data.Token&tokenToggle, "data stage starts at DATA1")
		assert.Equal(t, tr.qtds[2].phys, data.AltNext, "short packet skips to status")
		assert.Equal(t, 100, tokenBytes(data.Token))

		assert.Equal(t, pidOut, tokenPID(status.Token), "status runs opposite to an IN data stage")
		assert.NotZero(t, status.Token&tokenToggle)
		assert.Zero(t, tokenBytes(status.Token))
		assert.Equal(t, linkTerminate, status.Next)

		for i, q := range tr.qtds {
			assert.Equal(t, i == 2, q.virt.Token&tokenIOC != 0, "IOC only on the status stage")
			assert.NotZero(t, q.virt.Token&tokenActive)
		}
		assert.Equal(t, tr.qtds[1].phys, setup.Next)
	})

	t.Run("no data", func(t *testing.T) {
		tr := build(t, false, 0)
		require.Len(t, tr.qtds, 2)
		assert.Equal(t, pidIn, tokenPID(tr.qtds[1].virt.Token), "no-data status is IN")
	})

	t.Run("out", func(t *testing.T) {
		tr := build(t, false, 10)
		require.Len(t, tr.qtds, 3)
		assert.Equal(t, pidOut, tokenPID(tr.qtds[1].virt.Token))
		assert.Equal(t, linkTerminate, tr.qtds[1].virt.AltNext)
		assert.Equal(t, pidIn, tokenPID(tr.qtds[2].virt.Token))
	})

	t.Run("long data stage", func(t *testing.T) {
		tr := build(t, true, 30000)
		require.Len(t, tr.qtds, 4)
		first, second := tr.qtds[1].virt.Token, tr.qtds[2].virt.Token
		require.Equal(t, 319, packets(tokenBytes(first), 64))
		assert.NotZero(t, first&tokenToggle)
		assert.Zero(t, second&tokenToggle, "odd packet count flips the toggle")
		assert.Equal(t, 30000, tokenBytes(first)+tokenBytes(second))
	})
}

func TestControlGetDescriptor(t *testing.T) {
	h := newHarness(t, testConfig())
	h.attach(t)

	buf := make([]byte, 18)
	n, err := h.c.ControlTransfer(context.Background(), testAddr, &hal.SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       0x0100,
		Length:      18,
	}, buf)
	require.NoError(t, err)
	require.Equal(t, 18, n)
	assert.Equal(t, byte(18), buf[0])
	assert.Equal(t, byte(0x01), buf[1])
	assert.Equal(t, byte(64), buf[7], "bMaxPacketSize0")

	var got []sim.Packet
	for _, p := range h.hc.Packets() {
		if p.Address == uint8(testAddr) {
			got = append(got, p)
		}
	}
	require.Len(t, got, 3)
	assert.Equal(t, sim.PIDSetup, got[0].PID)
	assert.False(t, got[0].Toggle)
	assert.Equal(t, sim.PIDIn, got[1].PID)
	assert.True(t, got[1].Toggle)
	assert.Equal(t, 18, got[1].Len)
	assert.Equal(t, sim.PIDOut, got[2].PID)
	assert.True(t, got[2].Toggle)
	assert.Zero(t, got[2].Len)

	assert.Zero(t, h.lb.ToggleMismatches())
	h.settled(t)
}

func TestControlShortRead(t *testing.T) {
	h := newHarness(t, testConfig())
	h.attach(t)

	// The configuration tree (config, interface, four endpoints) is shorter
	// than the request.
	buf := make([]byte, 255)
	n, err := h.c.ControlTransfer(context.Background(), testAddr, &hal.SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       0x0200,
		Length:      255,
	}, buf)
	require.NoError(t, err)
	assert.Equal(t, 46, n)
	assert.Equal(t, byte(0x02), buf[1])
	h.settled(t)
}

func TestControlErrors(t *testing.T) {
	h := newHarness(t, testConfig())
	h.attach(t)
	ctx := context.Background()

	_, err := h.c.ControlTransfer(ctx, testAddr, &hal.SetupPacket{
		RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18,
	}, make([]byte, 4))
	assert.ErrorIs(t, err, pkg.ErrBufferTooSmall)

	_, err = h.c.ControlTransfer(ctx, testAddr, nil, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	// Device qualifier is not supported by a high-speed-only function.
	_, err = h.c.ControlTransfer(ctx, testAddr, &hal.SetupPacket{
		RequestType: 0x80, Request: 0x06, Value: 0x0600, Length: 10,
	}, make([]byte, 10))
	assert.ErrorIs(t, err, pkg.ErrProtocol)
	assert.ErrorIs(t, err, pkg.ErrStall)

	status := make([]byte, 2)
	n, err := h.c.ControlTransfer(ctx, testAddr, &hal.SetupPacket{
		RequestType: 0x80, Request: 0x00, Length: 2,
	}, status)
	require.NoError(t, err, "endpoint 0 recovers on the next SETUP")
	assert.Equal(t, 2, n)
	h.settled(t)
}

func TestBulkEcho(t *testing.T) {
	h := newHarness(t, testConfig())
	lb := h.attach(t)

	for _, size := range []int{1, 512, 513, 4096, 70000} {
		data := pattern(size, byte(size))
		assert.Equal(t, data, h.echo(t, data), "size %d", size)
	}
	assert.Zero(t, lb.ToggleMismatches(), "toggle carries across transfers")
	assert.Zero(t, lb.Queued())

	var xfers int
	for _, p := range h.packetsOn(testAddr, sim.LoopbackBulkOut) {
		assert.LessOrEqual(t, p.Len, 512)
		xfers++
	}
	assert.Equal(t, 1+1+2+8+137, xfers)
	h.settled(t)
}

func TestBulkShortIn(t *testing.T) {
	h := newHarness(t, testConfig())
	h.attach(t)
	ctx := context.Background()

	_, err := h.c.BulkTransfer(ctx, testAddr, sim.LoopbackBulkOut, pattern(100, 3))
	require.NoError(t, err)

	buf := make([]byte, 4*maxQTDBytes)
	n, err := h.c.BulkTransfer(ctx, testAddr, sim.LoopbackBulkIn, buf)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, pattern(100, 3), buf[:n])

	// The short packet diverted to the halt qTD, which stays intact.
	assert.NotZero(t, h.c.halt.virt.Token&tokenHalted)
	assert.Zero(t, h.c.halt.virt.Token&tokenActive)

	assert.Equal(t, []byte{1, 2}, h.echo(t, []byte{1, 2}), "next transfer starts clean")
	assert.Zero(t, h.lb.ToggleMismatches())
	h.settled(t)
}

func TestBulkStall(t *testing.T) {
	h := newHarness(t, testConfig())
	lb := h.attach(t)
	ctx := context.Background()

	// Leave both ends at DATA1 on the IN endpoint.
	require.Equal(t, []byte{7}, h.echo(t, []byte{7}))
	ep, err := h.c.endpointFor(testAddr, 1, In, hal.TransferBulk)
	require.NoError(t, err)
	require.True(t, ep.toggle)

	lb.Device().Endpoint(sim.LoopbackBulkIn).SetHalt(true)
	_, err = h.c.BulkTransfer(ctx, testAddr, sim.LoopbackBulkIn, make([]byte, 512))
	require.ErrorIs(t, err, pkg.ErrStall)
	assert.False(t, ep.toggle, "a stall resets the host toggle")

	_, err = h.c.ControlTransfer(ctx, testAddr, &hal.SetupPacket{
		RequestType: 0x02,
		Request:     0x01,
		Value:       0,
		Index:       sim.LoopbackBulkIn,
	}, nil)
	require.NoError(t, err)
	assert.False(t, lb.Device().Endpoint(sim.LoopbackBulkIn).Halted())

	assert.Equal(t, []byte{8, 9}, h.echo(t, []byte{8, 9}))
	assert.Zero(t, lb.ToggleMismatches())
	h.settled(t)
}

func TestBulkTransactionErrors(t *testing.T) {
	h := newHarness(t, testConfig())
	h.attach(t)
	ctx := context.Background()

	h.hc.SetTransactionErrors(uint8(testAddr), sim.LoopbackBulkOut, 2)
	n, err := h.c.BulkTransfer(ctx, testAddr, sim.LoopbackBulkOut, pattern(64, 1))
	require.NoError(t, err, "retried within the error budget")
	assert.Equal(t, 64, n)

	errs := 0
	for _, p := range h.packetsOn(testAddr, sim.LoopbackBulkOut) {
		if p.Handshake == sim.XactErr {
			errs++
		}
	}
	assert.Equal(t, 2, errs)

	h.hc.SetTransactionErrors(uint8(testAddr), sim.LoopbackBulkOut, 10)
	_, err = h.c.BulkTransfer(ctx, testAddr, sim.LoopbackBulkOut, pattern(64, 2))
	assert.ErrorIs(t, err, pkg.ErrTransaction)
	h.hc.SetTransactionErrors(uint8(testAddr), sim.LoopbackBulkOut, 0)

	got := make([]byte, 64)
	n, err = h.c.BulkTransfer(ctx, testAddr, sim.LoopbackBulkIn, got)
	require.NoError(t, err)
	assert.Equal(t, pattern(64, 1), got[:n], "the failed transfer delivered nothing")
	h.settled(t)
}

func TestBulkTimeout(t *testing.T) {
	h := newHarness(t, testConfig())
	h.attach(t)

	// Nothing is queued, so the IN NAKs until the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.c.BulkTransfer(ctx, testAddr, sim.LoopbackBulkIn, make([]byte, 512))
	require.ErrorIs(t, err, pkg.ErrTimeout)
	assert.Positive(t, h.hc.NAKs())
	h.settled(t)

	assert.Equal(t, []byte{4}, h.echo(t, []byte{4}), "endpoint usable after the timeout")
}

func TestBulkCancel(t *testing.T) {
	h := newHarness(t, testConfig())
	h.attach(t)

	comp, err := h.c.SubmitBulk(context.Background(), BulkRequest{
		Address:   testAddr,
		Endpoint:  1,
		Direction: In,
		Data:      make([]byte, 512),
	})
	require.NoError(t, err)

	_, err = comp.Result()
	assert.ErrorIs(t, err, pkg.ErrInvalidState, "no result before completion")

	comp.Cancel()
	<-comp.Done()
	_, err = comp.Result()
	assert.ErrorIs(t, err, pkg.ErrCancelled)

	comp.Cancel()
	_, err = comp.Result()
	assert.ErrorIs(t, err, pkg.ErrCancelled, "cancel after resolution changes nothing")
	h.settled(t)
}

func TestBulkConcurrent(t *testing.T) {
	h := newHarness(t, testConfig())
	lb := h.attach(t)

	const writers = 4
	var g errgroup.Group
	for i := range writers {
		g.Go(func() error {
			_, err := h.c.BulkTransfer(context.Background(), testAddr, sim.LoopbackBulkOut,
				pattern(512, byte(i)))
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, writers, lb.Queued())

	seen := make(map[byte]bool)
	for range writers {
		got := make([]byte, 512)
		n, err := h.c.BulkTransfer(context.Background(), testAddr, sim.LoopbackBulkIn, got)
		require.NoError(t, err)
		require.Equal(t, 512, n)
		seen[got[0]] = true
		assert.True(t, bytes.Equal(pattern(512, got[0]), got))
	}
	assert.Len(t, seen, writers)
	assert.Zero(t, lb.ToggleMismatches())
	h.settled(t)
}

func TestBulkPoolExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.QTDPoolSize = 4
	h := newHarness(t, cfg)
	h.attach(t)

	_, err := h.c.SubmitBulk(context.Background(), BulkRequest{
		Address:   testAddr,
		Endpoint:  1,
		Direction: Out,
		Data:      make([]byte, 70000),
	})
	require.ErrorIs(t, err, pkg.ErrPoolExhausted)

	s := h.c.Stats()
	assert.Equal(t, 1, s.QTDInUse, "a failed submit holds nothing")
	assert.Equal(t, 1, s.QHInUse)

	_, err = h.c.SubmitBulk(context.Background(), BulkRequest{Address: testAddr, Endpoint: 0})
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)

	assert.Equal(t, []byte{1}, h.echo(t, []byte{1}))
}

func TestBulkAbortToggleSettledOnRelease(t *testing.T) {
	cfg := testConfig()
	cfg.DoorbellTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.attach(t)

	ep, err := h.c.endpointFor(testAddr, 1, In, hal.TransferBulk)
	require.NoError(t, err)

	// Nothing is queued, so the IN NAKs until it is cancelled.
	comp, err := h.c.SubmitBulk(context.Background(), BulkRequest{
		Address: testAddr, Endpoint: 1, Direction: In, Data: make([]byte, 512),
	})
	require.NoError(t, err)

	h.hc.HoldDoorbell(true)
	comp.Cancel()
	<-comp.Done()
	require.Equal(t, 1, h.c.Stats().Reclaiming, "QH parked after the doorbell timeout")

	// The next holder of the endpoint owns the toggle, even while the
	// aborted transfer's QH is still parked.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ep.acquire(ctx))
	want := !ep.toggle
	ep.toggle = want
	ep.release()

	h.hc.HoldDoorbell(false)
	require.Eventually(t, func() bool { return h.c.Stats().Reclaiming == 0 },
		time.Second, time.Millisecond)
	assert.Equal(t, want, ep.toggle, "late reclaim left the toggle alone")
	h.settled(t)
}
