package ehci

import (
	"context"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci/sim"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

func TestControllerLifecycle(t *testing.T) {
	mem := dma.NewHeapSpace(testBase)
	hc := sim.New(mem)

	_, err := New(Platform{Memory: mem}, Config{})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = New(Platform{Registers: hc, Memory: mem}, Config{QHPoolSize: 1})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	c, err := New(Platform{Registers: hc, Memory: mem, IRQ: hc}, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, c.NumPorts())
	assert.Zero(t, c.Stats())

	assert.ErrorIs(t, c.Start(), pkg.ErrInvalidState, "start before init")
	_, err = c.BulkTransfer(context.Background(), testAddr, 0x81, make([]byte, 4))
	assert.ErrorIs(t, err, pkg.ErrNotRunning)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Init(ctx), pkg.ErrCancelled)

	require.NoError(t, c.Init(context.Background()))
	assert.ErrorIs(t, c.Init(context.Background()), pkg.ErrInvalidState)
	s := c.Stats()
	assert.Equal(t, 1, s.QHInUse, "async head")
	assert.Equal(t, 1, s.QTDInUse, "halt qTD")
	assert.NotZero(t, hc.Read32(0x20+RegUSBSts)&StsHalted, "init leaves the controller halted")

	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Start(), pkg.ErrAlreadyRunning)
	assert.Zero(t, hc.Read32(0x20+RegUSBSts)&StsHalted)
	assert.Equal(t, uint32(1), hc.Read32(0x20+RegConfigFlag))

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop(), "stop is idempotent")
	_, err = c.BulkTransfer(context.Background(), testAddr, 0x81, make([]byte, 4))
	assert.ErrorIs(t, err, pkg.ErrNotRunning)

	require.NoError(t, c.Start(), "a stopped controller restarts")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Zero(t, c.Stats().QHInUse)
	assert.ErrorIs(t, c.Start(), pkg.ErrInvalidState)

	// The interrupt source is free for the next driver.
	require.NoError(t, hc.Attach(func() {}))
}

func TestControllerFixedFrameList(t *testing.T) {
	mem := dma.NewHeapSpace(testBase)
	hc := sim.New(mem, sim.WithFixedFrameList())

	cfg := testConfig()
	cfg.FrameListSize = 256
	c, err := New(Platform{Registers: hc, Memory: mem}, cfg)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Init(context.Background()), pkg.ErrNotSupported)
	assert.Zero(t, c.Stats().QHInUse, "nothing built")
}

func TestControllerSmallFrameList(t *testing.T) {
	cfg := testConfig()
	cfg.FrameListSize = 256
	h := newHarness(t, cfg)
	h.attach(t)

	assert.Equal(t, uint32(2<<CmdFLSShift), h.hc.Read32(0x20+RegUSBCmd)&CmdFLSMask)

	data := pattern(16*1024, 9)
	n, err := h.c.IsochronousTransfer(context.Background(), testAddr, 0x02, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, h.lb.IsoReceived())
	h.settled(t)
}

func TestControllerHostSystemError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.attach(t)

	comp, err := h.c.SubmitBulk(context.Background(), BulkRequest{
		Address: testAddr, Endpoint: 1, Direction: In, Data: make([]byte, 512),
	})
	require.NoError(t, err)

	h.hc.InjectHostSystemError()

	select {
	case <-comp.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pending transfer not failed")
	}
	_, err = comp.Result()
	assert.ErrorIs(t, err, pkg.ErrControllerFault)

	assert.True(t, h.c.Faulted())
	assert.True(t, h.c.Stats().Faulted)
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("ehci.faults", h.c.Registry()).Count())

	_, err = h.c.BulkTransfer(context.Background(), testAddr, 0x01, []byte{1})
	assert.ErrorIs(t, err, pkg.ErrControllerFault)
	require.NoError(t, h.c.Stop())
	assert.ErrorIs(t, h.c.Start(), pkg.ErrControllerFault)
	h.settled(t)
}

func TestControllerFaultWakesPortWaiters(t *testing.T) {
	h := newHarness(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error {
		_, err := h.c.WaitForConnection(ctx)
		return err
	})
	g.Go(func() error {
		_, err := h.c.WaitForDisconnection(ctx)
		return err
	})

	h.hc.InjectHostSystemError()
	assert.ErrorIs(t, g.Wait(), pkg.ErrControllerFault)
	require.NoError(t, ctx.Err(), "waiters woke on the fault, not the deadline")

	_, err := h.c.WaitForConnection(context.Background())
	assert.ErrorIs(t, err, pkg.ErrControllerFault)
}

func TestControllerStopCancelsPending(t *testing.T) {
	h := newHarness(t, testConfig())
	h.attach(t)

	// Both NAK until the controller stops.
	in, err := h.c.SubmitBulk(context.Background(), BulkRequest{
		Address: testAddr, Endpoint: 1, Direction: In, Data: make([]byte, 512),
	})
	require.NoError(t, err)
	h.hc.SetNAK(uint8(testAddr), sim.LoopbackBulkOut, 1<<30)
	out, err := h.c.SubmitBulk(context.Background(), BulkRequest{
		Address: testAddr, Endpoint: 1, Direction: Out, Data: make([]byte, 512),
	})
	require.NoError(t, err)

	require.NoError(t, h.c.Stop())
	for _, comp := range []*Completion{in, out} {
		select {
		case <-comp.Done():
		default:
			t.Fatal("stop returned before pending transfers resolved")
		}
		_, err := comp.Result()
		assert.ErrorIs(t, err, pkg.ErrCancelled)
	}

	s := h.c.Stats()
	assert.Equal(t, 1, s.QHInUse)
	assert.Equal(t, 1, s.QTDInUse)
	assert.Zero(t, s.LinkedQHs)
	assert.Zero(t, s.Reclaiming)
}

func TestControllerStopCancelsIso(t *testing.T) {
	cfg := testConfig()
	cfg.ITDPoolSize = 4
	h := newHarness(t, cfg)
	h.attach(t)

	// Far more data than fits in one chunk, so the transfer is still running.
	comp, err := h.c.SubmitIsochronous(context.Background(), IsoRequest{
		Address: testAddr, Endpoint: 2, Direction: Out, Data: make([]byte, 64*8*1024),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.c.Stats().PendingITDs > 0 }, time.Second, time.Millisecond)

	require.NoError(t, h.c.Stop())
	select {
	case <-comp.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("isochronous transfer not resolved")
	}
	_, err = comp.Result()
	assert.ErrorIs(t, err, pkg.ErrCancelled)
	assert.Zero(t, h.c.Stats().ITDInUse)
	assert.Zero(t, h.c.Stats().PendingITDs)
}

func TestControllerInstancesIndependent(t *testing.T) {
	a := newHarness(t, testConfig())
	b := newHarness(t, testConfig())
	a.attach(t)
	b.attach(t)
	assert.NotEqual(t, a.c.ID(), b.c.ID())

	require.Equal(t, []byte{1, 2, 3}, a.echo(t, []byte{1, 2, 3}))

	// Holding b's doorbell does not stall a.
	b.hc.HoldDoorbell(true)
	_, err := b.c.BulkTransfer(context.Background(), testAddr, sim.LoopbackBulkOut, []byte{9})
	require.NoError(t, err)
	require.Equal(t, []byte{4}, a.echo(t, []byte{4}))
	assert.Equal(t, 1, b.lb.Queued())
	assert.Zero(t, a.lb.Queued())
	b.hc.HoldDoorbell(false)

	a.settled(t)
	b.settled(t)
}

func TestControllerPorts(t *testing.T) {
	h := newHarness(t, testConfig(), sim.WithPorts(3), sim.WithPortPower(true))
	assert.Equal(t, 3, h.c.NumPorts())

	_, err := h.c.GetPortStatus(0)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	assert.ErrorIs(t, h.c.ResetPort(4), pkg.ErrInvalidParameter)
	assert.ErrorIs(t, h.c.ResetPort(2), pkg.ErrNoDevice)
	assert.Equal(t, hal.SpeedUnknown, h.c.PortSpeed(9))

	st, err := h.c.GetPortStatus(2)
	require.NoError(t, err)
	assert.True(t, st.PowerOn, "start powers every port")
	assert.False(t, st.Connected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ls, err := sim.NewLoopback()
	require.NoError(t, err)
	require.NoError(t, h.hc.Connect(3, ls, hal.SpeedLow))
	port, err := h.c.WaitForConnection(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, port)
	assert.Equal(t, hal.SpeedLow, h.c.PortSpeed(3))
	assert.ErrorIs(t, h.c.ResetPort(3), pkg.ErrNotSupported)
	assert.NotZero(t, h.hc.Read32(0x20+portOffset(3))&PortOwner, "low-speed device released to the companion")

	fs, err := sim.NewLoopback()
	require.NoError(t, err)
	require.NoError(t, h.hc.Connect(2, fs, hal.SpeedFull))
	port, err = h.c.WaitForConnection(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, port)
	assert.ErrorIs(t, h.c.EnablePort(2, true), pkg.ErrNotSupported, "full-speed device fails the reset")

	hs, err := sim.NewLoopback()
	require.NoError(t, err)
	require.NoError(t, h.hc.Connect(1, hs, hal.SpeedHigh))
	port, err = h.c.WaitForConnection(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, port)
	require.NoError(t, h.c.EnablePort(1, true))
	st, err = h.c.GetPortStatus(1)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.True(t, st.Enabled)
	assert.Equal(t, hal.SpeedHigh, st.Speed)
	assert.False(t, st.ConnectChange, "change bits acknowledged by the interrupt handler")

	require.NoError(t, h.c.EnablePort(1, false))
	st, err = h.c.GetPortStatus(1)
	require.NoError(t, err)
	assert.False(t, st.Enabled)

	require.NoError(t, h.hc.Disconnect(1))
	port, err = h.c.WaitForDisconnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, port)

	require.NoError(t, h.c.Stop())
	_, err = h.c.WaitForConnection(ctx)
	assert.ErrorIs(t, err, pkg.ErrNotRunning)
}

func TestControllerAlreadyConnected(t *testing.T) {
	mem := dma.NewHeapSpace(testBase)
	hc := sim.New(mem)
	lb, err := sim.NewLoopback()
	require.NoError(t, err)
	require.NoError(t, hc.Connect(1, lb, hal.SpeedHigh))

	c, err := New(Platform{Registers: hc, Memory: mem, IRQ: hc}, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	port, err := c.WaitForConnection(ctx)
	require.NoError(t, err, "a device present at start is reported")
	assert.Equal(t, 1, port)
}

func TestControllerUnsupported(t *testing.T) {
	h := newHarness(t, testConfig())
	h.attach(t)
	ctx := context.Background()

	_, err := h.c.InterruptTransfer(ctx, testAddr, 0x83, make([]byte, 8))
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
	assert.NoError(t, h.c.ClaimInterface(testAddr, 0))
	assert.NoError(t, h.c.ReleaseInterface(testAddr, 0))

	assert.ErrorIs(t, h.c.SetDeviceAddress(ctx, 0), pkg.ErrInvalidParameter)
	assert.ErrorIs(t, h.c.SetDeviceAddress(ctx, 128), pkg.ErrInvalidParameter)
	assert.ErrorIs(t, h.c.ConfigureEndpoint(testAddr, hal.EndpointDescriptor{Address: 0x83}), pkg.ErrInvalidParameter)
	_, err = h.c.BulkTransfer(ctx, 200, 0x01, []byte{1})
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
}

func TestControllerMetrics(t *testing.T) {
	r := metrics.NewRegistry()
	mem := dma.NewHeapSpace(testBase)
	hc := sim.New(mem)
	c, err := New(Platform{Registers: hc, Memory: mem, IRQ: hc}, testConfig(), WithRegistry(r))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	assert.Same(t, r, c.Registry())

	require.NoError(t, c.Init(context.Background()))
	assert.Equal(t, int64(1), metrics.GetOrRegisterGauge("ehci.pool.qh.in_use", r).Value())
	assert.Equal(t, int64(1), metrics.GetOrRegisterGauge("ehci.pool.qtd.in_use", r).Value())
	assert.NotNil(t, r.Get("ehci.transfer.bulk"))
	assert.NotNil(t, r.Get("ehci.async.doorbells"))
}
