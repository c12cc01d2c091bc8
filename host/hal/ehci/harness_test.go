package ehci

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci/sim"
	"github.com/ardnew/softehci/pkg/dma"
)

const (
	testBase   = 0x1000_0000
	testPeriod = 100 * time.Microsecond
	testAddr   = hal.DeviceAddress(1)
)

// testConfig keeps port resets and doorbell waits short.
func testConfig() Config {
	return Config{
		PortResetDelay:  time.Millisecond,
		DoorbellTimeout: 100 * time.Millisecond,
		TransferTimeout: 2 * time.Second,
	}
}

type harness struct {
	mem *dma.Space
	hc  *sim.Controller
	c   *Controller
	lb  *sim.Loopback
}

// newHarness returns a running controller on a simulated one, stepped in
// the background until the test ends.
func newHarness(t *testing.T, cfg Config, opts ...sim.Option) *harness {
	t.Helper()
	h := &harness{mem: dma.NewHeapSpace(testBase)}
	h.hc = sim.New(h.mem, opts...)

	c, err := New(Platform{Registers: h.hc, Memory: h.mem, IRQ: h.hc}, cfg)
	require.NoError(t, err)
	h.c = c
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Start())

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.hc.Run(ctx, testPeriod) })

	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		_ = g.Wait()
	})
	return h
}

// attach connects a loopback function to port 1 and enumerates it at
// testAddr in configuration 1.
func (h *harness) attach(t *testing.T) *sim.Loopback {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lb, err := sim.NewLoopback()
	require.NoError(t, err)
	require.NoError(t, h.hc.Connect(1, lb, hal.SpeedHigh))

	port, err := h.c.WaitForConnection(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, port)
	require.NoError(t, h.c.ResetPort(port))
	require.NoError(t, h.c.SetDeviceAddress(ctx, testAddr))

	_, err = h.c.ControlTransfer(ctx, testAddr, &hal.SetupPacket{
		Request: requestSetConfiguration,
		Value:   1,
	}, nil)
	require.NoError(t, err)

	for _, ep := range []hal.EndpointDescriptor{
		{Address: sim.LoopbackBulkOut, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 512},
		{Address: sim.LoopbackBulkIn, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 512},
		{Address: sim.LoopbackIsoOut, Attributes: uint8(hal.TransferIsochronous), MaxPacketSize: 1024, Interval: 1},
		{Address: sim.LoopbackIsoIn, Attributes: uint8(hal.TransferIsochronous), MaxPacketSize: 1024, Interval: 1},
	} {
		require.NoError(t, h.c.ConfigureEndpoint(testAddr, ep))
	}

	h.lb = lb
	h.hc.ResetPackets()
	return lb
}

// settled waits until every transfer descriptor is back in its pool.
func (h *harness) settled(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.c.Stats()
		return s.QHInUse == 1 && s.QTDInUse == 1 && s.ITDInUse == 0 &&
			s.LinkedQHs == 0 && s.Reclaiming == 0 && s.PendingITDs == 0
	}, 2*time.Second, time.Millisecond, "descriptors leaked: %+v", h.c.Stats())
}

// packetsOn filters the simulator's log by device address and endpoint.
func (h *harness) packetsOn(addr hal.DeviceAddress, ep uint8) []sim.Packet {
	var out []sim.Packet
	for _, p := range h.hc.Packets() {
		if p.Address == uint8(addr) && p.Endpoint == ep {
			out = append(out, p)
		}
	}
	return out
}
