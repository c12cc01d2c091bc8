package host

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// Host manages a host controller through its HAL and the devices attached
// to its root hub.
type Host struct {
	hal hal.HostHAL

	// Indexed by address - 1.
	devices     [MaxDevices]*Device
	deviceCount int
	nextAddress uint8

	running bool
	mutex   sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	monitors context.Context // cancelled with the first monitor error

	deviceConnected    chan *Device
	deviceDisconnected chan *Device

	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New returns a host over h. Nothing touches the controller until Start.
func New(h hal.HostHAL) *Host {
	return &Host{
		hal:                h,
		nextAddress:        1,
		deviceConnected:    make(chan *Device, MaxDevices),
		deviceDisconnected: make(chan *Device, MaxDevices),
	}
}

// HAL returns the controller driver the host runs on.
func (h *Host) HAL() hal.HostHAL { return h.hal }

// Start initializes and starts the controller, then attaches devices as
// they connect until ctx is cancelled or Stop is called.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	if err := h.hal.Init(h.ctx); err != nil {
		h.cancel()
		return err
	}
	if err := h.hal.Start(); err != nil {
		h.cancel()
		return err
	}

	g, gctx := errgroup.WithContext(h.ctx)
	g.Go(func() error { return h.monitorConnections(gctx) })
	g.Go(func() error { return h.monitorDisconnections(gctx) })

	h.mutex.Lock()
	h.running = true
	h.group = g
	h.monitors = gctx
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())
	return nil
}

// Stop detaches every device and stops the controller. It also returns
// the HAL error that ended a monitor early, if any.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	g := h.group
	h.mutex.Unlock()

	monitorErr := g.Wait()

	for _, dev := range h.Devices() {
		h.Detach(dev.port)
	}

	if err := h.hal.Stop(); err != nil {
		return errors.Join(monitorErr, err)
	}
	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return monitorErr
}

// IsRunning reports whether Start has succeeded and Stop has not been called.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Devices returns the attached devices in address order.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, h.deviceCount)
	for _, d := range h.devices {
		if d != nil {
			result = append(result, d)
		}
	}
	return result
}

// GetDevice returns the device at address, or nil.
func (h *Host) GetDevice(address uint8) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address-1]
}

// WaitDevice blocks until a device has been enumerated. It returns the
// HAL error that stopped device monitoring, such as ErrControllerFault.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	h.mutex.RLock()
	hctx, mctx := h.ctx, h.monitors
	h.mutex.RUnlock()
	if hctx == nil {
		return nil, pkg.ErrNotRunning
	}
	var failed <-chan struct{}
	if mctx != nil {
		failed = mctx.Done()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-hctx.Done():
		return nil, pkg.ErrCancelled
	case <-failed:
		if cause := context.Cause(mctx); !errors.Is(cause, context.Canceled) {
			return nil, cause
		}
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// SetOnDeviceConnect sets the callback run after a device is enumerated.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback run after a device is detached.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// monitorConnections attaches each device the HAL reports. It returns when
// ctx ends or the HAL can no longer report events.
func (h *Host) monitorConnections(ctx context.Context) error {
	for {
		port, err := h.hal.WaitForConnection(ctx)
		if err != nil {
			if stoppedBy(ctx, err) {
				return nil
			}
			pkg.LogError(pkg.ComponentHost, "connection monitor stopped", "error", err)
			return err
		}
		pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)
		_, _ = h.Attach(ctx, port)
	}
}

// monitorDisconnections detaches the device on each port the HAL reports.
func (h *Host) monitorDisconnections(ctx context.Context) error {
	for {
		port, err := h.hal.WaitForDisconnection(ctx)
		if err != nil {
			if stoppedBy(ctx, err) {
				return nil
			}
			pkg.LogError(pkg.ComponentHost, "disconnection monitor stopped", "error", err)
			return err
		}
		pkg.LogInfo(pkg.ComponentHost, "device disconnected", "port", port)
		h.Detach(port)
	}
}

// stoppedBy reports whether err is only ctx ending. Any other error ends a
// monitor even when it arrives after ctx was cancelled.
func stoppedBy(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, ctx.Err()) || errors.Is(err, pkg.ErrCancelled)
}

// allocateAddress returns a free device address, or 0 if the table is full.
func (h *Host) allocateAddress() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for range MaxDevices {
		addr := h.nextAddress
		h.nextAddress++
		if h.nextAddress > MaxDevices {
			h.nextAddress = 1
		}
		if h.devices[addr-1] == nil {
			return addr
		}
	}
	return 0
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int { return h.hal.NumPorts() }

// GetPortStatus returns the status of a root hub port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hal.GetPortStatus(port)
}
