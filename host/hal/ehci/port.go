package ehci

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// portSettle is how long a port is given to report enabled after its reset
// completes.
const portSettle = 2 * time.Millisecond

// NumPorts returns the number of root hub ports reported by HCSPARAMS.
func (c *Controller) NumPorts() int { return c.ports }

func (c *Controller) checkPort(port int) error {
	if port < 1 || port > c.ports {
		return fmt.Errorf("%w: port %d of %d", pkg.ErrInvalidParameter, port, c.ports)
	}
	return nil
}

// GetPortStatus decodes PORTSC of port.
func (c *Controller) GetPortStatus(port int) (hal.PortStatus, error) {
	if err := c.checkPort(port); err != nil {
		return hal.PortStatus{}, err
	}
	v := c.regs.port(port)
	return hal.PortStatus{
		Connected:     v&PortConnect != 0,
		Enabled:       v&PortEnable != 0,
		Suspended:     v&PortSuspend != 0,
		OverCurrent:   v&PortOverCurrent != 0,
		Reset:         v&PortReset != 0,
		PowerOn:       v&PortPower != 0 || !c.portPower,
		Speed:         portSpeed(v),
		ConnectChange: v&PortConnectChange != 0,
		EnableChange:  v&PortEnableChange != 0,
	}, nil
}

// portSpeed infers device speed from PORTSC. Only a high-speed device is
// enabled by an EHCI reset; a K state before reset marks a low-speed device.
// Anything else is undetermined until the port has been reset.
func portSpeed(v uint32) hal.Speed {
	switch {
	case v&PortConnect == 0 || v&PortOwner != 0:
		return hal.SpeedUnknown
	case v&PortEnable != 0:
		return hal.SpeedHigh
	case v&PortLineStatusMask == PortLineK:
		return hal.SpeedLow
	default:
		return hal.SpeedUnknown
	}
}

// PortSpeed returns the speed of the device on port.
func (c *Controller) PortSpeed(port int) hal.Speed {
	if c.checkPort(port) != nil {
		return hal.SpeedUnknown
	}
	return portSpeed(c.regs.port(port))
}

// ResetPort drives a bus reset on port. Devices that do not come out of reset
// at high speed are released to the companion controller and reported as
// ErrNotSupported.
func (c *Controller) ResetPort(port int) error {
	if err := c.checkPort(port); err != nil {
		return err
	}
	if err := c.usable(); err != nil {
		return err
	}

	v := c.regs.port(port)
	if v&PortConnect == 0 {
		return fmt.Errorf("%w: port %d", pkg.ErrNoDevice, port)
	}
	if v&PortLineStatusMask == PortLineK {
		return c.handoff(port, hal.SpeedLow)
	}

	c.regs.modifyPort(port, PortReset, PortEnable, 0)
	time.Sleep(c.cfg.PortResetDelay)
	c.regs.modifyPort(port, 0, PortReset, 0)
	if err := c.regs.wait(portOffset(port), PortReset, 0, c.cfg.HandshakeTimeout); err != nil {
		return fmt.Errorf("port %d reset: %w", port, err)
	}
	time.Sleep(portSettle)

	if c.regs.port(port)&PortEnable == 0 {
		return c.handoff(port, hal.SpeedFull)
	}

	// Whatever answers on address 0 now is a new device.
	c.ForgetDevice(0)
	c.log.Debug("port reset", "port", port, "speed", hal.SpeedHigh)
	return nil
}

// handoff gives port to the companion controller.
func (c *Controller) handoff(port int, speed hal.Speed) error {
	c.regs.modifyPort(port, PortOwner, 0, 0)
	c.log.Warn("port released to companion", "port", port, "speed", speed)
	return fmt.Errorf("%w: %s device on port %d", pkg.ErrNotSupported, speed, port)
}

// EnablePort enables or disables port. Software can only enable a port
// through a reset, so enabling a disabled port resets it.
func (c *Controller) EnablePort(port int, enable bool) error {
	if err := c.checkPort(port); err != nil {
		return err
	}
	v := c.regs.port(port)
	switch {
	case !enable:
		c.regs.modifyPort(port, 0, PortEnable, 0)
		return nil
	case v&PortEnable != 0:
		return nil
	default:
		return c.ResetPort(port)
	}
}

// portChange acknowledges every port change and posts connect and
// disconnect events.
func (c *Controller) portChange() {
	for p := 1; p <= c.ports; p++ {
		v := c.regs.port(p)
		ack := v & PortChangeMask
		if ack == 0 {
			continue
		}
		c.regs.modifyPort(p, 0, 0, ack)

		if v&PortOverCurrentChg != 0 && v&PortOverCurrent != 0 {
			c.log.Warn("port over-current", "port", p)
		}
		if v&PortConnectChange == 0 {
			continue
		}
		if v&PortConnect != 0 {
			c.log.Debug("port connect", "port", p)
			c.notify(c.connectCh, p)
		} else {
			c.log.Debug("port disconnect", "port", p)
			c.notify(c.discCh, p)
		}
	}
}

// notify posts port on ch, dropping the event if nobody has drained the
// backlog.
func (c *Controller) notify(ch chan int, port int) {
	select {
	case ch <- port:
	default:
		c.log.Warn("port event dropped", "port", port)
	}
}

// WaitForConnection blocks until a device connects and returns its port.
// A host system error wakes it with ErrControllerFault.
func (c *Controller) WaitForConnection(ctx context.Context) (int, error) {
	return c.waitPort(ctx, c.connectCh)
}

// WaitForDisconnection blocks until a device disconnects and returns its
// port.
func (c *Controller) WaitForDisconnection(ctx context.Context) (int, error) {
	return c.waitPort(ctx, c.discCh)
}

func (c *Controller) waitPort(ctx context.Context, ch chan int) (int, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	quit := c.quit
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.faultCh:
		return 0, pkg.ErrControllerFault
	case <-quit:
		return 0, pkg.ErrCancelled
	case port := <-ch:
		return port, nil
	}
}
