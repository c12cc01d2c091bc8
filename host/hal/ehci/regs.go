package ehci

import (
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softehci/pkg"
)

// Registers is the controller's memory-mapped register window. Offsets are
// bytes from the start of the capability block; every access is one
// volatile 32-bit little-endian word. [dma.Window] satisfies it.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off, v uint32)
}

// Capability registers.
const (
	RegCapLength uint32 = 0x00 // CAPLENGTH (byte 0), HCIVERSION (bytes 2-3)
	RegHCSParams uint32 = 0x04
	RegHCCParams uint32 = 0x08
)

// Operational registers, relative to CAPLENGTH.
const (
	RegUSBCmd        uint32 = 0x00
	RegUSBSts        uint32 = 0x04
	RegUSBIntr       uint32 = 0x08
	RegFrIndex       uint32 = 0x0C
	RegCtrlDSSegment uint32 = 0x10
	RegPeriodicBase  uint32 = 0x14
	RegAsyncListAddr uint32 = 0x18
	RegConfigFlag    uint32 = 0x40
	RegPortSC        uint32 = 0x44
)

// HCSPARAMS, HCCPARAMS and FRINDEX fields.
const (
	HCSPortsMask      uint32 = 0xF
	HCSPortPowerCtl   uint32 = 1 << 4
	HCCAddr64         uint32 = 1 << 0
	HCCProgFrameList  uint32 = 1 << 1
	hciVersionShift          = 16
	capLengthMask     uint32 = 0xFF
	frameIndexMask    uint32 = 0x3FFF
	frameIndexUFShift        = 3
	frameNumberMask   uint32 = 0x7FF
)

// USBCMD bits.
const (
	CmdRun           uint32 = 1 << 0
	CmdReset         uint32 = 1 << 1
	CmdFLSShift             = 2
	CmdFLSMask       uint32 = 3 << CmdFLSShift
	CmdPeriodicEn    uint32 = 1 << 4
	CmdAsyncEn       uint32 = 1 << 5
	CmdAsyncDoorbell uint32 = 1 << 6
	CmdITCShift             = 16
	CmdITCMask       uint32 = 0xFF << CmdITCShift
)

// USBSTS and USBINTR bits.
const (
	StsInt           uint32 = 1 << 0
	StsErr           uint32 = 1 << 1
	StsPortChange    uint32 = 1 << 2
	StsFrameRollover uint32 = 1 << 3
	StsHostError     uint32 = 1 << 4
	StsAsyncAdvance  uint32 = 1 << 5
	StsHalted        uint32 = 1 << 12
	StsReclamation   uint32 = 1 << 13
	StsPeriodic      uint32 = 1 << 14
	StsAsync         uint32 = 1 << 15

	// StsIntrMask covers the write-1-to-clear interrupt causes.
	StsIntrMask = StsInt | StsErr | StsPortChange | StsFrameRollover |
		StsHostError | StsAsyncAdvance
)

// PORTSC bits.
const (
	PortConnect         uint32 = 1 << 0
	PortConnectChange   uint32 = 1 << 1
	PortEnable          uint32 = 1 << 2
	PortEnableChange    uint32 = 1 << 3
	PortOverCurrent     uint32 = 1 << 4
	PortOverCurrentChg  uint32 = 1 << 5
	PortResume          uint32 = 1 << 6
	PortSuspend         uint32 = 1 << 7
	PortReset           uint32 = 1 << 8
	PortLineStatusShift        = 10
	PortLineStatusMask  uint32 = 3 << PortLineStatusShift
	PortPower           uint32 = 1 << 12
	PortOwner           uint32 = 1 << 13

	// PortChangeMask covers the write-1-to-clear change bits.
	PortChangeMask = PortConnectChange | PortEnableChange | PortOverCurrentChg

	// PortLineK is the line state of an idle low-speed device.
	PortLineK uint32 = 1 << PortLineStatusShift
)

// regs wraps the register window with the operational base applied and the
// read-modify-write helpers the driver needs. mu makes each
// read-modify-write atomic with respect to every other write.
type regs struct {
	r  Registers
	op uint32
	mu sync.Mutex
}

func newRegs(r Registers) *regs {
	return &regs{r: r, op: r.Read32(RegCapLength) & capLengthMask}
}

func (g *regs) cap(off uint32) uint32 { return g.r.Read32(off) }

func (g *regs) read(off uint32) uint32 { return g.r.Read32(g.op + off) }

func (g *regs) write(off, v uint32) {
	g.mu.Lock()
	g.r.Write32(g.op+off, v)
	g.mu.Unlock()
}

// update replaces the value of off with fn applied to its current value.
func (g *regs) update(off uint32, fn func(uint32) uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.r.Write32(g.op+off, fn(g.r.Read32(g.op+off)))
}

func (g *regs) set(off, bits uint32) {
	g.update(off, func(v uint32) uint32 { return v | bits })
}

func (g *regs) clear(off, bits uint32) {
	g.update(off, func(v uint32) uint32 { return v &^ bits })
}

func portOffset(port int) uint32 { return RegPortSC + 4*uint32(port-1) }

func (g *regs) port(port int) uint32 { return g.read(portOffset(port)) }

// modifyPort applies set and unset to PORTSC without acknowledging change
// bits that happen to read as 1. ack names the change bits to clear.
func (g *regs) modifyPort(port int, set, unset, ack uint32) {
	g.update(portOffset(port), func(v uint32) uint32 {
		v &^= PortChangeMask
		return v&^unset | set | ack&PortChangeMask
	})
}

// wait spins until (reg & mask) == want or timeout elapses. It is reserved
// for short hardware handshakes with a bounded completion time.
func (g *regs) wait(off, mask, want uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if g.read(off)&mask == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: register %#02x mask %#x want %#x",
				pkg.ErrTimeout, off, mask, want)
		}
		time.Sleep(time.Microsecond)
	}
}
