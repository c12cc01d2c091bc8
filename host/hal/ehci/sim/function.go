package sim

import (
	"errors"
	"fmt"
)

// ErrNAK is returned by a Function that has no data to send or cannot
// accept data yet. The simulator retries the packet on a later pass.
var ErrNAK = errors.New("nak")

// Function is a device attached to a simulated port. Returning an error
// wrapping pkg.ErrStall answers a packet with STALL.
//
// Methods are called from the simulator's stepping goroutine with the
// simulator locked; they must not call back into the simulator.
type Function interface {
	// Address is the device address the function currently answers to.
	Address() uint8

	// Reset is called when the port is reset.
	Reset()

	// Setup receives the 8 bytes of a SETUP packet. SETUP is always
	// acknowledged, so an error here marks the request for a STALL in its
	// data or status stage instead.
	Setup(pkt []byte) error

	// In returns at most max bytes for an IN token carrying toggle.
	In(ep uint8, toggle bool, max int) ([]byte, error)

	// Out delivers an OUT data packet.
	Out(ep uint8, toggle bool, data []byte) error

	// IsoIn and IsoOut move isochronous data. There is no handshake.
	IsoIn(ep uint8, max int) []byte
	IsoOut(ep uint8, data []byte)
}

// PID is the token of a logged transaction.
type PID uint8

const (
	PIDOut PID = iota
	PIDIn
	PIDSetup
)

func (p PID) String() string {
	switch p {
	case PIDOut:
		return "OUT"
	case PIDIn:
		return "IN"
	case PIDSetup:
		return "SETUP"
	default:
		return fmt.Sprintf("PID(%d)", uint8(p))
	}
}

// Handshake is the outcome of a logged transaction.
type Handshake uint8

const (
	ACK Handshake = iota
	STALL
	XactErr
	Babble
	Iso // isochronous, no handshake
)

func (h Handshake) String() string {
	switch h {
	case ACK:
		return "ACK"
	case STALL:
		return "STALL"
	case XactErr:
		return "XACTERR"
	case Babble:
		return "BABBLE"
	case Iso:
		return "ISO"
	default:
		return fmt.Sprintf("Handshake(%d)", uint8(h))
	}
}

// Packet is one logged transaction. NAKed attempts are only counted.
type Packet struct {
	Frame     uint32 // FRINDEX when the transaction ran
	Address   uint8
	Endpoint  uint8 // includes the direction bit for IN
	PID       PID
	Toggle    bool
	Len       int
	Handshake Handshake
}

func (p Packet) String() string {
	t := 0
	if p.Toggle {
		t = 1
	}
	return fmt.Sprintf("%d.%d %s %d:%#02x DATA%d len=%d %s",
		p.Frame>>3, p.Frame&7, p.PID, p.Address, p.Endpoint, t, p.Len, p.Handshake)
}
