package ehci

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const fakeCapLength = 0x20

// stallingRegs is a register file whose first doorbell write pauses
// between the caller's read and its write landing.
type stallingRegs struct {
	mu      sync.Mutex
	words   map[uint32]uint32
	stalled chan struct{}
	once    sync.Once
}

func newStallingRegs() *stallingRegs {
	return &stallingRegs{
		words:   map[uint32]uint32{RegCapLength: fakeCapLength},
		stalled: make(chan struct{}),
	}
}

func (f *stallingRegs) Read32(off uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.words[off]
}

func (f *stallingRegs) Write32(off, v uint32) {
	if off == fakeCapLength+RegUSBCmd && v&CmdAsyncDoorbell != 0 {
		f.once.Do(func() {
			close(f.stalled)
			time.Sleep(20 * time.Millisecond)
		})
	}
	f.mu.Lock()
	f.words[off] = v
	f.mu.Unlock()
}

func TestRegsReadModifyWriteAtomic(t *testing.T) {
	tests := []struct {
		name  string
		other func(g *regs)
		want  uint32
	}{
		{
			name:  "periodic enable",
			other: func(g *regs) { g.set(RegUSBCmd, CmdPeriodicEn) },
			want:  CmdRun | CmdAsyncDoorbell | CmdPeriodicEn,
		},
		{
			name:  "halt",
			other: func(g *regs) { g.clear(RegUSBCmd, CmdRun) },
			want:  CmdAsyncDoorbell,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newStallingRegs()
			g := newRegs(f)
			require.Equal(t, uint32(fakeCapLength), g.op)
			g.write(RegUSBCmd, CmdRun)

			var eg errgroup.Group
			eg.Go(func() error {
				g.set(RegUSBCmd, CmdAsyncDoorbell)
				return nil
			})
			<-f.stalled
			eg.Go(func() error {
				tt.other(g)
				return nil
			})
			require.NoError(t, eg.Wait())

			assert.Equal(t, tt.want, g.read(RegUSBCmd), "USBCMD %#x", g.read(RegUSBCmd))
		})
	}
}

func TestRegsModifyPort(t *testing.T) {
	f := newStallingRegs()
	g := newRegs(f)
	off := portOffset(1)
	f.words[fakeCapLength+off] = PortConnect | PortEnable | PortConnectChange | PortEnableChange

	g.modifyPort(1, PortReset, PortEnable, PortConnectChange)
	assert.Equal(t, PortConnect|PortReset|PortConnectChange, g.read(off),
		"only the named change bit is written back")
}
