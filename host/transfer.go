package host

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// Transfer is a request queued on a TransferManager.
type Transfer struct {
	Address  uint8
	Endpoint uint8 // direction bit set for IN
	Type     hal.TransferType
	Data     []byte

	// Setup is required for control transfers.
	Setup *hal.SetupPacket

	// Callback runs once, on a worker goroutine, when the transfer finishes.
	Callback func(*Transfer, int, error)

	// Context bounds the transfer in addition to the manager's lifetime.
	Context context.Context

	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
	result int
	err    error
}

// ID returns the identifier assigned by Submit.
func (t *Transfer) ID() uint64 { return t.id }

// IsComplete reports whether the transfer has finished.
func (t *Transfer) IsComplete() bool {
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed when the transfer finishes.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Result returns the byte count and error. It reports ErrInvalidState until
// the transfer is complete.
func (t *Transfer) Result() (int, error) {
	if !t.IsComplete() {
		return 0, fmt.Errorf("%w: transfer %d still pending", pkg.ErrInvalidState, t.id)
	}
	return t.result, t.err
}

// finish records the outcome; only the first call has any effect.
func (t *Transfer) finish(n int, err error) bool {
	first := false
	t.once.Do(func() {
		t.result, t.err = n, err
		close(t.done)
		first = true
	})
	return first
}

// TransferManager runs transfers asynchronously on a fixed pool of workers.
type TransferManager struct {
	host *Host

	pending   map[uint64]*Transfer
	pendingMu sync.Mutex

	nextID  atomic.Uint64
	workers int
	jobs    chan *Transfer

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewTransferManager returns a manager that runs transfers for host on
// workers goroutines.
func NewTransferManager(host *Host, workers int) *TransferManager {
	return &TransferManager{
		host:    host,
		pending: make(map[uint64]*Transfer),
		workers: max(workers, 1),
		jobs:    make(chan *Transfer, 100),
	}
}

// Start launches the workers.
func (tm *TransferManager) Start(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.running {
		return pkg.ErrAlreadyRunning
	}

	tm.ctx, tm.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(tm.ctx)
	for i := range tm.workers {
		g.Go(func() error {
			tm.worker(gctx, i)
			return nil
		})
	}
	tm.group = g
	tm.running = true
	return nil
}

// Stop cancels every transfer still pending and waits for the workers.
func (tm *TransferManager) Stop() error {
	tm.mu.Lock()
	if !tm.running {
		tm.mu.Unlock()
		return nil
	}
	tm.running = false
	tm.cancel()
	g := tm.group
	tm.mu.Unlock()

	err := g.Wait()

	tm.pendingMu.Lock()
	left := make([]*Transfer, 0, len(tm.pending))
	for _, t := range tm.pending {
		left = append(left, t)
	}
	tm.pendingMu.Unlock()
	for _, t := range left {
		tm.complete(t, 0, pkg.ErrCancelled)
	}
	return err
}

// Submit queues t and returns its identifier.
func (tm *TransferManager) Submit(t *Transfer) (uint64, error) {
	tm.mu.Lock()
	running, ctx := tm.running, tm.ctx
	tm.mu.Unlock()
	if !running {
		return 0, pkg.ErrNotRunning
	}
	if t.Type == hal.TransferControl && t.Setup == nil {
		return 0, fmt.Errorf("%w: control transfer without setup", pkg.ErrInvalidParameter)
	}

	t.id = tm.nextID.Add(1)
	t.done = make(chan struct{})
	t.ctx, t.cancel = context.WithCancel(ctx)
	if t.Context != nil {
		stop := context.AfterFunc(t.Context, t.cancel)
		cancel := t.cancel
		t.cancel = func() { stop(); cancel() }
	}

	tm.pendingMu.Lock()
	tm.pending[t.id] = t
	tm.pendingMu.Unlock()

	select {
	case tm.jobs <- t:
		return t.id, nil
	case <-ctx.Done():
		tm.complete(t, 0, pkg.ErrCancelled)
		return 0, pkg.ErrCancelled
	}
}

// Cancel aborts a pending transfer. Its callback sees ErrCancelled. Unknown
// or finished identifiers are ignored.
func (tm *TransferManager) Cancel(id uint64) error {
	tm.pendingMu.Lock()
	t, ok := tm.pending[id]
	tm.pendingMu.Unlock()
	if ok {
		tm.complete(t, 0, pkg.ErrCancelled)
	}
	return nil
}

func (tm *TransferManager) worker(ctx context.Context, id int) {
	pkg.LogDebug(pkg.ComponentTransfer, "transfer worker started", "id", id)
	defer pkg.LogDebug(pkg.ComponentTransfer, "transfer worker stopped", "id", id)

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-tm.jobs:
			tm.execute(t)
		}
	}
}

func (tm *TransferManager) execute(t *Transfer) {
	if t.IsComplete() {
		return
	}
	ctx := t.ctx
	if err := ctx.Err(); err != nil {
		tm.complete(t, 0, pkg.ErrCancelled)
		return
	}

	addr := hal.DeviceAddress(t.Address)
	var n int
	var err error
	switch t.Type {
	case hal.TransferControl:
		n, err = tm.host.hal.ControlTransfer(ctx, addr, t.Setup, t.Data)
	case hal.TransferBulk:
		n, err = tm.host.hal.BulkTransfer(ctx, addr, t.Endpoint, t.Data)
	case hal.TransferInterrupt:
		n, err = tm.host.hal.InterruptTransfer(ctx, addr, t.Endpoint, t.Data)
	case hal.TransferIsochronous:
		n, err = tm.host.hal.IsochronousTransfer(ctx, addr, t.Endpoint, t.Data)
	default:
		err = fmt.Errorf("%w: transfer type %d", pkg.ErrInvalidParameter, t.Type)
	}
	tm.complete(t, n, err)
}

// complete finishes t once, removes it from the pending set and runs its
// callback.
func (tm *TransferManager) complete(t *Transfer, n int, err error) {
	if !t.finish(n, err) {
		return
	}
	t.cancel()

	tm.pendingMu.Lock()
	delete(tm.pending, t.id)
	tm.pendingMu.Unlock()

	if err != nil {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer failed",
			"id", t.id, "address", t.Address, "endpoint", t.Endpoint,
			"status", pkg.StatusOf(err), "error", err)
	}
	if t.Callback != nil {
		t.Callback(t, n, err)
	}
}

// PendingCount returns the number of transfers submitted but not finished.
func (tm *TransferManager) PendingCount() int {
	tm.pendingMu.Lock()
	defer tm.pendingMu.Unlock()
	return len(tm.pending)
}

// Wait blocks until no transfer is pending or ctx ends.
func (tm *TransferManager) Wait(ctx context.Context) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for tm.PendingCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// Pipe pairs a bulk IN and a bulk OUT endpoint of a device into a buffered
// byte stream.
type Pipe struct {
	device *Device
	epIn   uint8
	epOut  uint8

	readBuf []byte
	readPos int
	readLen int

	mu sync.Mutex
}

// NewPipe returns a pipe over epIn and epOut. Reads are issued in units of
// maxPacketSize.
func NewPipe(dev *Device, epIn, epOut uint8, maxPacketSize int) *Pipe {
	return &Pipe{
		device:  dev,
		epIn:    epIn | EndpointDirectionIn,
		epOut:   epOut &^ EndpointDirectionIn,
		readBuf: make([]byte, maxPacketSize),
	}
}

// Read returns buffered data, or reads one packet from the IN endpoint.
func (p *Pipe) Read(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readPos < p.readLen {
		n := copy(data, p.readBuf[p.readPos:p.readLen])
		p.readPos += n
		return n, nil
	}

	n, err := p.device.BulkTransfer(ctx, p.epIn, p.readBuf)
	if err != nil {
		return 0, err
	}
	p.readLen = n
	p.readPos = copy(data, p.readBuf[:n])
	return p.readPos, nil
}

// Write sends data on the OUT endpoint as one transfer.
func (p *Pipe) Write(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device.BulkTransfer(ctx, p.epOut, data)
}

// Buffered returns the number of bytes read from the device but not yet
// returned by Read.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLen - p.readPos
}

// Close drops buffered data.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readPos, p.readLen = 0, 0
	return nil
}

// Device returns the device the pipe talks to.
func (p *Pipe) Device() *Device { return p.device }
