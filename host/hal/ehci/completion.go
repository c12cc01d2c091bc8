package ehci

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/softehci/pkg"
)

// Completion is the future returned by the Submit methods. It resolves
// exactly once, after every descriptor the transfer used has been handed
// back to its pool or parked for reclamation.
type Completion struct {
	done   chan struct{}
	once   sync.Once
	n      int
	err    error
	cancel func(error)
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// resolve records the outcome. Later calls are ignored.
func (c *Completion) resolve(n int, err error) {
	c.once.Do(func() {
		c.n, c.err = n, err
		close(c.done)
	})
}

// Done is closed when the transfer has resolved.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Result returns the byte count and error. It is only meaningful after Done
// is closed.
func (c *Completion) Result() (int, error) {
	select {
	case <-c.done:
		return c.n, c.err
	default:
		return 0, pkg.ErrInvalidState
	}
}

// Cancel aborts the transfer. The completion resolves with ErrCancelled
// after the safe-unlink cleanup has run, unless it had already resolved.
func (c *Completion) Cancel() {
	if c.cancel != nil {
		c.cancel(pkg.ErrCancelled)
	}
}

// Wait blocks until the transfer resolves. If ctx ends first the transfer
// is aborted, Wait still blocks for its cleanup, and the error reports why:
// ErrTimeout for an expired deadline, ErrCancelled otherwise.
func (c *Completion) Wait(ctx context.Context) (int, error) {
	select {
	case <-c.done:
		return c.n, c.err
	case <-ctx.Done():
	}

	if c.cancel != nil {
		c.cancel(contextError(ctx.Err()))
	}
	<-c.done
	return c.n, c.err
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return pkg.ErrTimeout
	}
	return pkg.ErrCancelled
}
