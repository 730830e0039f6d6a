package workerpool

import (
	"context"
	"sync/atomic"

	"xypriss/pkg/apperror"
)

// Handle is returned by Pool.Submit. Await blocks until the task
// completes, is cancelled, or ctx is done; Cancel requests cooperative
// cancellation of a queued or running task.
type Handle struct {
	id        uint64
	kind      Kind
	priority  Priority
	done      chan struct{}
	cancel    context.CancelFunc
	cancelled atomic.Bool

	result any
	err    error
}

// ID uniquely identifies the task within its pool's lifetime.
func (h *Handle) ID() uint64 { return h.id }

// Cancel requests the task stop. A task still queued is removed with
// apperror.CodeCancelled; a running task observes ctx.Done() cooperatively.
func (h *Handle) Cancel() {
	if h.cancelled.CompareAndSwap(false, true) {
		h.cancel()
	}
}

// Await blocks until the task finishes or ctx is cancelled, whichever
// comes first.
func (h *Handle) Await(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, apperror.New(apperror.CodeCancelled, "await cancelled by caller context")
	}
}

// Done reports a channel closed once the task finishes, for use in select
// statements alongside other events.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) finish(result any, err error) {
	h.result, h.err = result, err
	h.cancel()
	close(h.done)
}
