package coordinator

import (
	"context"
	"sync"
)

// Execution is the live handle of one record. Dispatching a key that is
// already in flight returns the existing handle.
type Execution struct {
	mu     sync.Mutex
	rec    Record
	err    error
	cancel context.CancelCauseFunc // set while running

	cancelRequested bool
	done            chan struct{}
	owner           *Coordinator
}

// Key returns the coalescing key.
func (x *Execution) Key() Key {
	return x.rec.Key
}

// Snapshot returns a copy of the current record.
func (x *Execution) Snapshot() Record {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rec
}

// Done is closed once the record is terminal.
func (x *Execution) Done() <-chan struct{} {
	return x.done
}

// Err returns the terminal error: nil on success, an *ExecutionError on
// failure, or an error matching ErrCancelled. It is nil until Done closes.
func (x *Execution) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}

// Wait blocks until the execution is terminal or ctx is done.
func (x *Execution) Wait(ctx context.Context) (Record, error) {
	select {
	case <-x.done:
		return x.Snapshot(), x.Err()
	case <-ctx.Done():
		return x.Snapshot(), ctx.Err()
	}
}

// Cancel requests cancellation. A running attempt has its context
// cancelled; an execution that has not started yet becomes cancelled
// immediately. When it reports true the record ends cancelled, even if the
// running attempt ignores its context and returns success. It reports false
// if the record was already terminal.
func (x *Execution) Cancel() bool {
	x.mu.Lock()
	if x.rec.Status.Terminal() {
		x.mu.Unlock()
		return false
	}
	x.cancelRequested = true
	cancel := x.cancel
	x.mu.Unlock()

	if cancel != nil {
		cancel(ErrCancelled)
		return true
	}
	return x.owner.finish(x, StatusCancelled, ErrCancelled)
}

// start marks the execution as running. It returns false if the execution
// was cancelled before it got the chance.
func (x *Execution) start(cancel context.CancelCauseFunc) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.rec.Status.Terminal() {
		return false
	}
	x.cancel = cancel
	return true
}
