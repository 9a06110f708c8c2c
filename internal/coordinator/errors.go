package coordinator

import (
	"errors"
	"fmt"
)

// ErrCancelled is the cause recorded for cancelled executions.
var ErrCancelled = errors.New("execution cancelled")

// ErrClosed is returned by Dispatch after Shutdown has begun.
var ErrClosed = errors.New("coordinator is shut down")

// ExecutionError is the failure surfaced once an execution has exhausted
// its retry budget or hit a permanent error.
type ExecutionError struct {
	Key      Key
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command %s failed after %d attempt(s) (correlation=%s): %v",
		e.Key.CommandID, e.Attempts, e.Key.CorrelationID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecutionFailure reports whether err is an ExecutionError.
func IsExecutionFailure(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

// IsCancelled reports whether err reports a cancelled execution.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
