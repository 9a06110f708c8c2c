// Package executor defines the command execution collaborator and a few
// implementations of it.
//
// The coordinator treats an Executor as opaque: it hands over a Request and
// learns only whether the command succeeded.
package executor

import (
	"context"
	"errors"
	"log/slog"
)

// Request is one command invocation.
type Request struct {
	CommandID     string         `json:"command"`
	CorrelationID string         `json:"correlation_id"`
	EventID       string         `json:"event_id,omitempty"`
	Attempt       int            `json:"attempt"`
	Params        map[string]any `json:"params,omitempty"`
}

// Executor performs a command. A nil error means success.
//
// Implementations must honour ctx cancellation; the coordinator uses it for
// per-attempt timeouts and for cancellation.
type Executor interface {
	Execute(ctx context.Context, req Request) error
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, req Request) error

func (f Func) Execute(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the coordinator does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// LogExecutor logs each request and succeeds. It is the dry-run executor
// used when no command program is configured.
type LogExecutor struct {
	Logger *slog.Logger
}

func (e LogExecutor) Execute(ctx context.Context, req Request) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "command (dry run)",
		"command", req.CommandID,
		"correlation_id", req.CorrelationID,
		"event_id", req.EventID,
		"attempt", req.Attempt,
	)
	return ctx.Err()
}
