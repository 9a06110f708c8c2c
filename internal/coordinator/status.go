package coordinator

import (
	"fmt"
	"time"

	"github.com/roach88/miszen/internal/event"
)

// Status is the state of an execution record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// transitions is the record state machine:
//
//	pending  -> succeeded | failed | retrying | cancelled
//	retrying -> pending | cancelled
var transitions = map[Status][]Status{
	StatusPending:  {StatusSucceeded, StatusFailed, StatusRetrying, StatusCancelled},
	StatusRetrying: {StatusPending, StatusCancelled},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Key identifies a command invocation for coalescing. At most one
// execution per key is in flight at any time.
type Key struct {
	CorrelationID string `json:"correlation_id"`
	CommandID     string `json:"command_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.CorrelationID, k.CommandID)
}

// Record tracks one command invocation across its attempts.
//
// Seq is stamped from the coordinator's logical clock on every change, so
// later snapshots of the same record always carry a larger Seq.
type Record struct {
	ID        string     `json:"id"`
	Key       Key        `json:"key"`
	EventID   string     `json:"event_id,omitempty"`
	Kind      event.Kind `json:"kind,omitempty"`
	Status    Status     `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	Seq       int64      `json:"seq"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Attempt is one call to the executor.
type Attempt struct {
	ExecutionID string        `json:"execution_id"`
	Number      int           `json:"number"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}
