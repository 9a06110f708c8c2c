package harness

import "github.com/roach88/miszen/internal/engine"

// Trace event types.
const (
	TraceDecision  = "decision"
	TraceExecution = "execution"
)

// TraceEvent is one entry of a scenario trace: either the routing decision
// for an event or the terminal record of one execution it started.
type TraceEvent struct {
	Type            string   `json:"type"`
	EventID         string   `json:"event_id,omitempty"`
	Kind            string   `json:"kind,omitempty"`
	CorrelationID   string   `json:"correlation_id"`
	Reason          string   `json:"reason,omitempty"`
	Commands        []string `json:"commands,omitempty"`
	FailedCondition string   `json:"failed_condition,omitempty"`
	Command         string   `json:"command,omitempty"`
	Status          string   `json:"status,omitempty"`
	Attempts        int      `json:"attempts,omitempty"`
	Error           string   `json:"error,omitempty"`
	Seq             int64    `json:"seq,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains decisions and executions in processing order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Stats are the engine counters once every event was processed.
	Stats engine.Stats `json:"stats"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddDecisionTrace adds a routing decision to the trace.
func (r *Result) AddDecisionTrace(ev TraceEvent) {
	ev.Type = TraceDecision
	r.Trace = append(r.Trace, ev)
}

// AddExecutionTrace adds a terminal execution to the trace.
func (r *Result) AddExecutionTrace(ev TraceEvent) {
	ev.Type = TraceExecution
	r.Trace = append(r.Trace, ev)
}

// Decision returns the decision recorded for eventID.
func (r *Result) Decision(eventID string) (TraceEvent, bool) {
	for _, ev := range r.Trace {
		if ev.Type == TraceDecision && ev.EventID == eventID {
			return ev, true
		}
	}
	return TraceEvent{}, false
}

// Executions returns the execution entries for command, in trace order.
// An empty command returns every execution.
func (r *Result) Executions(command string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == TraceExecution && (command == "" || ev.Command == command) {
			out = append(out, ev)
		}
	}
	return out
}
