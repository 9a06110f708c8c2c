// Package router turns an incoming event into a dispatch decision.
//
// Route is a pure function of an event and a mapping table. Router wraps it
// with the state a running process needs: the current table, which can be
// swapped on reload, and explicit feature flags.
package router

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/miszen/internal/condition"
	"github.com/roach88/miszen/internal/event"
	"github.com/roach88/miszen/internal/mapping"
)

// Reason explains why a decision does or does not carry commands.
type Reason string

const (
	ReasonMatched         Reason = "matched"
	ReasonNoRule          Reason = "no_rule"
	ReasonConditionsFalse Reason = "conditions_false"
	ReasonDisabled        Reason = "disabled"
)

// Decision is the router's output for one event.
type Decision struct {
	EventID       string     `json:"event_id"`
	CorrelationID string     `json:"correlation_id"`
	Kind          event.Kind `json:"kind"`
	Commands      []string   `json:"commands"`
	Reason        Reason     `json:"reason"`

	// FailedCondition names the first condition that did not hold when
	// Reason is ReasonConditionsFalse.
	FailedCondition string `json:"failed_condition,omitempty"`

	// Warnings are condition evaluation problems; see condition.EvalError.
	Warnings []error `json:"-"`

	// Event is the routed event, carried so executors can build parameters.
	Event event.Event `json:"-"`
}

// Empty reports whether the decision dispatches nothing.
func (d Decision) Empty() bool {
	return len(d.Commands) == 0
}

// Route looks up the rule for ev.Kind and evaluates its conditions.
//
// A missing rule or failing conditions produce an empty decision, never an
// error. Commands keep their declared order with duplicates collapsed to
// the first occurrence.
func Route(ev event.Event, table *mapping.Table) Decision {
	d := Decision{
		EventID:       ev.ID,
		CorrelationID: ev.CorrelationID,
		Kind:          ev.Kind,
		Commands:      []string{},
		Event:         ev,
	}

	rule, ok := table.Lookup(ev.Kind)
	if !ok {
		d.Reason = ReasonNoRule
		return d
	}

	res := condition.Evaluate(rule.Conditions, ev.Payload)
	d.Warnings = res.Warnings
	if !res.Matched {
		d.Reason = ReasonConditionsFalse
		d.FailedCondition = res.Failed
		return d
	}

	d.Reason = ReasonMatched
	d.Commands = dedupe(rule.Commands)
	return d
}

func dedupe(commands []string) []string {
	out := make([]string, 0, len(commands))
	for _, c := range commands {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Flags are explicit routing switches. Version increases with every change
// so log lines and decisions can be tied to the flag set in effect.
type Flags struct {
	Version       int64
	DisabledKinds []event.Kind
}

// Disabled reports whether routing for kind is switched off.
func (f *Flags) Disabled(kind event.Kind) bool {
	if f == nil {
		return false
	}
	want := norm.NFC.String(string(kind))
	return slices.ContainsFunc(f.DisabledKinds, func(k event.Kind) bool {
		return norm.NFC.String(string(k)) == want
	})
}

// Router routes events against the current table and flags.
// It is safe for concurrent use.
type Router struct {
	table  atomic.Pointer[mapping.Table]
	flags  atomic.Pointer[Flags]
	logger *slog.Logger
}

// New creates a router over table.
func New(table *mapping.Table, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{logger: logger}
	r.table.Store(table)
	r.flags.Store(&Flags{})
	return r
}

// Route routes ev and logs the outcome. Misses are logged at debug level;
// condition evaluation problems at warn level.
func (r *Router) Route(ctx context.Context, ev event.Event) Decision {
	flags := r.flags.Load()
	if flags.Disabled(ev.Kind) {
		r.logger.DebugContext(ctx, "routing disabled for kind",
			"kind", ev.Kind,
			"event_id", ev.ID,
			"flags_version", flags.Version,
		)
		return Decision{
			EventID:       ev.ID,
			CorrelationID: ev.CorrelationID,
			Kind:          ev.Kind,
			Commands:      []string{},
			Reason:        ReasonDisabled,
			Event:         ev,
		}
	}

	d := Route(ev, r.table.Load())

	for _, w := range d.Warnings {
		msg := "condition could not be evaluated"
		if ee, ok := w.(*condition.EvalError); ok && ee.Config {
			msg = "mapping configuration warning"
		}
		r.logger.WarnContext(ctx, msg,
			"kind", ev.Kind,
			"event_id", ev.ID,
			"error", w,
		)
	}

	switch d.Reason {
	case ReasonNoRule:
		r.logger.DebugContext(ctx, "no rule for event kind", "kind", ev.Kind, "event_id", ev.ID)
	case ReasonConditionsFalse:
		r.logger.DebugContext(ctx, "conditions not met",
			"kind", ev.Kind,
			"event_id", ev.ID,
			"condition", d.FailedCondition,
		)
	case ReasonMatched:
		r.logger.DebugContext(ctx, "event routed",
			"kind", ev.Kind,
			"event_id", ev.ID,
			"correlation_id", ev.CorrelationID,
			"commands", d.Commands,
		)
	}
	return d
}

// Table returns the table currently in effect.
func (r *Router) Table() *mapping.Table {
	return r.table.Load()
}

// Swap replaces the table. Events already being routed finish against the
// table they started with.
func (r *Router) Swap(table *mapping.Table) *mapping.Table {
	return r.table.Swap(table)
}

// Flags returns the flags currently in effect.
func (r *Router) Flags() Flags {
	f := r.flags.Load()
	return Flags{Version: f.Version, DisabledKinds: slices.Clone(f.DisabledKinds)}
}

// SetFlags replaces the flags. The new version must be greater than the
// current one; stale updates are ignored and reported as false.
func (r *Router) SetFlags(f Flags) bool {
	next := &Flags{Version: f.Version, DisabledKinds: slices.Clone(f.DisabledKinds)}
	for {
		cur := r.flags.Load()
		if next.Version <= cur.Version {
			return false
		}
		if r.flags.CompareAndSwap(cur, next) {
			return true
		}
	}
}
