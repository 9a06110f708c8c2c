package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/miszen/internal/coordinator"
	"github.com/roach88/miszen/internal/event"
	"github.com/roach88/miszen/internal/router"
)

// DefaultDedupSize is the number of recent event ids remembered for
// duplicate suppression.
const DefaultDedupSize = 1000

// Dispatcher hands a non-empty decision to the execution layer. It must
// not block on command execution. Implemented by *coordinator.Coordinator.
type Dispatcher interface {
	Dispatch(ctx context.Context, d router.Decision) ([]*coordinator.Execution, error)
}

// Filter reports whether an event should be processed. Events rejected by
// any filter are counted and dropped before they reach the queue.
type Filter func(event.Event) bool

// DecisionHook observes every decision the engine makes, including empty
// ones. executions is nil for empty decisions and on dispatch errors.
type DecisionHook func(d router.Decision, executions []*coordinator.Execution)

// Engine is the single-consumer routing loop.
//
// Thread-safety model:
//   - Enqueue(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Stats(): safe from any goroutine
type Engine struct {
	router     *router.Router
	dispatcher Dispatcher
	queue      *eventQueue
	ids        event.IDGenerator
	now        func() time.Time
	dedupSize  int
	seen       *lru.Cache[string, struct{}]
	filters    []Filter
	onDecision DecisionHook
	logger     *slog.Logger

	received       atomic.Int64
	filtered       atomic.Int64
	duplicates     atomic.Int64
	processed      atomic.Int64
	routed         atomic.Int64
	misses         atomic.Int64
	dispatchErrors atomic.Int64
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithIDGenerator sets the generator for events that arrive without an id.
func WithIDGenerator(g event.IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithNow sets the time source for events that arrive without a timestamp.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithDedupSize sets how many recent event ids are remembered.
//
// Default: 1000 (DefaultDedupSize)
func WithDedupSize(n int) EngineOption {
	return func(e *Engine) {
		e.dedupSize = n
	}
}

// WithFilter adds an event filter. Filters run in the order added.
func WithFilter(f Filter) EngineOption {
	return func(e *Engine) {
		e.filters = append(e.filters, f)
	}
}

// WithDecisionHook observes decisions after they are dispatched.
func WithDecisionHook(h DecisionHook) EngineOption {
	return func(e *Engine) {
		e.onDecision = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an Engine that routes with r and dispatches to d.
func New(r *router.Router, d Dispatcher, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		router:     r,
		dispatcher: d,
		queue:      newEventQueue(),
		ids:        event.UUIDv7Generator{},
		now:        time.Now,
		dedupSize:  DefaultDedupSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	seen, err := lru.New[string, struct{}](e.dedupSize)
	if err != nil {
		return nil, fmt.Errorf("create seen-event cache: %w", err)
	}
	e.seen = seen
	return e, nil
}

// Enqueue submits an event for processing by the Run loop.
// Thread-safe: may be called from any goroutine.
//
// Missing ids, correlation ids and timestamps are filled in before
// filters run. Returns false if the engine has been stopped.
func (e *Engine) Enqueue(ev event.Event) bool {
	ev = event.Normalize(ev, e.ids, e.now())
	e.received.Add(1)

	for _, f := range e.filters {
		if !f(ev) {
			e.filtered.Add(1)
			e.logger.Debug("event filtered", "event_id", ev.ID, "kind", ev.Kind)
			return true
		}
	}
	return e.queue.Enqueue(ev)
}

// Run starts the event loop. It blocks until ctx is cancelled or Stop is
// called and the queue has drained.
//
// Must be called from exactly one goroutine.
//
// Dispatch failures are logged and processing continues with the next
// event; routing never stops because of one bad event.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "rules", e.router.Table().Len())

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			e.process(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel is closed by Close, so a closed queue
			// fires here repeatedly until it has drained.
			if e.queue.Drained() {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run processes what is already queued and then
// returns.
func (e *Engine) Stop() {
	e.queue.Close()
}

// QueueLen returns the number of events waiting to be routed.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// process routes one event and dispatches the decision.
// Called only from the Run goroutine.
func (e *Engine) process(ctx context.Context, ev event.Event) {
	if e.seen.Contains(ev.ID) {
		e.duplicates.Add(1)
		e.logger.Debug("duplicate event skipped", "event_id", ev.ID, "kind", ev.Kind)
		return
	}
	e.seen.Add(ev.ID, struct{}{})
	e.processed.Add(1)

	d := e.router.Route(ctx, ev)
	if d.Empty() {
		e.misses.Add(1)
		e.observe(d, nil)
		return
	}

	e.routed.Add(1)
	executions, err := e.dispatcher.Dispatch(ctx, d)
	if err != nil {
		e.dispatchErrors.Add(1)
		e.logger.Error("dispatch failed",
			"event_id", ev.ID,
			"correlation_id", d.CorrelationID,
			"commands", d.Commands,
			"error", err,
		)
		e.observe(d, nil)
		return
	}
	e.observe(d, executions)
}

func (e *Engine) observe(d router.Decision, executions []*coordinator.Execution) {
	if e.onDecision != nil {
		e.onDecision(d, executions)
	}
}

// Stats is a point-in-time view of engine counters.
type Stats struct {
	QueueLen       int   `json:"queue_len"`
	Received       int64 `json:"received"`
	Filtered       int64 `json:"filtered"`
	Duplicates     int64 `json:"duplicates"`
	Processed      int64 `json:"processed"`
	Routed         int64 `json:"routed"`
	Misses         int64 `json:"misses"`
	DispatchErrors int64 `json:"dispatch_errors"`
	SeenCached     int   `json:"seen_cached"`
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		QueueLen:       e.queue.Len(),
		Received:       e.received.Load(),
		Filtered:       e.filtered.Load(),
		Duplicates:     e.duplicates.Load(),
		Processed:      e.processed.Load(),
		Routed:         e.routed.Load(),
		Misses:         e.misses.Load(),
		DispatchErrors: e.dispatchErrors.Load(),
		SeenCached:     e.seen.Len(),
	}
}
