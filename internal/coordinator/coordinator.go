// Package coordinator executes dispatch decisions.
//
// Each command of a decision becomes an execution keyed by
// (correlation id, command id). At most one execution per key is in flight;
// dispatching a key that is already in flight joins the existing execution.
// Failed attempts are retried with exponential backoff until the attempt
// budget is spent, after which the record is failed and surfaced to the
// caller through Execution.Wait, the terminal hook and the Recorder.
//
// Commands of one decision run one after another in declared order on a
// goroutine owned by the coordinator, so Dispatch never blocks on the
// executor.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/miszen/internal/event"
	"github.com/roach88/miszen/internal/executor"
	"github.com/roach88/miszen/internal/router"
)

const instrumentationName = "github.com/roach88/miszen/internal/coordinator"

// Recorder persists record snapshots and attempts. Implementations must be
// safe for concurrent use and must ignore snapshots older (by Seq) than the
// one already stored.
type Recorder interface {
	RecordExecution(ctx context.Context, rec Record) error
	RecordAttempt(ctx context.Context, att Attempt) error
}

// ParamsFunc builds the parameters of a command from its triggering event.
type ParamsFunc func(command string, ev event.Event) map[string]any

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the retry and timeout policy.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithRecorder persists every record change.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithIDGenerator sets the record id generator.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(c *Coordinator) {
		c.ids = g
	}
}

// WithClock sets the logical clock, e.g. one resumed from the store.
func WithClock(clk *Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithNow overrides wall-clock time for record timestamps.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithParams overrides how command parameters are built.
func WithParams(f ParamsFunc) Option {
	return func(c *Coordinator) {
		c.params = f
	}
}

// WithTerminalHook is called once for every record that reaches a terminal
// state, after it has been recorded.
func WithTerminalHook(f func(Record, error)) Option {
	return func(c *Coordinator) {
		c.onTerminal = f
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		c.tracer = tp.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Coordinator) {
		c.meter = mp.Meter(instrumentationName)
	}
}

// Coordinator runs executions. It is safe for concurrent use.
type Coordinator struct {
	exec       executor.Executor
	policy     Policy
	recorder   Recorder
	logger     *slog.Logger
	ids        event.IDGenerator
	clock      *Clock
	now        func() time.Time
	params     ParamsFunc
	onTerminal func(Record, error)
	tracer     trace.Tracer
	meter      metric.Meter
	metrics    *instruments

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[Key]*Execution
	closed   bool
}

// New creates a coordinator that invokes exec.
func New(exec executor.Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		exec:     exec,
		policy:   DefaultPolicy(),
		logger:   slog.Default(),
		ids:      event.UUIDv7Generator{},
		clock:    NewClock(),
		now:      time.Now,
		params:   executor.BuildParams,
		inflight: make(map[Key]*Execution),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}
	if c.meter == nil {
		c.meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	c.metrics = newInstruments(c.meter, c.logger)
	c.baseCtx, c.stop = context.WithCancel(context.Background())
	return c
}

// Dispatch starts an execution for every command of d and returns their
// handles in command order. Commands whose key is already in flight join
// the existing execution instead of starting a new one.
//
// Dispatch returns immediately and does no I/O; the pending snapshots are
// recorded and the executions run on a goroutine owned by the coordinator.
// Cancelling ctx does not cancel them.
func (c *Coordinator) Dispatch(ctx context.Context, d router.Decision) ([]*Execution, error) {
	if d.Empty() {
		return nil, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	handles := make([]*Execution, 0, len(d.Commands))
	var fresh []*Execution
	for _, cmd := range d.Commands {
		key := Key{CorrelationID: d.CorrelationID, CommandID: cmd}
		if existing, ok := c.inflight[key]; ok {
			c.logger.DebugContext(ctx, "execution coalesced",
				"correlation_id", key.CorrelationID,
				"command", key.CommandID,
				"execution_id", existing.rec.ID,
			)
			c.metrics.coalesced(ctx, cmd)
			handles = append(handles, existing)
			continue
		}
		now := c.now().UTC()
		x := &Execution{
			rec: Record{
				ID:        c.ids.Generate(),
				Key:       key,
				EventID:   d.EventID,
				Kind:      d.Kind,
				Status:    StatusPending,
				Seq:       c.clock.Next(),
				CreatedAt: now,
				UpdatedAt: now,
			},
			done:  make(chan struct{}),
			owner: c,
		}
		c.inflight[key] = x
		handles = append(handles, x)
		fresh = append(fresh, x)
	}
	if len(fresh) > 0 {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if len(fresh) == 0 {
		return handles, nil
	}

	parent := trace.SpanContextFromContext(ctx)
	go func() {
		defer c.wg.Done()
		runCtx := trace.ContextWithSpanContext(c.baseCtx, parent)
		for _, x := range fresh {
			c.persistPending(runCtx, x)
		}
		for _, x := range fresh {
			c.run(runCtx, x, d.Event)
		}
	}()
	return handles, nil
}

// persistPending records the initial snapshot of x unless x was cancelled
// before the write. x.mu is held so a concurrent finish is recorded after it.
func (c *Coordinator) persistPending(ctx context.Context, x *Execution) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.rec.Status != StatusPending {
		return
	}
	c.persist(ctx, x.rec)
}

// Lookup returns the in-flight execution for key.
func (c *Coordinator) Lookup(key Key) (*Execution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	x, ok := c.inflight[key]
	return x, ok
}

// InFlight returns the number of non-terminal executions.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Cancel cancels the in-flight execution for key.
func (c *Coordinator) Cancel(key Key) bool {
	x, ok := c.Lookup(key)
	if !ok {
		return false
	}
	return x.Cancel()
}

// CancelCorrelation cancels every in-flight execution of a correlation id
// and returns how many were cancelled.
func (c *Coordinator) CancelCorrelation(correlationID string) int {
	c.mu.Lock()
	var targets []*Execution
	for key, x := range c.inflight {
		if key.CorrelationID == correlationID {
			targets = append(targets, x)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, x := range targets {
		if x.Cancel() {
			n++
		}
	}
	return n
}

// Shutdown stops accepting decisions and waits for in-flight executions.
// When ctx ends first, the remaining executions are cancelled and waited
// for, and ctx's error is returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		c.stop()
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		pending := make([]*Execution, 0, len(c.inflight))
		for _, x := range c.inflight {
			pending = append(pending, x)
		}
		c.mu.Unlock()
		for _, x := range pending {
			x.Cancel()
		}
		c.stop()
		<-idle
		return ctx.Err()
	}
}

// run drives one execution through its attempts.
func (c *Coordinator) run(ctx context.Context, x *Execution, ev event.Event) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !x.start(cancel) {
		return
	}

	key := x.Key()
	params := c.params(key.CommandID, ev)
	bo := c.policy.newBackOff()
	maxAttempts := c.policy.maxAttempts()

	for attempt := 1; ; attempt++ {
		ok := c.transition(ctx, x, StatusPending, func(r *Record) {
			r.Attempts = attempt
		})
		if !ok {
			return
		}

		err := c.attempt(ctx, x, attempt, params)
		if ctx.Err() != nil {
			c.finish(x, StatusCancelled, cancelError(ctx))
			return
		}
		if err == nil {
			c.finish(x, StatusSucceeded, nil)
			return
		}

		failure := &ExecutionError{Key: key, Attempts: attempt, Err: err}
		if executor.IsPermanent(err) || attempt >= maxAttempts {
			c.finish(x, StatusFailed, failure)
			return
		}
		wait := bo.NextBackOff()
		if wait < 0 {
			c.finish(x, StatusFailed, failure)
			return
		}

		c.logger.WarnContext(ctx, "command attempt failed, retrying",
			"correlation_id", key.CorrelationID,
			"command", key.CommandID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"retry_in", wait,
			"error", err,
		)
		if !c.transition(ctx, x, StatusRetrying, func(r *Record) { r.LastError = err.Error() }) {
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.finish(x, StatusCancelled, cancelError(ctx))
			return
		}
	}
}

// attempt makes one executor call under the per-attempt timeout.
func (c *Coordinator) attempt(ctx context.Context, x *Execution, n int, params map[string]any) (err error) {
	rec := x.Snapshot()
	ctx, span := c.tracer.Start(ctx, "command "+rec.Key.CommandID, trace.WithAttributes(spanAttributes(rec, n)...))
	defer span.End()

	if timeout := c.policy.timeoutFor(rec.Key.CommandID); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := c.now()
	defer func() {
		if r := recover(); r != nil {
			err = executor.Permanent(fmt.Errorf("executor panic: %v", r))
		}
		elapsed := c.now().Sub(started)
		endSpan(span, err)
		c.metrics.attempt(ctx, rec.Key.CommandID, elapsed, err)

		att := Attempt{ExecutionID: rec.ID, Number: n, StartedAt: started.UTC(), Duration: elapsed}
		if err != nil {
			att.Error = err.Error()
		}
		if recErr := c.recordAttempt(ctx, att); recErr != nil {
			c.logger.Error("record attempt", "execution_id", rec.ID, "error", recErr)
		}
	}()

	return c.exec.Execute(ctx, executor.Request{
		CommandID:     rec.Key.CommandID,
		CorrelationID: rec.Key.CorrelationID,
		EventID:       rec.EventID,
		Attempt:       n,
		Params:        params,
	})
}

func (c *Coordinator) recordAttempt(ctx context.Context, att Attempt) error {
	if c.recorder == nil {
		return nil
	}
	return c.recorder.RecordAttempt(context.WithoutCancel(ctx), att)
}

// transition moves x to a non-terminal status, or updates it in place when
// it already has that status. It returns false when the move is not
// allowed, which happens when x was cancelled concurrently.
func (c *Coordinator) transition(ctx context.Context, x *Execution, to Status, mutate func(*Record)) bool {
	x.mu.Lock()
	if x.rec.Status != to && !x.rec.Status.CanTransition(to) {
		from := x.rec.Status
		x.mu.Unlock()
		if !from.Terminal() {
			c.logger.Error("illegal record transition", "execution_id", x.rec.ID, "from", from, "to", to)
		}
		return false
	}
	x.rec.Status = to
	if mutate != nil {
		mutate(&x.rec)
	}
	x.rec.Seq = c.clock.Next()
	x.rec.UpdatedAt = c.now().UTC()
	snap := x.rec
	x.mu.Unlock()

	c.persist(ctx, snap)
	return true
}

// finish moves x to a terminal status exactly once, releases its key and
// wakes waiters. Once Cancel has been accepted the terminal status is
// always cancelled. It returns false if x was already terminal.
func (c *Coordinator) finish(x *Execution, to Status, err error) bool {
	x.mu.Lock()
	if x.rec.Status.Terminal() {
		x.mu.Unlock()
		return false
	}
	if x.cancelRequested && to != StatusCancelled {
		to, err = StatusCancelled, ErrCancelled
	}
	x.rec.Status = to
	if err != nil {
		x.rec.LastError = err.Error()
	}
	x.rec.Seq = c.clock.Next()
	x.rec.UpdatedAt = c.now().UTC()
	x.err = err
	snap := x.rec
	cancel := x.cancel
	x.mu.Unlock()

	if cancel != nil {
		cancel(ErrCancelled)
	}

	// The terminal snapshot is stored before the key is released so a
	// recorder never sees two in-flight rows for one key.
	ctx := context.Background()
	c.persist(ctx, snap)

	c.mu.Lock()
	if c.inflight[snap.Key] == x {
		delete(c.inflight, snap.Key)
	}
	c.mu.Unlock()

	c.metrics.execution(ctx, snap.Key.CommandID, to)
	c.logTerminal(snap, err)
	if c.onTerminal != nil {
		c.onTerminal(snap, err)
	}
	close(x.done)
	return true
}

// cancelError describes why ctx was cancelled, always matching ErrCancelled.
func cancelError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %v", ErrCancelled, cause)
}

func (c *Coordinator) logTerminal(rec Record, err error) {
	attrs := []any{
		"execution_id", rec.ID,
		"correlation_id", rec.Key.CorrelationID,
		"command", rec.Key.CommandID,
		"attempts", rec.Attempts,
	}
	switch {
	case rec.Status == StatusSucceeded:
		c.logger.Info("command succeeded", attrs...)
	case errors.Is(err, ErrCancelled):
		c.logger.Info("command cancelled", attrs...)
	default:
		c.logger.Error("command failed", append(attrs, "error", err)...)
	}
}

func (c *Coordinator) persist(ctx context.Context, rec Record) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordExecution(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Error("record execution", "execution_id", rec.ID, "status", rec.Status, "error", err)
	}
}
