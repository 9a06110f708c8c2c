package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/miszen/internal/coordinator"
	"github.com/roach88/miszen/internal/engine"
	"github.com/roach88/miszen/internal/event"
	"github.com/roach88/miszen/internal/executor"
	"github.com/roach88/miszen/internal/mapping"
	"github.com/roach88/miszen/internal/router"
	"github.com/roach88/miszen/internal/store"
	"github.com/roach88/miszen/internal/testutil"
)

// scenarioEpoch is the first timestamp handed out by the scenario clock.
var scenarioEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Errors returned by scripted executions.
var (
	errTransient = errors.New("transient failure")
	errPermanent = errors.New("permanent failure")
)

// Harness is the test execution engine for one scenario.
type Harness struct {
	store   *store.Store
	coord   *coordinator.Coordinator
	exec    *testutil.ScriptedExecutor
	clock   *testutil.StepClock
	ids     *testutil.SequenceIDGenerator
	logger  *slog.Logger
	expects map[string]*ExpectClause
	result  *Result
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh in-memory database. Events are
// submitted in order and each event's executions finish before the next
// event is routed.
//
// Execution flow:
// 1. Create fresh in-memory database and load the mapping
// 2. Submit every event to the engine
// 3. Drain the engine and shut the coordinator down
// 4. Evaluate assertions against the trace, counters and store
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	table, err := loadMapping(scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewStepClock(scenarioEpoch, time.Second)
	exec, err := scriptedExecutor(scenario.Script)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		store:   st,
		exec:    exec,
		clock:   clock,
		ids:     testutil.NewSequenceIDGenerator("evt"),
		logger:  logger,
		expects: make(map[string]*ExpectClause),
		result:  NewResult(),
	}
	h.coord = coordinator.New(exec,
		coordinator.WithPolicy(scenarioPolicy(scenario.MaxAttempts)),
		coordinator.WithRecorder(st),
		coordinator.WithLogger(logger),
		coordinator.WithIDGenerator(testutil.NewSequenceIDGenerator("exec")),
		coordinator.WithNow(clock.Now),
	)

	eng, err := engine.New(router.New(table, logger), syncDispatcher{h.coord},
		engine.WithIDGenerator(h.ids),
		engine.WithNow(clock.Now),
		engine.WithLogger(logger),
		engine.WithDecisionHook(h.observe),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	ctx := context.Background()

	if err := h.submit(eng, scenario.Events); err != nil {
		return nil, fmt.Errorf("failed to submit events: %w", err)
	}
	eng.Stop()
	if err := eng.Run(ctx); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := h.coord.Shutdown(ctx); err != nil {
		return nil, fmt.Errorf("coordinator shutdown: %w", err)
	}

	result := h.result
	result.Stats = eng.Stats()

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

// submit parses every event step and enqueues it. Ids are assigned here so
// expect clauses can be matched to decisions.
func (h *Harness) submit(eng *engine.Engine, steps []EventStep) error {
	for i, step := range steps {
		raw, err := json.Marshal(step.Event)
		if err != nil {
			return fmt.Errorf("events[%d]: encode event: %w", i, err)
		}
		ev, err := event.Parse(raw)
		if err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}
		ev = event.Normalize(ev, h.ids, h.clock.Now())

		if _, seen := h.expects[ev.ID]; !seen {
			h.expects[ev.ID] = step.Expect
		}
		if !eng.Enqueue(ev) {
			return fmt.Errorf("events[%d]: engine stopped", i)
		}
	}
	return nil
}

// observe records a decision and the terminal state of its executions.
// Called from the engine loop after dispatch has waited for them.
func (h *Harness) observe(d router.Decision, executions []*coordinator.Execution) {
	h.result.AddDecisionTrace(TraceEvent{
		EventID:         d.EventID,
		Kind:            string(d.Kind),
		CorrelationID:   d.CorrelationID,
		Reason:          string(d.Reason),
		Commands:        d.Commands,
		FailedCondition: d.FailedCondition,
	})

	if expect := h.expects[d.EventID]; expect != nil {
		if string(d.Reason) != expect.Reason {
			h.result.AddError(fmt.Sprintf("event %s: expected reason %s, got %s", d.EventID, expect.Reason, d.Reason))
		}
		if expect.Commands != nil && !slices.Equal(expect.Commands, d.Commands) {
			h.result.AddError(fmt.Sprintf("event %s: expected commands %v, got %v", d.EventID, expect.Commands, d.Commands))
		}
	}

	for _, x := range executions {
		rec := x.Snapshot()
		h.result.AddExecutionTrace(TraceEvent{
			CorrelationID: rec.Key.CorrelationID,
			Command:       rec.Key.CommandID,
			Status:        string(rec.Status),
			Attempts:      rec.Attempts,
			Error:         rec.LastError,
			Seq:           rec.Seq,
		})
		h.logger.Info("execution finished",
			"execution_id", rec.ID,
			"command", rec.Key.CommandID,
			"status", rec.Status,
		)
	}
}

// syncDispatcher waits for every execution of a decision before returning,
// which serializes commands across events and keeps sequence numbers
// stable between runs.
type syncDispatcher struct {
	coord *coordinator.Coordinator
}

func (s syncDispatcher) Dispatch(ctx context.Context, d router.Decision) ([]*coordinator.Execution, error) {
	handles, err := s.coord.Dispatch(ctx, d)
	if err != nil {
		return nil, err
	}
	for _, x := range handles {
		// Failures are part of the trace; only ctx errors stop the wait.
		if _, err := x.Wait(ctx); err != nil && ctx.Err() != nil {
			return handles, err
		}
	}
	return handles, nil
}

func loadMapping(s *Scenario) (*mapping.Table, error) {
	if s.Mapping == "" {
		return mapping.Default(), nil
	}
	var opts []mapping.LoadOption
	if s.Lenient {
		opts = append(opts, mapping.WithLenientConditions())
	}
	return mapping.Load(s.Mapping, opts...)
}

// scenarioPolicy retries quickly with no jitter and no per-command timeouts.
func scenarioPolicy(maxAttempts int) coordinator.Policy {
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return coordinator.Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		AttemptTimeout:  10 * time.Second,
	}
}

func scriptedExecutor(script map[string][]string) (*testutil.ScriptedExecutor, error) {
	exec := testutil.NewScriptedExecutor()
	for command, outcomes := range script {
		results := make([]error, len(outcomes))
		for i, o := range outcomes {
			switch o {
			case OutcomeOK:
			case OutcomeTransient:
				results[i] = errTransient
			case OutcomePermanent:
				results[i] = executor.Permanent(errPermanent)
			default:
				return nil, fmt.Errorf("script[%s][%d]: unknown outcome %q", command, i, o)
			}
		}
		exec.Script(command, results...)
	}
	return exec, nil
}
