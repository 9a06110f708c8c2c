package testutil

import (
	"context"
	"sync"

	"github.com/roach88/miszen/internal/executor"
)

// ScriptedExecutor is an executor.Executor whose outcomes are scripted per
// command. Unscripted commands succeed.
//
// Thread-safety: safe for concurrent use.
type ScriptedExecutor struct {
	mu      sync.Mutex
	results map[string][]error
	gates   map[string]chan struct{}
	calls   []executor.Request
	started chan executor.Request
}

// NewScriptedExecutor creates an executor where every command succeeds.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{
		results: make(map[string][]error),
		gates:   make(map[string]chan struct{}),
		started: make(chan executor.Request, 64),
	}
}

// Script sets the results of successive attempts of command. Attempts past
// the end of results succeed.
func (s *ScriptedExecutor) Script(command string, results ...error) *ScriptedExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[command] = append([]error(nil), results...)
	return s
}

// Block makes calls for command wait until the returned release function
// is called or their context ends.
func (s *ScriptedExecutor) Block(command string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[command] = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// Started delivers each request as its call begins. Buffered; requests are
// dropped when nobody reads.
func (s *ScriptedExecutor) Started() <-chan executor.Request {
	return s.started
}

// Execute implements executor.Executor.
func (s *ScriptedExecutor) Execute(ctx context.Context, req executor.Request) error {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var result error
	if rs := s.results[req.CommandID]; len(rs) > 0 {
		result = rs[0]
		s.results[req.CommandID] = rs[1:]
	}
	gate := s.gates[req.CommandID]
	s.mu.Unlock()

	select {
	case s.started <- req:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return result
}

// Calls returns every request received, in order.
func (s *ScriptedExecutor) Calls() []executor.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]executor.Request(nil), s.calls...)
}

// CallCount returns how many times command was executed.
func (s *ScriptedExecutor) CallCount(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.CommandID == command {
			n++
		}
	}
	return n
}
