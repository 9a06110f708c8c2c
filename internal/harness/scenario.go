package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/miszen/internal/router"
)

// Scenario defines a routing conformance scenario: a mapping table, a
// stream of events and the decisions and executions they must produce.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Mapping is the mapping file to route with, relative to the scenario
	// file. Empty uses the built-in table.
	Mapping string `yaml:"mapping,omitempty"`

	// Lenient accepts unknown condition keys in Mapping.
	Lenient bool `yaml:"lenient,omitempty"`

	// MaxAttempts overrides the retry budget (default 3).
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Script lists the outcome of successive attempts per command: ok,
	// transient or permanent. Attempts past the end of a list succeed.
	Script map[string][]string `yaml:"script,omitempty"`

	// Events are submitted in order; each is routed and its executions
	// run to completion before the next.
	Events []EventStep `yaml:"events"`

	// Assertions validate the final trace, engine counters and store.
	Assertions []Assertion `yaml:"assertions"`
}

// EventStep submits one event.
type EventStep struct {
	// Event is the event document in either wire shape.
	Event map[string]any `yaml:"event"`

	// Expect checks the routing decision. Nil skips the check.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected routing decision.
type ExpectClause struct {
	Reason string `yaml:"reason"`

	// Commands is compared exactly when set.
	Commands []string `yaml:"commands,omitempty"`
}

// Assertion validates the trace, engine counters or final store state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Command selects executions (execution_status, execution_count).
	Command string `yaml:"command,omitempty"`

	// Correlation narrows execution_status to one correlation id.
	Correlation string `yaml:"correlation,omitempty"`

	// Status and Attempts are the expected terminal state (execution_status).
	Status   string `yaml:"status,omitempty"`
	Attempts int    `yaml:"attempts,omitempty"`

	// Count is the expected number of executions (execution_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected first-execution order of commands.
	Actions []string `yaml:"actions,omitempty"`

	// Table and Where select rows for final_state.
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Expect holds expected values (final_state columns, engine_stats counters).
	// Subset match: only listed fields are compared.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertExecutionStatus = "execution_status"
	AssertExecutionOrder  = "execution_order"
	AssertExecutionCount  = "execution_count"
	AssertEngineStats     = "engine_stats"
	AssertFinalState      = "final_state"
)

// Scripted outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
)

// LoadScenario reads and parses a scenario YAML file. A relative mapping
// path is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the mapping path relative to basePath.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	// Resolve the mapping path BEFORE validation
	if scenario.Mapping != "" && !filepath.IsAbs(scenario.Mapping) && basePath != "" {
		scenario.Mapping = filepath.Join(basePath, scenario.Mapping)
	}

	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return scenario, nil
}

// ParseScenario decodes a scenario document without validating it.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Events) == 0 {
		return fmt.Errorf("events list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative")
	}

	if s.Mapping != "" {
		if _, err := os.Stat(s.Mapping); os.IsNotExist(err) {
			return fmt.Errorf("mapping file not found: %s", s.Mapping)
		}
	}

	for command, outcomes := range s.Script {
		for i, o := range outcomes {
			switch o {
			case OutcomeOK, OutcomeTransient, OutcomePermanent:
			default:
				return fmt.Errorf("script[%s][%d]: unknown outcome %q", command, i, o)
			}
		}
	}

	for i, step := range s.Events {
		if step.Event == nil {
			return fmt.Errorf("events[%d]: event is required", i)
		}
		if step.Expect != nil && !validReason(step.Expect.Reason) {
			return fmt.Errorf("events[%d].expect: unknown reason %q", i, step.Expect.Reason)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validReason(r string) bool {
	switch router.Reason(r) {
	case router.ReasonMatched, router.ReasonNoRule, router.ReasonConditionsFalse, router.ReasonDisabled:
		return true
	}
	return false
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertExecutionStatus:
		if a.Command == "" {
			return fmt.Errorf("assertions[%d]: command is required for execution_status", index)
		}
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for execution_status", index)
		}
	case AssertExecutionOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for execution_order", index)
		}
	case AssertExecutionCount:
		if a.Command == "" {
			return fmt.Errorf("assertions[%d]: command is required for execution_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for execution_count", index)
		}
	case AssertEngineStats:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for engine_stats", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
