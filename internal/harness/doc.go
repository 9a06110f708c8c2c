// Package harness runs routing conformance scenarios.
//
// A scenario routes a stream of events through the real engine, router and
// coordinator. Command execution is scripted, identifiers and timestamps
// are deterministic, and records go to an in-memory store, so the trace of
// decisions and terminal executions is identical on every run and can be
// compared against a golden file.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	mapping: mappings/custom.json   # optional; built-in table when omitted
//	max_attempts: 3
//	script:
//	  docgen: [transient, ok]
//	events:
//	  - event: {kind: file_created, correlation_id: c1, payload: {file_path: a.py}}
//	    expect:
//	      reason: matched
//	      commands: [analyze, docgen]
//	assertions:
//	  - type: execution_status
//	    command: docgen
//	    status: succeeded
//	    attempts: 2
//	  - type: final_state
//	    table: executions
//	    where: {command_id: docgen}
//	    expect: {status: succeeded}
//
// # Assertion Types
//
//   - execution_status: the last execution of a command ended in a status
//   - execution_order: commands first finished in the listed order
//   - execution_count: a command was executed exactly N times
//   - engine_stats: engine counters (received, routed, misses, duplicates, ...)
//   - final_state: exactly one store row matches and holds the expected values
//
// # Deterministic Testing
//
// Events are routed one at a time and each event's executions finish before
// the next is routed. Event ids default to evt-0001, evt-0002, ...;
// execution ids to exec-0001, ...; the wall clock advances one second per
// reading from 2026-01-01T00:00:00Z. Retries back off by milliseconds with
// no jitter.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/retry.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
