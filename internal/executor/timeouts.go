package executor

import "time"

// DefaultTimeout applies to commands without an entry in the timeout table.
const DefaultTimeout = 60 * time.Second

// DefaultCommandTimeouts are the per-attempt timeouts of the known
// assistant commands.
func DefaultCommandTimeouts() map[string]time.Duration {
	return map[string]time.Duration{
		"chat":       60 * time.Second,
		"thinkdeep":  300 * time.Second,
		"challenge":  120 * time.Second,
		"planner":    180 * time.Second,
		"consensus":  240 * time.Second,
		"codereview": 180 * time.Second,
		"precommit":  120 * time.Second,
		"debug":      180 * time.Second,
		"analyze":    150 * time.Second,
		"refactor":   180 * time.Second,
		"tracer":     120 * time.Second,
		"testgen":    180 * time.Second,
		"secaudit":   240 * time.Second,
		"docgen":     150 * time.Second,
		"listmodels": 30 * time.Second,
		"version":    10 * time.Second,
	}
}
