package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/miszen/internal/engine"
	"github.com/roach88/miszen/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			switch ev.Type {
			case TraceDecision:
				fmt.Fprintf(&buf, "  [%d] %s %s -> %v (%s)\n", i+1, ev.EventID, ev.Kind, ev.Commands, ev.Reason)
			case TraceExecution:
				fmt.Fprintf(&buf, "  [%d]   %s/%s %s attempts=%d\n", i+1, ev.CorrelationID, ev.Command, ev.Status, ev.Attempts)
			}
		}
	}

	return buf.String()
}

// assertExecutionStatus checks that an execution of the command ended in
// the expected status. With several matches the last one is checked.
func assertExecutionStatus(trace []TraceEvent, assertion Assertion) error {
	var found *TraceEvent
	for i := range trace {
		ev := trace[i]
		if ev.Type != TraceExecution || ev.Command != assertion.Command {
			continue
		}
		if assertion.Correlation != "" && ev.CorrelationID != assertion.Correlation {
			continue
		}
		found = &trace[i]
	}

	target := assertion.Command
	if assertion.Correlation != "" {
		target = assertion.Correlation + "/" + assertion.Command
	}
	if found == nil {
		return &AssertionError{
			Type:     AssertExecutionStatus,
			Expected: fmt.Sprintf("execution of %s", target),
			Actual:   "not found in trace",
			Trace:    trace,
		}
	}
	if found.Status != assertion.Status {
		return &AssertionError{
			Type:     AssertExecutionStatus,
			Expected: fmt.Sprintf("%s %s", target, assertion.Status),
			Actual:   fmt.Sprintf("%s %s", target, found.Status),
			Trace:    trace,
		}
	}
	if assertion.Attempts > 0 && found.Attempts != assertion.Attempts {
		return &AssertionError{
			Type:     AssertExecutionStatus,
			Expected: fmt.Sprintf("%s after %d attempt(s)", target, assertion.Attempts),
			Actual:   fmt.Sprintf("%d attempt(s)", found.Attempts),
			Trace:    trace,
		}
	}
	return nil
}

// assertExecutionOrder checks that commands first finished in the
// specified order. Commands don't need to be consecutive.
func assertExecutionOrder(trace []TraceEvent, assertion Assertion) error {
	// Find first position of each expected command
	positions := make(map[string]int)
	for i, ev := range trace {
		if ev.Type != TraceExecution {
			continue
		}
		for _, expected := range assertion.Actions {
			if ev.Command == expected && positions[expected] == 0 {
				positions[expected] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertExecutionOrder,
				Expected: fmt.Sprintf("all commands executed: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing command: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]

		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertExecutionOrder,
				Expected: fmt.Sprintf("commands in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertExecutionCount checks that the command was executed exactly the
// specified number of times.
func assertExecutionCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == TraceExecution && ev.Command == assertion.Command {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertExecutionCount,
			Expected: fmt.Sprintf("%d executions of %s", assertion.Count, assertion.Command),
			Actual:   fmt.Sprintf("%d executions", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertEngineStats compares engine counters by their JSON names.
func assertEngineStats(stats engine.Stats, assertion Assertion) error {
	actual := map[string]int64{
		"received":        stats.Received,
		"filtered":        stats.Filtered,
		"duplicates":      stats.Duplicates,
		"processed":       stats.Processed,
		"routed":          stats.Routed,
		"misses":          stats.Misses,
		"dispatch_errors": stats.DispatchErrors,
	}

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		got, ok := actual[key]
		if !ok {
			return fmt.Errorf("engine_stats: unknown counter %q", key)
		}
		if !stateValuesEqual(assertion.Expect[key], got) {
			return &AssertionError{
				Type:     AssertEngineStats,
				Expected: fmt.Sprintf("%s = %v", key, assertion.Expect[key]),
				Actual:   fmt.Sprintf("%s = %d", key, got),
			}
		}
	}
	return nil
}

// assertFinalState checks that exactly one row of the table matches Where
// and holds the expected values (subset semantics).
//
// Table and column names are validated against a whitelist pattern since
// identifiers cannot be parameterized.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if assertion.Table == "" {
		return fmt.Errorf("final_state assertion requires table name")
	}

	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// More than one match makes the assertion ambiguous.
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any)
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}

		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}

	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are sorted
// for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML-decoded value to a SQL argument.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	case float64:
		if val == float64(int64(val)) {
			return int64(val)
		}
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares a YAML-decoded expected value with a value read
// from SQLite or an engine counter. SQLite returns integers as int64 and
// may return text as []byte.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil && actual == nil {
		return true
	}
	if expected == nil || actual == nil {
		return false
	}

	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		actualStr, ok := actual.(string)
		return ok && exp == actualStr
	case int:
		return intEqual(int64(exp), actual)
	case int64:
		return intEqual(exp, actual)
	case float64:
		if exp == float64(int64(exp)) {
			return intEqual(int64(exp), actual)
		}
		actualFloat, ok := actual.(float64)
		return ok && exp == actualFloat
	case bool:
		if actualBool, ok := actual.(bool); ok {
			return exp == actualBool
		}
		// SQLite stores booleans as integers
		if actualInt, ok := actual.(int64); ok {
			return exp == (actualInt != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

func intEqual(exp int64, actual any) bool {
	switch a := actual.(type) {
	case int64:
		return exp == a
	case int:
		return exp == int64(a)
	}
	return false
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertExecutionStatus:
			err = assertExecutionStatus(result.Trace, assertion)
		case AssertExecutionOrder:
			err = assertExecutionOrder(result.Trace, assertion)
		case AssertExecutionCount:
			err = assertExecutionCount(result.Trace, assertion)
		case AssertEngineStats:
			err = assertEngineStats(result.Stats, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
