package condition

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/miszen/internal/event"
)

func TestEvaluate_EmptySetAlwaysMatches(t *testing.T) {
	for _, payload := range []event.Payload{nil, {}, {"anything": 1}} {
		res := Evaluate(nil, payload)
		assert.True(t, res.Matched)
		assert.Empty(t, res.Warnings)
	}
}

func TestEvaluate_Extensions(t *testing.T) {
	set := NewSet(ExtensionIn{Extensions: []string{".py", ".js"}})

	assert.True(t, Evaluate(set, event.Payload{"extension": ".py"}).Matched)
	assert.True(t, Evaluate(set, event.Payload{"extension": ".js"}).Matched)

	res := Evaluate(set, event.Payload{"extension": ".rb"})
	assert.False(t, res.Matched)
	assert.Equal(t, KeyExtensions, res.Failed)
	assert.Empty(t, res.Warnings, "a non-member is a plain miss, not a warning")

	// Case-sensitive and dot required.
	assert.False(t, Evaluate(set, event.Payload{"extension": ".PY"}).Matched)
	assert.False(t, Evaluate(set, event.Payload{"extension": "py"}).Matched)

	// Derived from file_path when extension is absent.
	assert.True(t, Evaluate(set, event.Payload{"file_path": "pkg/mod.py"}).Matched)
}

func TestEvaluate_ExtensionsMissingField(t *testing.T) {
	set := NewSet(ExtensionIn{Extensions: []string{".py"}})

	res := Evaluate(set, event.Payload{})
	assert.False(t, res.Matched)
	require.Len(t, res.Warnings, 1)

	var evalErr *EvalError
	require.True(t, errors.As(res.Warnings[0], &evalErr))
	assert.Equal(t, KeyExtensions, evalErr.Condition)
	assert.False(t, evalErr.Config)
}

func TestEvaluate_Severity(t *testing.T) {
	set := NewSet(SeverityIn{Levels: []string{"error", "critical"}})

	assert.True(t, Evaluate(set, event.Payload{"severity": "critical"}).Matched)
	assert.False(t, Evaluate(set, event.Payload{"severity": "warning"}).Matched)

	res := Evaluate(set, event.Payload{"severity": 3})
	assert.False(t, res.Matched)
	assert.Len(t, res.Warnings, 1)
}

func TestEvaluate_ComparesNFC(t *testing.T) {
	set, err := Compile(map[string]any{
		"extensions": []any{".cafe\u0301"},
		"severity":   []any{"cr\u00edtico"},
	}, true)
	require.NoError(t, err)

	assert.True(t, Evaluate(set, event.Payload{"extension": ".caf\u00e9", "severity": "cri\u0301tico"}).Matched)
	assert.True(t, Evaluate(set, event.Payload{"extension": ".cafe\u0301", "severity": "cr\u00edtico"}).Matched)
	assert.False(t, Evaluate(set, event.Payload{"extension": ".cafe", "severity": "cr\u00edtico"}).Matched)
}

func TestEvaluate_MinLines(t *testing.T) {
	set := NewSet(MinLines{Threshold: 50})

	tests := []struct {
		name    string
		payload event.Payload
		matched bool
		warns   int
	}{
		{"below threshold", event.Payload{"lines_changed": 49}, false, 0},
		{"at threshold", event.Payload{"lines_changed": 50}, true, 0},
		{"above threshold", event.Payload{"lines_changed": 51.0}, true, 0},
		{"json number", event.Payload{"lines_changed": json.Number("50")}, true, 0},
		{"absent", event.Payload{}, false, 1},
		{"not numeric", event.Payload{"lines_changed": "many"}, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(set, tt.payload)
			assert.Equal(t, tt.matched, res.Matched)
			assert.Len(t, res.Warnings, tt.warns)
		})
	}
}

func TestEvaluate_UnknownFailsClosed(t *testing.T) {
	set := NewSet(Unknown{Name: "branch", Value: "main"})

	res := Evaluate(set, event.Payload{"branch": "main"})
	assert.False(t, res.Matched)
	require.Len(t, res.Warnings, 1)

	var evalErr *EvalError
	require.True(t, errors.As(res.Warnings[0], &evalErr))
	assert.True(t, evalErr.Config)
	assert.Equal(t, "branch", evalErr.Condition)
}

func TestEvaluate_Conjunction(t *testing.T) {
	set := NewSet(
		MinLines{Threshold: 10},
		ExtensionIn{Extensions: []string{".go"}},
	)

	assert.True(t, Evaluate(set, event.Payload{"extension": ".go", "lines_changed": 10}).Matched)

	res := Evaluate(set, event.Payload{"extension": ".go", "lines_changed": 9})
	assert.False(t, res.Matched)
	assert.Equal(t, KeyMinLines, res.Failed)
}

func TestNewSet_SortedByKey(t *testing.T) {
	set := NewSet(MinLines{Threshold: 1}, SeverityIn{Levels: []string{"x"}}, ExtensionIn{Extensions: []string{".a"}})
	keys := make([]string, len(set))
	for i, c := range set {
		keys[i] = c.Key()
	}
	assert.Equal(t, []string{KeyExtensions, KeyMinLines, KeySeverity}, keys)
}

func TestCompile(t *testing.T) {
	set, err := Compile(map[string]any{
		"extensions": []any{".py", ".js"},
		"severity":   []any{"error"},
		"min_lines":  json.Number("10"),
	}, true)
	require.NoError(t, err)
	require.Len(t, set, 3)
	assert.Equal(t, ExtensionIn{Extensions: []string{".py", ".js"}}, set[0])
	assert.Equal(t, MinLines{Threshold: 10}, set[1])
	assert.Equal(t, SeverityIn{Levels: []string{"error"}}, set[2])

	empty, err := Compile(map[string]any{}, true)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]any
		contain string
		unknown bool
	}{
		{"unknown key strict", map[string]any{"branch": "main"}, "unknown condition key", true},
		{"extensions not a list", map[string]any{"extensions": ".py"}, "expected a list", false},
		{"extensions empty", map[string]any{"extensions": []any{}}, "must not be empty", false},
		{"extension without dot", map[string]any{"extensions": []any{"py"}}, "must start with a dot", false},
		{"severity non-string entry", map[string]any{"severity": []any{"error", 3}}, "non-empty string", false},
		{"min_lines negative", map[string]any{"min_lines": -1.0}, "non-negative", false},
		{"min_lines fractional", map[string]any{"min_lines": 1.5}, "non-negative integer", false},
		{"min_lines string", map[string]any{"min_lines": "10"}, "expected an integer", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.raw, true)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contain)

			var ce *CompileError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.unknown, ce.Unknown)
		})
	}
}

func TestCompile_LenientKeepsUnknown(t *testing.T) {
	set, err := Compile(map[string]any{"branch": "main", "min_lines": 5}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"branch"}, set.Unknowns())
}
