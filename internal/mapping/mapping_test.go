package mapping

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/miszen/internal/condition"
	"github.com/roach88/miszen/internal/event"
)

func requireCode(t *testing.T, err error, code ConfigErrorCode) {
	t.Helper()
	require.Error(t, err)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, code, ce.Code, "error: %v", err)
}

func TestDefault(t *testing.T) {
	table := Default()

	require.Equal(t, 4, table.Len())
	assert.Equal(t, []event.Kind{
		event.KindFileCreated,
		event.KindErrorDetected,
		event.KindCodeChanged,
		event.KindTestFailed,
	}, table.Kinds())

	rule, ok := table.Lookup(event.KindFileCreated)
	require.True(t, ok)
	assert.Equal(t, []string{"analyze", "docgen"}, rule.Commands)
	require.Len(t, rule.Conditions, 1)
	assert.Equal(t, condition.ExtensionIn{Extensions: []string{".py", ".js", ".ts"}}, rule.Conditions[0])

	rule, ok = table.Lookup(event.KindCodeChanged)
	require.True(t, ok)
	assert.Equal(t, condition.MinLines{Threshold: 10}, rule.Conditions[0])

	rule, ok = table.Lookup(event.KindTestFailed)
	require.True(t, ok)
	assert.Empty(t, rule.Conditions)

	_, ok = table.Lookup(event.KindSecurityAlert)
	assert.False(t, ok)
}

func TestParse_Valid(t *testing.T) {
	doc := `{
		"security_alert": {
			"conditions": {"severity": ["high"]},
			"commands": ["secaudit"],
			"description": "audit"
		}
	}`

	table, err := Parse("test.json", []byte(doc))
	require.NoError(t, err)

	rule, ok := table.Lookup(event.KindSecurityAlert)
	require.True(t, ok)
	assert.Equal(t, "audit", rule.Description)
	assert.Equal(t, []string{"secaudit"}, rule.Commands)
	assert.Equal(t, condition.Set{condition.SeverityIn{Levels: []string{"high"}}}, rule.Conditions)
}

func TestParse_EmptyDocument(t *testing.T) {
	table, err := Parse("empty.json", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 0, table.Len())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		code ConfigErrorCode
	}{
		{
			name: "not json",
			doc:  `{"file_created": `,
			code: ErrCodeMalformed,
		},
		{
			name: "top level array",
			doc:  `[]`,
			code: ErrCodeMalformed,
		},
		{
			name: "trailing data",
			doc:  `{} {}`,
			code: ErrCodeMalformed,
		},
		{
			name: "entry not object",
			doc:  `{"file_created": "analyze"}`,
			code: ErrCodeMalformed,
		},
		{
			name: "missing commands",
			doc:  `{"file_created": {"conditions": {}, "description": "x"}}`,
			code: ErrCodeMissingCommands,
		},
		{
			name: "empty commands",
			doc:  `{"file_created": {"conditions": {}, "commands": [], "description": "x"}}`,
			code: ErrCodeEmptyCommands,
		},
		{
			name: "commands not strings",
			doc:  `{"file_created": {"conditions": {}, "commands": [1], "description": "x"}}`,
			code: ErrCodeMalformed,
		},
		{
			name: "empty command id",
			doc:  `{"file_created": {"conditions": {}, "commands": [""], "description": "x"}}`,
			code: ErrCodeMalformed,
		},
		{
			name: "missing conditions",
			doc:  `{"file_created": {"commands": ["analyze"], "description": "x"}}`,
			code: ErrCodeMissingField,
		},
		{
			name: "missing description",
			doc:  `{"file_created": {"conditions": {}, "commands": ["analyze"]}}`,
			code: ErrCodeMissingField,
		},
		{
			name: "unknown condition",
			doc:  `{"file_created": {"conditions": {"author": "bob"}, "commands": ["analyze"], "description": "x"}}`,
			code: ErrCodeUnknownCondition,
		},
		{
			name: "extension without dot",
			doc:  `{"file_created": {"conditions": {"extensions": ["py"]}, "commands": ["analyze"], "description": "x"}}`,
			code: ErrCodeInvalidCondition,
		},
		{
			name: "negative min_lines",
			doc:  `{"code_changed": {"conditions": {"min_lines": -1}, "commands": ["codereview"], "description": "x"}}`,
			code: ErrCodeInvalidCondition,
		},
		{
			name: "duplicate kind",
			doc: `{
				"file_created": {"conditions": {}, "commands": ["analyze"], "description": "a"},
				"file_created": {"conditions": {}, "commands": ["docgen"], "description": "b"}
			}`,
			code: ErrCodeDuplicateKind,
		},
		{
			name: "command with whitespace",
			doc:  `{"file_created": {"conditions": {}, "commands": ["run tests"], "description": "x"}}`,
			code: ErrCodeSchema,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test.json", []byte(tt.doc))
			requireCode(t, err, tt.code)
		})
	}
}

func TestParse_DuplicateKindAfterNormalization(t *testing.T) {
	// Precomposed U+00E9 and e followed by a combining acute accent.
	doc := "{\"caf\u00e9\": {\"conditions\": {}, \"commands\": [\"a\"], \"description\": \"\"}," +
		"\"cafe\u0301\": {\"conditions\": {}, \"commands\": [\"b\"], \"description\": \"\"}}"

	_, err := Parse("test.json", []byte(doc))
	requireCode(t, err, ErrCodeDuplicateKind)
}

func TestParse_LenientUnknownCondition(t *testing.T) {
	doc := `{"file_created": {"conditions": {"author": "bob"}, "commands": ["analyze"], "description": "x"}}`

	table, err := Parse("test.json", []byte(doc), WithLenientConditions())
	require.NoError(t, err)

	rule, ok := table.Lookup(event.KindFileCreated)
	require.True(t, ok)
	require.Len(t, rule.Conditions, 1)
	assert.Equal(t, condition.Unknown{Name: "author", Value: "bob"}, rule.Conditions[0])
	assert.Len(t, rule.Conditions.Unknowns(), 1)
}

func TestParse_DuplicateCommandsKept(t *testing.T) {
	doc := `{"test_failed": {"conditions": {}, "commands": ["debug", "debug"], "description": ""}}`

	table, err := Parse("test.json", []byte(doc))
	require.NoError(t, err)

	rule, _ := table.Lookup(event.KindTestFailed)
	assert.Equal(t, []string{"debug", "debug"}, rule.Commands)
}

func TestConfigError_Message(t *testing.T) {
	err := &ConfigError{Code: ErrCodeEmptyCommands, Kind: "file_created", Field: "commands", Message: "commands must not be empty"}
	assert.Equal(t, "EMPTY_COMMANDS: commands must not be empty (kind=file_created, field=commands)", err.Error())

	assert.True(t, IsConfigError(err))
	assert.True(t, IsConfigError(err, ErrCodeMalformed, ErrCodeEmptyCommands))
	assert.False(t, IsConfigError(err, ErrCodeMalformed))
	assert.False(t, IsConfigError(os.ErrNotExist))
}

func TestNewTable_Duplicate(t *testing.T) {
	r := Rule{Kind: event.KindTestFailed, Commands: []string{"debug"}}
	_, err := NewTable(r, r)
	requireCode(t, err, ErrCodeDuplicateKind)
}

func TestNewTable_CopiesCommands(t *testing.T) {
	cmds := []string{"debug"}
	table, err := NewTable(Rule{Kind: event.KindTestFailed, Commands: cmds})
	require.NoError(t, err)

	cmds[0] = "mutated"
	rule, _ := table.Lookup(event.KindTestFailed)
	assert.Equal(t, []string{"debug"}, rule.Commands)
}

func TestTable_NilSafe(t *testing.T) {
	var table *Table
	_, ok := table.Lookup(event.KindFileCreated)
	assert.False(t, ok)
	assert.Equal(t, 0, table.Len())
	assert.Nil(t, table.Kinds())
	assert.Equal(t, "", table.Fingerprint())
}

func TestFingerprint(t *testing.T) {
	a := `{
		"file_created": {"conditions": {"extensions": [".py"]}, "commands": ["analyze"], "description": "one"},
		"test_failed": {"conditions": {}, "commands": ["debug"], "description": "two"}
	}`
	reordered := `{
		"test_failed": {"conditions": {}, "commands": ["debug"], "description": "changed"},
		"file_created": {"conditions": {"extensions": [".py"]}, "commands": ["analyze"], "description": "one"}
	}`
	different := `{
		"file_created": {"conditions": {"extensions": [".py"]}, "commands": ["docgen"], "description": "one"},
		"test_failed": {"conditions": {}, "commands": ["debug"], "description": "two"}
	}`

	ta, err := Parse("a.json", []byte(a))
	require.NoError(t, err)
	tb, err := Parse("b.json", []byte(reordered))
	require.NoError(t, err)
	tc, err := Parse("c.json", []byte(different))
	require.NoError(t, err)

	assert.Len(t, ta.Fingerprint(), 64)
	assert.Equal(t, ta.Fingerprint(), tb.Fingerprint())
	assert.NotEqual(t, ta.Fingerprint(), tc.Fingerprint())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapping.json")
	require.NoError(t, os.WriteFile(path, DefaultJSON(), 0o644))

	table, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Fingerprint(), table.Fingerprint())
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	requireCode(t, err, ErrCodeNotFound)
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()

	table, usedDefault, err := LoadOrDefault(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.True(t, usedDefault)
	assert.Equal(t, 4, table.Len())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"x": {}}`), 0o644))
	_, usedDefault, err = LoadOrDefault(bad)
	requireCode(t, err, ErrCodeMissingCommands)
	assert.False(t, usedDefault)
}

func TestSchema_Embedded(t *testing.T) {
	assert.Contains(t, Schema(), "#Mappings")
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapping.json")
	require.NoError(t, os.WriteFile(path, DefaultJSON(), 0o644))

	initial, err := Load(path)
	require.NoError(t, err)

	reloaded := make(chan *Table, 4)
	w := NewWatcher(path, initial, func(t *Table) { reloaded <- t }, nil)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	updated := []byte(`{"test_failed": {"conditions": {}, "commands": ["debug"], "description": "only"}}`)
	var got *Table
	require.Eventually(t, func() bool {
		// Rewrite until the watch is registered and the change is seen.
		_ = os.WriteFile(path, updated, 0o644)
		select {
		case got = <-reloaded:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, 1, got.Len())
	assert.NotEqual(t, initial.Fingerprint(), got.Fingerprint())

	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapping.json")
	require.NoError(t, os.WriteFile(path, DefaultJSON(), 0o644))

	called := false
	w := NewWatcher(path, Default(), func(*Table) { called = true }, nil)

	require.NoError(t, os.WriteFile(path, []byte(`{"broken": `), 0o644))
	w.reload()
	assert.False(t, called)
	assert.Equal(t, Default().Fingerprint(), w.last)

	require.NoError(t, os.WriteFile(path, DefaultJSON(), 0o644))
	w.reload()
	assert.False(t, called, "unchanged content must not be delivered")
}
