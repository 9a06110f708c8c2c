package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/miszen/internal/condition"
	"github.com/roach88/miszen/internal/event"
)

// LoadOption configures loading.
type LoadOption func(*loadOptions)

type loadOptions struct {
	lenient bool
}

// WithLenientConditions compiles unknown condition keys to a condition that
// always fails instead of rejecting the table. The router logs a
// configuration warning each time such a rule is consulted.
func WithLenientConditions() LoadOption {
	return func(o *loadOptions) {
		o.lenient = true
	}
}

// Load reads and parses the mapping file at path.
func Load(path string, opts ...LoadOption) (*Table, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &ConfigError{Code: ErrCodeNotFound, Message: fmt.Sprintf("mapping file not found: %s", path), Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	return Parse(filepath.Base(path), data, opts...)
}

// LoadOrDefault loads path, falling back to the built-in table when the
// file does not exist. Any other error is returned unchanged.
func LoadOrDefault(path string, opts ...LoadOption) (t *Table, usedDefault bool, err error) {
	t, err = Load(path, opts...)
	if IsConfigError(err, ErrCodeNotFound) {
		return Default(), true, nil
	}
	return t, false, err
}

// Parse builds a table from a JSON mapping document. name is used in error
// positions only.
//
// Structural problems are reported with specific codes before the document
// is checked against the CUE schema, so the first error an operator sees
// names the actual problem.
func Parse(name string, data []byte, opts ...LoadOption) (*Table, error) {
	o := loadOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	kinds, err := scanKinds(data)
	if err != nil {
		return nil, err
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &ConfigError{Code: ErrCodeMalformed, Message: "mapping document must be a JSON object", Err: err}
	}

	rules := make([]Rule, 0, len(kinds))
	for _, k := range kinds {
		rule, err := parseEntry(k.normalized, entries[k.raw], !o.lenient)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	if err := validateSchema(name, data); err != nil {
		return nil, err
	}

	return NewTable(rules...)
}

type declaredKind struct {
	raw        string
	normalized string
}

// scanKinds walks the top-level object and returns its keys in declaration
// order. encoding/json keeps only the last of duplicated keys, so duplicates
// (including keys that differ only in Unicode normalisation) are detected
// here.
func scanKinds(data []byte) ([]declaredKind, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, &ConfigError{Code: ErrCodeMalformed, Message: "invalid JSON", Err: err}
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, &ConfigError{Code: ErrCodeMalformed, Message: "mapping document must be a JSON object"}
	}

	seen := make(map[string]bool)
	var kinds []declaredKind
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, &ConfigError{Code: ErrCodeMalformed, Message: "invalid JSON", Err: err}
		}
		raw, ok := tok.(string)
		if !ok {
			return nil, &ConfigError{Code: ErrCodeMalformed, Message: "invalid object key"}
		}
		normalized := norm.NFC.String(raw)
		if normalized == "" {
			return nil, &ConfigError{Code: ErrCodeMalformed, Message: "event kind must not be empty"}
		}
		if seen[normalized] {
			return nil, &ConfigError{Code: ErrCodeDuplicateKind, Kind: normalized, Message: "event kind declared more than once"}
		}
		seen[normalized] = true
		kinds = append(kinds, declaredKind{raw: raw, normalized: normalized})

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, &ConfigError{Code: ErrCodeMalformed, Kind: normalized, Message: "invalid JSON", Err: err}
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, &ConfigError{Code: ErrCodeMalformed, Message: "invalid JSON", Err: err}
	}
	if _, err := dec.Token(); err == nil {
		return nil, &ConfigError{Code: ErrCodeMalformed, Message: "unexpected data after mapping object"}
	}
	return kinds, nil
}

func parseEntry(kind string, raw json.RawMessage, strict bool) (Rule, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Rule{}, &ConfigError{Code: ErrCodeMalformed, Kind: kind, Message: "entry must be a JSON object", Err: err}
	}

	commandsRaw, ok := fields["commands"]
	if !ok || isNull(commandsRaw) {
		return Rule{}, &ConfigError{Code: ErrCodeMissingCommands, Kind: kind, Field: "commands", Message: "commands is required"}
	}
	var commands []string
	if err := json.Unmarshal(commandsRaw, &commands); err != nil {
		return Rule{}, &ConfigError{Code: ErrCodeMalformed, Kind: kind, Field: "commands", Message: "commands must be an array of strings", Err: err}
	}
	if len(commands) == 0 {
		return Rule{}, &ConfigError{Code: ErrCodeEmptyCommands, Kind: kind, Field: "commands", Message: "commands must not be empty"}
	}
	for i, c := range commands {
		if c == "" {
			return Rule{}, &ConfigError{Code: ErrCodeMalformed, Kind: kind, Field: "commands", Message: fmt.Sprintf("command %d is empty", i)}
		}
		commands[i] = norm.NFC.String(c)
	}

	condRaw, ok := fields["conditions"]
	if !ok || isNull(condRaw) {
		return Rule{}, &ConfigError{Code: ErrCodeMissingField, Kind: kind, Field: "conditions", Message: "conditions is required (use {} for none)"}
	}
	dec := json.NewDecoder(bytes.NewReader(condRaw))
	dec.UseNumber()
	var condMap map[string]any
	if err := dec.Decode(&condMap); err != nil {
		return Rule{}, &ConfigError{Code: ErrCodeMalformed, Kind: kind, Field: "conditions", Message: "conditions must be an object", Err: err}
	}
	set, err := condition.Compile(condMap, strict)
	if err != nil {
		code := ErrCodeInvalidCondition
		var ce *condition.CompileError
		if errors.As(err, &ce) && ce.Unknown {
			code = ErrCodeUnknownCondition
		}
		return Rule{}, &ConfigError{Code: code, Kind: kind, Field: "conditions", Message: err.Error(), Err: err}
	}

	descRaw, ok := fields["description"]
	if !ok {
		return Rule{}, &ConfigError{Code: ErrCodeMissingField, Kind: kind, Field: "description", Message: "description is required"}
	}
	var description string
	if err := json.Unmarshal(descRaw, &description); err != nil {
		return Rule{}, &ConfigError{Code: ErrCodeMalformed, Kind: kind, Field: "description", Message: "description must be a string", Err: err}
	}

	return Rule{
		Kind:        event.Kind(kind),
		Conditions:  set,
		Commands:    commands,
		Description: description,
	}, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
