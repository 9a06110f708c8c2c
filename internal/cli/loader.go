package cli

import (
	"errors"
	"fmt"

	"github.com/roach88/miszen/internal/condition"
	"github.com/roach88/miszen/internal/mapping"
)

// builtinSource names the built-in table in output.
const builtinSource = "(built-in)"

// loadTable loads the mapping file at path, or the built-in table when
// path is empty. The returned source is path or builtinSource.
func loadTable(path string, lenient bool) (*mapping.Table, string, error) {
	if path == "" {
		return mapping.Default(), builtinSource, nil
	}
	var opts []mapping.LoadOption
	if lenient {
		opts = append(opts, mapping.WithLenientConditions())
	}
	t, err := mapping.Load(path, opts...)
	if err != nil {
		return nil, path, err
	}
	return t, path, nil
}

// errorCode returns the CLIError code for a mapping load error.
func errorCode(err error) string {
	var ce *mapping.ConfigError
	if !errors.As(err, &ce) {
		return ErrCodeGeneric
	}
	if ce.Code == mapping.ErrCodeNotFound {
		return ErrCodeNotFound
	}
	return string(ce.Code)
}

// errorDetails returns the structured fields of a mapping error, if any.
func errorDetails(err error) any {
	var ce *mapping.ConfigError
	if !errors.As(err, &ce) {
		return nil
	}
	details := map[string]string{}
	if ce.Kind != "" {
		details["kind"] = ce.Kind
	}
	if ce.Field != "" {
		details["field"] = ce.Field
	}
	if ce.Pos.IsValid() {
		details["position"] = fmt.Sprintf("%s:%d:%d", ce.Pos.Filename(), ce.Pos.Line(), ce.Pos.Column())
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// RuleSummary describes one mapping rule for output.
type RuleSummary struct {
	Kind        string   `json:"kind"`
	Commands    []string `json:"commands"`
	Conditions  []string `json:"conditions"`
	Description string   `json:"description,omitempty"`
}

func summarize(t *mapping.Table) []RuleSummary {
	rules := t.Rules()
	out := make([]RuleSummary, 0, len(rules))
	for _, r := range rules {
		out = append(out, RuleSummary{
			Kind:        string(r.Kind),
			Commands:    r.Commands,
			Conditions:  describeConditions(r.Conditions),
			Description: r.Description,
		})
	}
	return out
}

func describeConditions(set condition.Set) []string {
	out := make([]string, 0, len(set))
	for _, c := range set {
		out = append(out, fmt.Sprint(c))
	}
	return out
}
