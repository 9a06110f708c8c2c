// Package mapping loads the event mapping table: the static, loaded-once
// association from event kind to the conditions that gate it and the
// commands it triggers.
//
// A Table is immutable once built and is shared read-only by the router.
// Reloading produces a new Table; it never mutates an existing one.
package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/miszen/internal/condition"
	"github.com/roach88/miszen/internal/event"
)

// Rule is one trigger: the commands to invoke for an event kind when its
// conditions hold.
type Rule struct {
	Kind        event.Kind
	Conditions  condition.Set
	Commands    []string
	Description string
}

// Table maps event kinds to rules. Kinds are unique.
type Table struct {
	rules       map[event.Kind]*Rule
	order       []event.Kind
	fingerprint string
}

// NewTable builds a table from rules in declaration order.
// It returns a DUPLICATE_KIND or EMPTY_COMMANDS ConfigError on invalid input.
func NewTable(rules ...Rule) (*Table, error) {
	t := &Table{rules: make(map[event.Kind]*Rule, len(rules))}
	for i := range rules {
		r := rules[i]
		r.Kind = event.Kind(norm.NFC.String(string(r.Kind)))
		if _, exists := t.rules[r.Kind]; exists {
			return nil, &ConfigError{Code: ErrCodeDuplicateKind, Kind: string(r.Kind), Message: "event kind declared more than once"}
		}
		if len(r.Commands) == 0 {
			return nil, &ConfigError{Code: ErrCodeEmptyCommands, Kind: string(r.Kind), Field: "commands", Message: "commands must not be empty"}
		}
		r.Commands = append([]string(nil), r.Commands...)
		t.rules[r.Kind] = &r
		t.order = append(t.order, r.Kind)
	}
	t.fingerprint = fingerprint(t)
	return t, nil
}

// Lookup returns the rule for kind, compared in NFC form. The returned Rule
// must not be modified.
func (t *Table) Lookup(kind event.Kind) (*Rule, bool) {
	if t == nil {
		return nil, false
	}
	r, ok := t.rules[event.Kind(norm.NFC.String(string(kind)))]
	return r, ok
}

// Kinds returns the declared event kinds in declaration order.
func (t *Table) Kinds() []event.Kind {
	if t == nil {
		return nil
	}
	return append([]event.Kind(nil), t.order...)
}

// Rules returns copies of every rule in declaration order.
func (t *Table) Rules() []Rule {
	if t == nil {
		return nil
	}
	out := make([]Rule, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, *t.rules[k])
	}
	return out
}

// Len returns the number of rules.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

// Fingerprint identifies the table's routing content. Two tables with the
// same rules (ignoring declaration order and descriptions) share a
// fingerprint, so reloads that change nothing can be skipped.
func (t *Table) Fingerprint() string {
	if t == nil {
		return ""
	}
	return t.fingerprint
}

const domainTable = "miszen/mapping/v1"

type fingerprintRule struct {
	Kind       string           `json:"kind"`
	Conditions []map[string]any `json:"conditions"`
	Commands   []string         `json:"commands"`
}

// fingerprint hashes the rules sorted by kind with a domain prefix and
// null separator.
func fingerprint(t *Table) string {
	kinds := make([]string, 0, len(t.order))
	for _, k := range t.order {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	rules := make([]fingerprintRule, 0, len(kinds))
	for _, k := range kinds {
		r := t.rules[event.Kind(k)]
		conds := make([]map[string]any, 0, len(r.Conditions))
		for _, c := range r.Conditions {
			conds = append(conds, map[string]any{"key": c.Key(), "value": conditionValue(c)})
		}
		rules = append(rules, fingerprintRule{Kind: k, Conditions: conds, Commands: r.Commands})
	}

	data, _ := json.Marshal(rules) // values all originate from decoded JSON
	h := sha256.New()
	h.Write([]byte(domainTable))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func conditionValue(c condition.Condition) any {
	switch cond := c.(type) {
	case condition.ExtensionIn:
		return cond.Extensions
	case condition.SeverityIn:
		return cond.Levels
	case condition.MinLines:
		return cond.Threshold
	case condition.Unknown:
		return cond.Value
	default:
		return nil
	}
}
