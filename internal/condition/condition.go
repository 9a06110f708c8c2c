// Package condition implements the predicates that gate a mapping rule.
//
// Conditions are a closed set of variants: ExtensionIn, SeverityIn and
// MinLines. Unknown is produced only when a table is loaded leniently and
// always evaluates to false. Evaluate switches over every variant, so
// adding a variant without teaching the evaluator is caught by its default
// branch failing closed.
package condition

import (
	"fmt"
	"sort"
	"strings"
)

// Condition keys as they appear in the mapping file.
const (
	KeyExtensions = "extensions"
	KeySeverity   = "severity"
	KeyMinLines   = "min_lines"
)

// Condition is one predicate over an event payload.
type Condition interface {
	// Key returns the mapping-file key the condition was declared under.
	Key() string
	isCondition()
}

// ExtensionIn matches when the payload extension is one of Extensions.
// Comparison is case-sensitive and includes the leading dot.
type ExtensionIn struct {
	Extensions []string
}

// SeverityIn matches when the payload severity is one of Levels.
type SeverityIn struct {
	Levels []string
}

// MinLines matches when lines_changed is present and >= Threshold.
type MinLines struct {
	Threshold int64
}

// Unknown records a condition key the loader did not recognise.
type Unknown struct {
	Name  string
	Value any
}

func (ExtensionIn) Key() string { return KeyExtensions }
func (SeverityIn) Key() string  { return KeySeverity }
func (MinLines) Key() string    { return KeyMinLines }
func (u Unknown) Key() string   { return u.Name }

func (ExtensionIn) isCondition() {}
func (SeverityIn) isCondition()  {}
func (MinLines) isCondition()    {}
func (Unknown) isCondition()     {}

func (c ExtensionIn) String() string {
	return fmt.Sprintf("extensions in [%s]", strings.Join(c.Extensions, ", "))
}

func (c SeverityIn) String() string {
	return fmt.Sprintf("severity in [%s]", strings.Join(c.Levels, ", "))
}

func (c MinLines) String() string {
	return fmt.Sprintf("lines_changed >= %d", c.Threshold)
}

func (c Unknown) String() string {
	return fmt.Sprintf("unknown condition %q", c.Name)
}

// Set is the conjunction of a rule's conditions, ordered by key.
// An empty Set always matches.
type Set []Condition

// NewSet returns a Set sorted by key so evaluation order is deterministic.
func NewSet(conds ...Condition) Set {
	s := make(Set, len(conds))
	copy(s, conds)
	sort.SliceStable(s, func(i, j int) bool { return s[i].Key() < s[j].Key() })
	return s
}

// Unknowns returns the keys of any Unknown conditions in the set.
func (s Set) Unknowns() []string {
	var keys []string
	for _, c := range s {
		if u, ok := c.(Unknown); ok {
			keys = append(keys, u.Name)
		}
	}
	return keys
}
