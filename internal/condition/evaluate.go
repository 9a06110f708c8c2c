package condition

import (
	"fmt"
	"slices"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/miszen/internal/event"
)

// Result is the outcome of evaluating a Set.
type Result struct {
	// Matched is true when every condition held.
	Matched bool

	// Failed is the key of the first condition that did not hold.
	Failed string

	// Warnings carries *EvalError values for conditions that could not be
	// evaluated. Each one also made the set fail.
	Warnings []error
}

// Evaluate tests payload against every condition in set.
//
// Evaluation stops at the first condition that does not hold. It has no
// side effects; callers decide how to report Result.Warnings.
func Evaluate(set Set, payload event.Payload) Result {
	for _, c := range set {
		ok, warn := evaluateOne(c, payload)
		if ok {
			continue
		}
		res := Result{Failed: c.Key()}
		if warn != nil {
			res.Warnings = []error{warn}
		}
		return res
	}
	return Result{Matched: true}
}

func evaluateOne(c Condition, payload event.Payload) (bool, error) {
	switch cond := c.(type) {
	case ExtensionIn:
		ext, ok := payload.Extension()
		if !ok {
			return false, &EvalError{
				Condition: KeyExtensions,
				Field:     event.FieldExtension,
				Message:   "payload has no extension or file_path",
			}
		}
		return slices.Contains(cond.Extensions, norm.NFC.String(ext)), nil

	case SeverityIn:
		sev, ok := payload.String(event.FieldSeverity)
		if !ok {
			return false, &EvalError{
				Condition: KeySeverity,
				Field:     event.FieldSeverity,
				Message:   "payload has no string severity",
			}
		}
		return slices.Contains(cond.Levels, norm.NFC.String(sev)), nil

	case MinLines:
		if !payload.Has(event.FieldLinesChanged) {
			return false, &EvalError{
				Condition: KeyMinLines,
				Field:     event.FieldLinesChanged,
				Message:   "payload has no lines_changed",
			}
		}
		n, ok := payload.Number(event.FieldLinesChanged)
		if !ok {
			return false, &EvalError{
				Condition: KeyMinLines,
				Field:     event.FieldLinesChanged,
				Message:   fmt.Sprintf("lines_changed is not numeric: %v", payload[event.FieldLinesChanged]),
			}
		}
		return n >= float64(cond.Threshold), nil

	case Unknown:
		return false, &EvalError{
			Condition: cond.Name,
			Message:   "unknown condition key, failing closed",
			Config:    true,
		}

	default:
		return false, &EvalError{
			Condition: c.Key(),
			Message:   fmt.Sprintf("unsupported condition type %T", c),
			Config:    true,
		}
	}
}

// EvalError reports a condition that could not be evaluated.
type EvalError struct {
	Condition string
	Field     string
	Message   string

	// Config is true when the problem lies in the mapping table rather
	// than in the event payload.
	Config bool
}

func (e *EvalError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("condition %s: field %s: %s", e.Condition, e.Field, e.Message)
	}
	return fmt.Sprintf("condition %s: %s", e.Condition, e.Message)
}
