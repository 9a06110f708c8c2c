package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CompileError reports a condition declaration that cannot be compiled.
type CompileError struct {
	Key     string
	Message string

	// Unknown is true when the key itself is not a recognised condition.
	Unknown bool
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("condition %q: %s", e.Key, e.Message)
}

// Compile turns the loosely typed conditions object of a mapping entry into
// a Set.
//
// Unknown keys are rejected with a CompileError when strict is true. When
// strict is false they compile to Unknown, which fails closed at
// evaluation time.
func Compile(raw map[string]any, strict bool) (Set, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]Condition, 0, len(raw))
	for _, key := range keys {
		value := raw[key]
		switch key {
		case KeyExtensions:
			exts, err := stringList(key, value)
			if err != nil {
				return nil, err
			}
			for _, ext := range exts {
				if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
					return nil, &CompileError{Key: key, Message: fmt.Sprintf("extension %q must start with a dot", ext)}
				}
			}
			conds = append(conds, ExtensionIn{Extensions: exts})

		case KeySeverity:
			levels, err := stringList(key, value)
			if err != nil {
				return nil, err
			}
			conds = append(conds, SeverityIn{Levels: levels})

		case KeyMinLines:
			threshold, err := nonNegativeInt(key, value)
			if err != nil {
				return nil, err
			}
			conds = append(conds, MinLines{Threshold: threshold})

		default:
			if strict {
				return nil, &CompileError{Key: key, Message: "unknown condition key", Unknown: true}
			}
			conds = append(conds, Unknown{Name: key, Value: value})
		}
	}
	return NewSet(conds...), nil
}

// stringList accepts a non-empty list of non-empty strings. Entries are NFC
// normalised so visually identical values compare equal.
func stringList(key string, value any) ([]string, error) {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	default:
		return nil, &CompileError{Key: key, Message: fmt.Sprintf("expected a list of strings, got %T", value)}
	}
	if len(items) == 0 {
		return nil, &CompileError{Key: key, Message: "list must not be empty"}
	}

	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok || s == "" {
			return nil, &CompileError{Key: key, Message: fmt.Sprintf("entry %d must be a non-empty string", i)}
		}
		out = append(out, norm.NFC.String(s))
	}
	return out, nil
}

func nonNegativeInt(key string, value any) (int64, error) {
	var f float64
	switch v := value.(type) {
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, &CompileError{Key: key, Message: fmt.Sprintf("invalid number %q", v)}
		}
		f = parsed
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return 0, &CompileError{Key: key, Message: fmt.Sprintf("expected an integer, got %T", value)}
	}
	if f < 0 || f != math.Trunc(f) {
		return 0, &CompileError{Key: key, Message: fmt.Sprintf("threshold must be a non-negative integer, got %v", f)}
	}
	return int64(f), nil
}
