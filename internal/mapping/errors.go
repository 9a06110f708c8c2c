package mapping

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue/token"
)

// ConfigErrorCode categorizes mapping table errors.
type ConfigErrorCode string

const (
	// ErrCodeMalformed indicates the document or an entry is not valid JSON of the expected shape.
	ErrCodeMalformed ConfigErrorCode = "MALFORMED"

	// ErrCodeMissingCommands indicates an entry without a commands field.
	ErrCodeMissingCommands ConfigErrorCode = "MISSING_COMMANDS"

	// ErrCodeEmptyCommands indicates an entry whose commands array is empty.
	ErrCodeEmptyCommands ConfigErrorCode = "EMPTY_COMMANDS"

	// ErrCodeMissingField indicates an entry without conditions or description.
	ErrCodeMissingField ConfigErrorCode = "MISSING_FIELD"

	// ErrCodeUnknownCondition indicates a condition key the engine does not recognise.
	ErrCodeUnknownCondition ConfigErrorCode = "UNKNOWN_CONDITION"

	// ErrCodeInvalidCondition indicates a recognised condition with an unusable value.
	ErrCodeInvalidCondition ConfigErrorCode = "INVALID_CONDITION"

	// ErrCodeDuplicateKind indicates the same event kind declared twice.
	ErrCodeDuplicateKind ConfigErrorCode = "DUPLICATE_KIND"

	// ErrCodeSchema indicates the document violates the mapping schema.
	ErrCodeSchema ConfigErrorCode = "SCHEMA"

	// ErrCodeNotFound indicates the mapping file does not exist.
	ErrCodeNotFound ConfigErrorCode = "NOT_FOUND"
)

// ConfigError is a fatal mapping table error. A table that fails to load
// must prevent startup.
type ConfigError struct {
	Code    ConfigErrorCode
	Kind    string // event kind of the offending entry, if any
	Field   string
	Message string
	Pos     token.Pos // schema position, if known
	Err     error
}

func (e *ConfigError) Error() string {
	loc := ""
	if e.Pos.IsValid() {
		loc = fmt.Sprintf("%s:%d:%d: ", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column())
	}
	switch {
	case e.Kind != "" && e.Field != "":
		return fmt.Sprintf("%s%s: %s (kind=%s, field=%s)", loc, e.Code, e.Message, e.Kind, e.Field)
	case e.Kind != "":
		return fmt.Sprintf("%s%s: %s (kind=%s)", loc, e.Code, e.Message, e.Kind)
	default:
		return fmt.Sprintf("%s%s: %s", loc, e.Code, e.Message)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is a ConfigError, optionally of one of codes.
func IsConfigError(err error, codes ...ConfigErrorCode) bool {
	var ce *ConfigError
	if !errors.As(err, &ce) {
		return false
	}
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if ce.Code == c {
			return true
		}
	}
	return false
}
