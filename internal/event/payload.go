package event

import (
	"encoding/json"
	"path/filepath"
	"strconv"
)

// Well-known payload fields read by condition evaluation.
const (
	FieldExtension    = "extension"
	FieldFilePath     = "file_path"
	FieldSeverity     = "severity"
	FieldLinesChanged = "lines_changed"
)

// Payload holds the arbitrary typed fields of an event.
type Payload map[string]any

// String returns the field as a string. Non-string values are not coerced.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Number returns the field as a float64. It accepts every numeric type
// produced by encoding/json, yaml.v3 and Go literals, and numeric strings
// carried as json.Number.
func (p Payload) Number(key string) (float64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	return toFloat64(v)
}

// Has reports whether the field is present.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Extension returns the payload's "extension" field, falling back to the
// extension of "file_path" when only the path was supplied.
func (p Payload) Extension() (string, bool) {
	if ext, ok := p.String(FieldExtension); ok {
		return ext, true
	}
	if path, ok := p.String(FieldFilePath); ok {
		ext := ExtensionOf(path)
		return ext, ext != ""
	}
	return "", false
}

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ExtensionOf returns the extension of path including the leading dot,
// or "" when the base name has none.
func ExtensionOf(path string) string {
	return filepath.Ext(path)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
