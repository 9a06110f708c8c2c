package mapping

import _ "embed"

//go:embed defaults.json
var defaultsJSON []byte

// Default returns the built-in table used when no mapping file exists.
func Default() *Table {
	t, err := Parse("defaults.json", defaultsJSON)
	if err != nil {
		panic("mapping: built-in defaults are invalid: " + err.Error())
	}
	return t
}

// DefaultJSON returns the built-in mapping document.
func DefaultJSON() []byte {
	return append([]byte(nil), defaultsJSON...)
}
