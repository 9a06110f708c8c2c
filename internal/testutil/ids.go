package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDGenerator generates "<prefix>-0001", "<prefix>-0002", ...
//
// Unlike event.FixedGenerator it never runs out, which suits scenarios
// where the number of ids is not known up front. The same sequence of calls
// always yields the same ids, so golden output stays byte-identical.
//
// Thread-safety: safe for concurrent use.
type SequenceIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDGenerator creates a generator. An empty prefix uses "id".
func NewSequenceIDGenerator(prefix string) *SequenceIDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceIDGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequenceIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
