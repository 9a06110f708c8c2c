package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/miszen/internal/coordinator"
	"github.com/roach88/miszen/internal/event"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates a pending record with minimal required fields.
func createTestRecord(id, correlationID, command string, seq int64) coordinator.Record {
	return coordinator.Record{
		ID:        id,
		Key:       coordinator.Key{CorrelationID: correlationID, CommandID: command},
		EventID:   "evt-" + correlationID,
		Kind:      event.KindFileCreated,
		Status:    coordinator.StatusPending,
		Seq:       seq,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}
