// Package event defines the incoming events routed by miszen.
//
// An Event is a runtime occurrence: a kind that is matched against the
// mapping table, a loosely typed payload used by condition evaluation,
// a timestamp, and a correlation id that groups every command invocation
// the event produces.
//
// Two JSON shapes are accepted on the wire:
//
//	{"kind": "file_created", "payload": {...}, "correlation_id": "..."}
//	{"event_type": "file_created", "data": {...}, "metadata": {"correlation_id": "..."}}
//
// The second shape is the one produced by existing MIS publishers.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Kind names a category of system occurrence, e.g. "file_created".
type Kind string

// Well-known event kinds.
const (
	KindFileCreated   Kind = "file_created"
	KindFileDeleted   Kind = "file_deleted"
	KindCodeChanged   Kind = "code_changed"
	KindErrorDetected Kind = "error_detected"
	KindTestPassed    Kind = "test_passed"
	KindTestFailed    Kind = "test_failed"
	KindSecurityAlert Kind = "security_alert"
)

// Priority is the urgency attached to an event by its source.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Category groups event kinds by origin.
type Category string

const (
	CategoryFileSystem Category = "file_system"
	CategoryCodeChange Category = "code_change"
	CategoryError      Category = "error"
	CategoryTest       Category = "test"
	CategorySecurity   Category = "security"
	CategoryWorkflow   Category = "workflow"
	CategorySystem     Category = "system"
)

// Metadata describes where an event came from. It is carried through to
// command parameters but never consulted by routing.
type Metadata struct {
	Source        string   `json:"source,omitempty"`
	Priority      Priority `json:"priority,omitempty"`
	Category      Category `json:"category,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	ParentEventID string   `json:"parent_event_id,omitempty"`
}

// Event is one incoming occurrence.
type Event struct {
	ID            string    `json:"event_id"`
	Kind          Kind      `json:"kind"`
	Payload       Payload   `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Metadata      Metadata  `json:"metadata"`
}

// wireEvent accepts both the native and the MIS field names.
type wireEvent struct {
	ID            string          `json:"event_id"`
	Kind          Kind            `json:"kind"`
	EventType     Kind            `json:"event_type"`
	Payload       Payload         `json:"payload"`
	Data          Payload         `json:"data"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Metadata      json.RawMessage `json:"metadata"`
}

type wireMetadata struct {
	Metadata
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlation_id"`
}

// UnmarshalJSON decodes either wire shape. Numbers in the payload are kept
// as json.Number so integer thresholds compare exactly.
func (e *Event) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var w wireEvent
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	var meta wireMetadata
	if len(w.Metadata) > 0 && string(w.Metadata) != "null" {
		if err := json.Unmarshal(w.Metadata, &meta); err != nil {
			return fmt.Errorf("decode event metadata: %w", err)
		}
	}

	out := Event{
		ID:            w.ID,
		Kind:          w.Kind,
		Payload:       w.Payload,
		CorrelationID: w.CorrelationID,
		Metadata:      meta.Metadata,
	}
	if out.Kind == "" {
		out.Kind = w.EventType
	}
	if out.Payload == nil {
		out.Payload = w.Data
	}
	if out.CorrelationID == "" {
		out.CorrelationID = meta.CorrelationID
	}

	ts := w.Timestamp
	if ts == "" {
		ts = meta.Timestamp
	}
	if ts != "" {
		parsed, err := parseTimestamp(ts)
		if err != nil {
			return fmt.Errorf("decode event timestamp: %w", err)
		}
		out.Timestamp = parsed
	}

	*e = out
	return nil
}

// parseTimestamp accepts RFC 3339 and the zone-less ISO form Python's
// datetime.isoformat() produces.
func parseTimestamp(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
	}
	var firstErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// Parse decodes a single JSON event.
func Parse(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("decode event: missing kind")
	}
	return ev, nil
}

// Normalize fills in the fields a source may omit: an event id, a
// correlation id (defaults to the event id) and a timestamp.
func Normalize(ev Event, ids IDGenerator, now time.Time) Event {
	if ev.ID == "" {
		ev.ID = ids.Generate()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = ev.ID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now.UTC()
	}
	if ev.Payload == nil {
		ev.Payload = Payload{}
	}
	return ev
}
