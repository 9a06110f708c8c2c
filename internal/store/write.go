package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/miszen/internal/coordinator"
)

var _ coordinator.Recorder = (*Store)(nil)

// RecordExecution upserts a record snapshot keyed by its id.
// An existing row is only replaced when rec.Seq is larger than the stored
// seq, so replays and out-of-order writes are no-ops.
func (s *Store) RecordExecution(ctx context.Context, rec coordinator.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record execution: missing id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions
		(id, correlation_id, command_id, event_id, kind, status, attempts, last_error, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			seq = excluded.seq,
			updated_at = excluded.updated_at
		WHERE excluded.seq > executions.seq
	`,
		rec.ID,
		rec.Key.CorrelationID,
		rec.Key.CommandID,
		rec.EventID,
		string(rec.Kind),
		string(rec.Status),
		rec.Attempts,
		rec.LastError,
		rec.Seq,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("record execution %s: %w", rec.ID, err)
	}
	return nil
}

// RecordAttempt appends an attempt. Uses ON CONFLICT DO NOTHING so a
// repeated write of the same (execution_id, number) is ignored.
//
// Note: the execution referenced by ExecutionID must exist (foreign key).
func (s *Store) RecordAttempt(ctx context.Context, att coordinator.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts
		(execution_id, number, started_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		att.ExecutionID,
		att.Number,
		formatTime(att.StartedAt),
		att.Duration.Milliseconds(),
		att.Error,
	)
	if err != nil {
		return fmt.Errorf("record attempt %s#%d: %w", att.ExecutionID, att.Number, err)
	}
	return nil
}

// AbandonInFlight marks every pending or retrying row as cancelled. It is
// meant for startup, when no coordinator owns those rows any more. All
// affected rows are stamped with seq and at; the number of rows changed is
// returned.
func (s *Store) AbandonInFlight(ctx context.Context, seq int64, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'cancelled',
			last_error = 'abandoned: process exited before completion',
			seq = ?,
			updated_at = ?
		WHERE status IN ('pending', 'retrying')
	`, seq, formatTime(at))
	if err != nil {
		return 0, fmt.Errorf("abandon in-flight executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("abandon in-flight executions: %w", err)
	}
	return n, nil
}
