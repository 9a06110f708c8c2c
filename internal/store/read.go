package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/miszen/internal/coordinator"
	"github.com/roach88/miszen/internal/event"
)

const executionColumns = `id, correlation_id, command_id, event_id, kind, status, attempts, last_error, seq, created_at, updated_at`

// CommandStats aggregates the executions of one command.
type CommandStats struct {
	CommandID   string        `json:"command"`
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Cancelled   int           `json:"cancelled"`
	InFlight    int           `json:"in_flight"`
	Attempts    int           `json:"attempts"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// SuccessRate is Succeeded over terminal executions, or 0 when none have
// finished.
func (c CommandStats) SuccessRate() float64 {
	done := c.Succeeded + c.Failed + c.Cancelled
	if done == 0 {
		return 0
	}
	return float64(c.Succeeded) / float64(done)
}

// ReadExecution returns one record by id.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadExecution(ctx context.Context, id string) (coordinator.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = ?
	`, id)
	return scanExecution(row)
}

// ReadCorrelation returns every record produced by one correlation id.
// Ordered by seq ASC, id COLLATE BINARY ASC.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadCorrelation(ctx context.Context, correlationID string) ([]coordinator.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE correlation_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	return collectExecutions(rows)
}

// ListByStatus returns records in any of the given statuses, oldest first.
// With no statuses every record is returned. limit <= 0 means no limit.
func (s *Store) ListByStatus(ctx context.Context, limit int, statuses ...coordinator.Status) ([]coordinator.Record, error) {
	var (
		where string
		args  []any
	)
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = "WHERE status IN (" + strings.Join(marks, ", ") + ")"
	}
	query := `SELECT ` + executionColumns + ` FROM executions ` + where + ` ORDER BY seq ASC, id COLLATE BINARY ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	return collectExecutions(rows)
}

// ReadAttempts returns the attempts of one execution in number order.
func (s *Store) ReadAttempts(ctx context.Context, executionID string) ([]coordinator.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, number, started_at, duration_ms, error
		FROM attempts
		WHERE execution_id = ?
		ORDER BY number ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	attempts := []coordinator.Attempt{}
	for rows.Next() {
		var (
			att       coordinator.Attempt
			startedAt string
			ms        int64
		)
		if err := rows.Scan(&att.ExecutionID, &att.Number, &startedAt, &ms, &att.Error); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if att.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: started_at: %w", err)
		}
		att.Duration = time.Duration(ms) * time.Millisecond
		attempts = append(attempts, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

// MaxSeq returns the largest seq stored, or 0 for an empty database.
// A coordinator resuming on an existing database starts its clock here.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM executions`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}

// Stats aggregates executions per command, ordered by command id.
func (s *Store) Stats(ctx context.Context) ([]CommandStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			e.command_id,
			COUNT(*),
			SUM(CASE WHEN e.status = 'succeeded' THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.status = 'cancelled' THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.status IN ('pending', 'retrying') THEN 1 ELSE 0 END),
			SUM(e.attempts),
			COALESCE((
				SELECT AVG(a.duration_ms)
				FROM attempts a
				JOIN executions x ON a.execution_id = x.id
				WHERE x.command_id = e.command_id
			), 0.0)
		FROM executions e
		GROUP BY e.command_id
		ORDER BY e.command_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := []CommandStats{}
	for rows.Next() {
		var (
			st    CommandStats
			avgMS float64
		)
		if err := rows.Scan(&st.CommandID, &st.Total, &st.Succeeded, &st.Failed, &st.Cancelled, &st.InFlight, &st.Attempts, &avgMS); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.AvgDuration = time.Duration(avgMS * float64(time.Millisecond))
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (coordinator.Record, error) {
	var (
		rec                  coordinator.Record
		kind, status         string
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Key.CorrelationID,
		&rec.Key.CommandID,
		&rec.EventID,
		&kind,
		&status,
		&rec.Attempts,
		&rec.LastError,
		&rec.Seq,
		&createdAt,
		&updatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return coordinator.Record{}, err
		}
		return coordinator.Record{}, fmt.Errorf("scan execution: %w", err)
	}
	rec.Kind = event.Kind(kind)
	rec.Status = coordinator.Status(status)

	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return coordinator.Record{}, fmt.Errorf("scan execution %s: created_at: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return coordinator.Record{}, fmt.Errorf("scan execution %s: updated_at: %w", rec.ID, err)
	}
	return rec, nil
}

func collectExecutions(rows *sql.Rows) ([]coordinator.Record, error) {
	defer rows.Close()

	records := []coordinator.Record{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return records, nil
}
