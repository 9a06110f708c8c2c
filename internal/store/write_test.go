package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/miszen/internal/coordinator"
	"github.com/roach88/miszen/internal/event"
	"github.com/roach88/miszen/internal/executor"
	"github.com/roach88/miszen/internal/router"
	"github.com/roach88/miszen/internal/testutil"
)

func TestRecordExecution_InsertAndRead(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := createTestRecord("exec-1", "corr-1", "analyze", 1)
	require.NoError(t, s.RecordExecution(ctx, rec))

	got, err := s.ReadExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, rec.EventID, got.EventID)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, coordinator.StatusPending, got.Status)
	assert.Equal(t, int64(1), got.Seq)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func TestRecordExecution_LaterSnapshotWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := createTestRecord("exec-1", "corr-1", "analyze", 1)
	require.NoError(t, s.RecordExecution(ctx, rec))

	rec.Status = coordinator.StatusFailed
	rec.Attempts = 3
	rec.LastError = "boom"
	rec.Seq = 7
	rec.UpdatedAt = testTime.Add(time.Second)
	require.NoError(t, s.RecordExecution(ctx, rec))

	got, err := s.ReadExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, coordinator.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, int64(7), got.Seq)
	assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))
	assert.True(t, testTime.Equal(got.CreatedAt), "created_at is never rewritten")
}

func TestRecordExecution_StaleSnapshotIgnored(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	done := createTestRecord("exec-1", "corr-1", "analyze", 5)
	done.Status = coordinator.StatusSucceeded
	done.Attempts = 1
	require.NoError(t, s.RecordExecution(ctx, done))

	stale := createTestRecord("exec-1", "corr-1", "analyze", 2)
	require.NoError(t, s.RecordExecution(ctx, stale))

	// Same seq is also a no-op.
	same := done
	same.Status = coordinator.StatusFailed
	require.NoError(t, s.RecordExecution(ctx, same))

	got, err := s.ReadExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, coordinator.StatusSucceeded, got.Status)
	assert.Equal(t, int64(5), got.Seq)
}

func TestRecordExecution_MissingID(t *testing.T) {
	s := createTestStore(t)
	err := s.RecordExecution(context.Background(), createTestRecord("", "corr-1", "analyze", 1))
	assert.Error(t, err)
}

func TestRecordExecution_SecondInFlightForKeyRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordExecution(ctx, createTestRecord("exec-1", "corr-1", "analyze", 1)))
	err := s.RecordExecution(ctx, createTestRecord("exec-2", "corr-1", "analyze", 2))
	assert.Error(t, err)
}

func TestRecordAttempt_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordExecution(ctx, createTestRecord("exec-1", "corr-1", "analyze", 1)))

	att := coordinator.Attempt{
		ExecutionID: "exec-1",
		Number:      1,
		StartedAt:   testTime,
		Duration:    1500 * time.Millisecond,
		Error:       "timeout",
	}
	require.NoError(t, s.RecordAttempt(ctx, att))
	att.Error = "rewritten"
	require.NoError(t, s.RecordAttempt(ctx, att))

	attempts, err := s.ReadAttempts(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "timeout", attempts[0].Error)
	assert.Equal(t, 1500*time.Millisecond, attempts[0].Duration)
	assert.True(t, testTime.Equal(attempts[0].StartedAt))
}

func TestRecordAttempt_UnknownExecution(t *testing.T) {
	s := createTestStore(t)
	err := s.RecordAttempt(context.Background(), coordinator.Attempt{ExecutionID: "missing", Number: 1, StartedAt: testTime})
	assert.Error(t, err)
}

func TestAbandonInFlight(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	pending := createTestRecord("exec-1", "corr-1", "analyze", 1)
	retrying := createTestRecord("exec-2", "corr-1", "debug", 2)
	retrying.Status = coordinator.StatusRetrying
	done := createTestRecord("exec-3", "corr-2", "analyze", 3)
	done.Status = coordinator.StatusSucceeded
	for _, rec := range []coordinator.Record{pending, retrying, done} {
		require.NoError(t, s.RecordExecution(ctx, rec))
	}

	at := testTime.Add(time.Hour)
	n, err := s.AbandonInFlight(ctx, 10, at)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []string{"exec-1", "exec-2"} {
		got, err := s.ReadExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, coordinator.StatusCancelled, got.Status, id)
		assert.Equal(t, int64(10), got.Seq)
		assert.Contains(t, got.LastError, "abandoned")
		assert.True(t, at.Equal(got.UpdatedAt))
	}

	got, err := s.ReadExecution(ctx, "exec-3")
	require.NoError(t, err)
	assert.Equal(t, coordinator.StatusSucceeded, got.Status)

	// The key is free again.
	require.NoError(t, s.RecordExecution(ctx, createTestRecord("exec-4", "corr-1", "analyze", 11)))
}

func TestStore_AsCoordinatorRecorder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	calls := 0
	exec := executor.Func(func(ctx context.Context, req executor.Request) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	c := coordinator.New(exec,
		coordinator.WithRecorder(s),
		coordinator.WithIDGenerator(testutil.NewSequenceIDGenerator("exec")),
		coordinator.WithPolicy(coordinator.Policy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      1,
		}),
	)

	executions, err := c.Dispatch(ctx, router.Decision{
		EventID:       "evt-1",
		CorrelationID: "corr-1",
		Kind:          event.KindFileCreated,
		Commands:      []string{"analyze"},
		Reason:        router.ReasonMatched,
	})
	require.NoError(t, err)
	require.Len(t, executions, 1)

	final, err := executions[0].Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Shutdown(ctx))

	stored, err := s.ReadExecution(ctx, final.ID)
	require.NoError(t, err)
	assert.Equal(t, coordinator.StatusSucceeded, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, final.Seq, stored.Seq)

	attempts, err := s.ReadAttempts(ctx, final.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "transient", attempts[0].Error)
	assert.Empty(t, attempts[1].Error)
}
