package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailqueue/internal/db"
	"mailqueue/internal/idempotency"
	"mailqueue/internal/models"
)

func newJob(id string, created time.Time) *models.PendingEmailJob {
	return &models.PendingEmailJob{
		ID:             id,
		UserID:         "u1",
		EmailTo:        "a@x.com",
		EmailType:      models.TypeWelcome,
		Subject:        "s",
		IdempotencyKey: "key-" + id,
		Status:         models.StatusPending,
		ScheduledFor:   created,
		MaxAttempts:    models.DefaultMaxAttempts,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestMemory_DueJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	base := time.Now()
	store := db.NewMemory()

	oldest := newJob("oldest", base.Add(-2*time.Hour))
	newer := newJob("newer", base.Add(-time.Hour))
	future := newJob("future", base.Add(time.Hour))
	require.NoError(t, store.InsertJob(ctx, oldest))
	require.NoError(t, store.InsertJob(ctx, newer))
	require.NoError(t, store.InsertJob(ctx, future))

	t.Run("oldest first, future excluded", func(t *testing.T) {
		due, err := store.DueJobs(ctx, base, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "oldest", due[0].ID)
		assert.Equal(t, "newer", due[1].ID)
	})

	t.Run("limit applies after ordering", func(t *testing.T) {
		due, err := store.DueJobs(ctx, base, 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "oldest", due[0].ID)
	})

	t.Run("terminal states drop out", func(t *testing.T) {
		require.NoError(t, store.MarkSending(ctx, "oldest", base))
		require.NoError(t, store.MarkSent(ctx, "oldest", base))

		due, err := store.DueJobs(ctx, base, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "newer", due[0].ID)
	})

	t.Run("exhausted failed jobs drop out", func(t *testing.T) {
		for i := 0; i < models.DefaultMaxAttempts; i++ {
			require.NoError(t, store.MarkSending(ctx, "newer", base))
			require.NoError(t, store.MarkFailed(ctx, "newer", "smtp error", base))
		}

		due, err := store.DueJobs(ctx, base, 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestMemory_MarkSending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := db.NewMemory()
	now := time.Now()
	require.NoError(t, store.InsertJob(ctx, newJob("j1", now)))

	require.NoError(t, store.MarkSending(ctx, "j1", now))

	job := store.GetJob("j1")
	assert.Equal(t, models.StatusSending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastAttempt)
	assert.True(t, job.LastAttempt.Equal(now))

	assert.Error(t, store.MarkSending(ctx, "missing", now))
}

func TestMemory_CancelJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := db.NewMemory()
	now := time.Now()

	t.Run("pending is cancellable", func(t *testing.T) {
		require.NoError(t, store.InsertJob(ctx, newJob("pending", now)))

		ok, err := store.CancelJob(ctx, "pending", now)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, models.StatusCancelled, store.GetJob("pending").Status)
	})

	t.Run("failed is cancellable", func(t *testing.T) {
		require.NoError(t, store.InsertJob(ctx, newJob("failed", now)))
		require.NoError(t, store.MarkSending(ctx, "failed", now))
		require.NoError(t, store.MarkFailed(ctx, "failed", "smtp error", now))

		ok, err := store.CancelJob(ctx, "failed", now)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("sending is not cancellable", func(t *testing.T) {
		require.NoError(t, store.InsertJob(ctx, newJob("inflight", now)))
		require.NoError(t, store.MarkSending(ctx, "inflight", now))

		ok, err := store.CancelJob(ctx, "inflight", now)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, models.StatusSending, store.GetJob("inflight").Status)
	})

	t.Run("unknown job", func(t *testing.T) {
		ok, err := store.CancelJob(ctx, "missing", now)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemory_HasActiveJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := db.NewMemory()
	now := time.Now()
	require.NoError(t, store.InsertJob(ctx, newJob("j1", now)))

	active, err := store.HasActiveJob(ctx, "key-j1")
	require.NoError(t, err)
	assert.True(t, active)

	active, err = store.HasActiveJob(ctx, "key-other")
	require.NoError(t, err)
	assert.False(t, active)

	// A failed job with attempts remaining still counts as active.
	require.NoError(t, store.MarkSending(ctx, "j1", now))
	require.NoError(t, store.MarkFailed(ctx, "j1", "smtp error", now))

	active, err = store.HasActiveJob(ctx, "key-j1")
	require.NoError(t, err)
	assert.True(t, active)

	// An exhausted one does not.
	for i := 1; i < models.DefaultMaxAttempts; i++ {
		require.NoError(t, store.MarkSending(ctx, "j1", now))
		require.NoError(t, store.MarkFailed(ctx, "j1", "smtp error", now))
	}

	active, err = store.HasActiveJob(ctx, "key-j1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestMemory_SentRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := db.NewMemory()
	rec := &models.SentEmailRecord{
		IdempotencyKey: "k1",
		UserID:         "u1",
		EmailTo:        "a@x.com",
		EmailType:      models.TypeWelcome,
		SentAt:         time.Now(),
		ExpiresAt:      time.Now().Add(7 * 24 * time.Hour),
	}

	require.NoError(t, store.InsertSentRecord(ctx, rec))

	got, err := store.GetSentRecord(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)

	// Unique key semantics mirror the Postgres store.
	err = store.InsertSentRecord(ctx, rec)
	assert.ErrorIs(t, err, idempotency.ErrDuplicateKey)

	got, err = store.GetSentRecord(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}
