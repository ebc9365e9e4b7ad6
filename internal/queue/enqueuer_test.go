package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailqueue/internal/models"
	"mailqueue/internal/queue"
)

func TestEnqueuer_Enqueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rejects incomplete requests", func(t *testing.T) {
		t.Parallel()
		f := newFixture()

		for _, req := range []queue.EnqueueRequest{
			{EmailTo: "a@x.com", EmailType: models.TypeWelcome, Subject: "s"},
			{UserID: "u1", EmailType: models.TypeWelcome, Subject: "s"},
			{UserID: "u1", EmailTo: "a@x.com", Subject: "s"},
			{UserID: "u1", EmailTo: "a@x.com", EmailType: models.TypeWelcome},
		} {
			_, err := f.enqueuer.Enqueue(ctx, req)
			assert.ErrorIs(t, err, queue.ErrInvalidJob)
		}
	})

	t.Run("applies defaults", func(t *testing.T) {
		t.Parallel()
		f := newFixture()

		id, err := f.enqueuer.Enqueue(ctx, receiptRequest("inv_1"))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		job := f.store.GetJob(id)
		require.NotNil(t, job)
		assert.Equal(t, models.StatusPending, job.Status)
		assert.Equal(t, 0, job.Attempts)
		assert.Equal(t, models.DefaultMaxAttempts, job.MaxAttempts)
		assert.Equal(t, "inv_1", job.UniqueIdentifier())
		assert.NotEmpty(t, job.IdempotencyKey)
		assert.WithinDuration(t, time.Now(), job.ScheduledFor, time.Minute)
	})

	t.Run("keeps a caller supplied schedule", func(t *testing.T) {
		t.Parallel()
		f := newFixture()

		later := time.Now().Add(48 * time.Hour)
		req := receiptRequest("inv_delayed")
		req.ScheduledFor = later

		id, err := f.enqueuer.Enqueue(ctx, req)
		require.NoError(t, err)

		job := f.store.GetJob(id)
		require.NotNil(t, job)
		assert.True(t, job.ScheduledFor.Equal(later))
	})

	t.Run("generates a one-off token when no identifier is given", func(t *testing.T) {
		t.Parallel()
		f := newFixture()

		req := receiptRequest("")
		req.UniqueIdentifier = ""

		first, err := f.enqueuer.Enqueue(ctx, req)
		require.NoError(t, err)
		second, err := f.enqueuer.Enqueue(ctx, req)
		require.NoError(t, err)

		// One-off notifications never dedup against each other.
		assert.NotEmpty(t, first)
		assert.NotEmpty(t, second)
	})

	t.Run("suppresses duplicate while first job is still queued", func(t *testing.T) {
		t.Parallel()
		f := newFixture()

		first, err := f.enqueuer.Enqueue(ctx, receiptRequest("inv_1"))
		require.NoError(t, err)
		require.NotEmpty(t, first)

		second, err := f.enqueuer.Enqueue(ctx, receiptRequest("inv_1"))
		require.NoError(t, err)
		assert.Empty(t, second)
	})

	t.Run("suppresses duplicate after the email was sent", func(t *testing.T) {
		t.Parallel()
		f := newFixture()

		id, err := f.enqueuer.Enqueue(ctx, receiptRequest("inv_1"))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		stats, err := f.processor.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Sent)

		// Scenario: re-issuing the same business event is a no-op.
		second, err := f.enqueuer.Enqueue(ctx, receiptRequest("inv_1"))
		require.NoError(t, err)
		assert.Empty(t, second)

		jobs, err := f.enqueuer.PendingForUser(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestEnqueuer_Cancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("cancels a pending job", func(t *testing.T) {
		t.Parallel()
		f := newFixture()

		id, err := f.enqueuer.Enqueue(ctx, receiptRequest("inv_1"))
		require.NoError(t, err)

		ok, err := f.enqueuer.Cancel(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, models.StatusCancelled, f.store.GetJob(id).Status)
	})

	t.Run("no-op on terminal jobs", func(t *testing.T) {
		t.Parallel()
		f := newFixture()

		id, err := f.enqueuer.Enqueue(ctx, receiptRequest("inv_1"))
		require.NoError(t, err)

		_, err = f.processor.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, models.StatusSent, f.store.GetJob(id).Status)

		ok, err := f.enqueuer.Cancel(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, models.StatusSent, f.store.GetJob(id).Status)
	})

	t.Run("second cancel reports false", func(t *testing.T) {
		t.Parallel()
		f := newFixture()

		id, err := f.enqueuer.Enqueue(ctx, receiptRequest("inv_1"))
		require.NoError(t, err)

		ok, err := f.enqueuer.Cancel(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = f.enqueuer.Cancel(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown job reports false", func(t *testing.T) {
		t.Parallel()
		f := newFixture()

		ok, err := f.enqueuer.Cancel(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestEnqueuer_PendingForUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture()

	first, err := f.enqueuer.Enqueue(ctx, receiptRequest("inv_1"))
	require.NoError(t, err)

	other := receiptRequest("inv_2")
	other.UserID = "u2"
	_, err = f.enqueuer.Enqueue(ctx, other)
	require.NoError(t, err)

	jobs, err := f.enqueuer.PendingForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, first, jobs[0].ID)

	// Sent jobs drop out of the pending view.
	_, err = f.processor.Run(ctx)
	require.NoError(t, err)

	jobs, err = f.enqueuer.PendingForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
