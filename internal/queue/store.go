package queue

import (
	"context"
	"errors"
	"time"

	"mailqueue/internal/models"
)

// PendingStore is the persistence contract for the durable email queue. All
// job mutation goes through these operations; no other component touches the
// table.
type PendingStore interface {
	InsertJob(ctx context.Context, job *models.PendingEmailJob) error

	// DueJobs returns jobs with status pending or failed, scheduled at or
	// before now, with attempts remaining, ordered oldest first.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.PendingEmailJob, error)

	// MarkSending claims a job for an attempt: advances the attempt counter
	// and stamps the attempt time.
	MarkSending(ctx context.Context, id string, now time.Time) error

	MarkSent(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id, lastError string, now time.Time) error

	// CancelJob cancels a pending or failed job and reports whether a row
	// was updated.
	CancelJob(ctx context.Context, id string, now time.Time) (bool, error)

	// HasActiveJob reports whether a non-terminal job already carries the
	// given idempotency key.
	HasActiveJob(ctx context.Context, key string) (bool, error)

	PendingForUser(ctx context.Context, userID string) ([]*models.PendingEmailJob, error)
}

var (
	// ErrInvalidJob is returned when an enqueue request misses required
	// fields.
	ErrInvalidJob = errors.New("invalid email job")

	// ErrStoreUnavailable wraps infrastructure-level store failures that
	// abort a processor run.
	ErrStoreUnavailable = errors.New("email queue store unavailable")
)
