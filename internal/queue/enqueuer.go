package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailqueue/internal/idempotency"
	"mailqueue/internal/metrics"
	"mailqueue/internal/models"
)

// EnqueueRequest describes one logical email to queue.
type EnqueueRequest struct {
	UserID       string           `json:"user_id"`
	EmailTo      string           `json:"email_to"`
	EmailType    models.EmailType `json:"email_type"`
	Subject      string           `json:"subject"`
	TemplateData json.RawMessage  `json:"template_data,omitempty"`

	// UniqueIdentifier ties the email to its business event (invoice id,
	// subscription id). When empty a random token is generated, which makes
	// the email a one-off with no dedup across enqueues.
	UniqueIdentifier string `json:"unique_identifier,omitempty"`

	// ScheduledFor delays processing; zero means eligible immediately.
	ScheduledFor time.Time         `json:"scheduled_for,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	MaxAttempts  int               `json:"max_attempts,omitempty"`
}

// Enqueuer validates idempotency and writes new jobs to the pending queue. It
// never sends anything itself.
type Enqueuer struct {
	store  PendingStore
	ledger *idempotency.Ledger
	log    *zap.Logger
	now    func() time.Time
}

func NewEnqueuer(store PendingStore, ledger *idempotency.Ledger, log *zap.Logger) *Enqueuer {
	return &Enqueuer{
		store:  store,
		ledger: ledger,
		log:    log,
		now:    time.Now,
	}
}

// Enqueue queues one email. The returned id is empty when the idempotency
// ledger reports the logical email as already sent; that is a successful
// no-op for the caller, not an error.
func (e *Enqueuer) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {

	if err := validate(req); err != nil {
		return "", err
	}

	uniqueID := req.UniqueIdentifier
	if uniqueID == "" {
		uniqueID = uuid.NewString()
	}

	crit := idempotency.Criteria{
		UserID:           req.UserID,
		EmailType:        req.EmailType,
		UniqueIdentifier: uniqueID,
		EmailTo:          req.EmailTo,
	}

	key := crit.Key()

	if e.ledger.AlreadySent(ctx, crit) {
		e.log.Info("duplicate email suppressed",
			zap.String("user_id", req.UserID),
			zap.String("email_type", string(req.EmailType)),
			zap.String("unique_identifier", uniqueID),
		)
		metrics.DuplicatesSuppressed.Inc()
		return "", nil
	}

	// The ledger only covers sent emails; also refuse a duplicate while the
	// first job is still in flight. The check fails open on store errors,
	// consistent with the ledger policy.
	active, err := e.store.HasActiveJob(ctx, key)
	if err != nil {
		e.log.Warn("active-job dedup check failed, failing open",
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
	} else if active {
		e.log.Info("duplicate email suppressed, job already queued",
			zap.String("user_id", req.UserID),
			zap.String("email_type", string(req.EmailType)),
			zap.String("unique_identifier", uniqueID),
		)
		metrics.DuplicatesSuppressed.Inc()
		return "", nil
	}

	now := e.now()

	scheduledFor := req.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = now
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = models.DefaultMaxAttempts
	}

	meta := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta[models.MetaUniqueIdentifier] = uniqueID

	job := &models.PendingEmailJob{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		EmailTo:        req.EmailTo,
		EmailType:      req.EmailType,
		Subject:        req.Subject,
		TemplateData:   req.TemplateData,
		IdempotencyKey: key,
		Status:         models.StatusPending,
		ScheduledFor:   scheduledFor,
		Attempts:       0,
		MaxAttempts:    maxAttempts,
		Metadata:       meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.store.InsertJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue email: %w", err)
	}

	e.log.Info("email queued",
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("email_type", string(job.EmailType)),
		zap.Time("scheduled_for", job.ScheduledFor),
	)

	return job.ID, nil
}

// Cancel transitions a pending or failed job to cancelled. It reports false
// for jobs that are sending, already terminal, or unknown; cancellation never
// preempts an in-flight send.
func (e *Enqueuer) Cancel(ctx context.Context, jobID string) (bool, error) {
	ok, err := e.store.CancelJob(ctx, jobID, e.now())
	if err != nil {
		return false, fmt.Errorf("cancel email %s: %w", jobID, err)
	}

	if ok {
		e.log.Info("email cancelled", zap.String("job_id", jobID))
	}

	return ok, nil
}

// PendingForUser lists a user's jobs still awaiting delivery.
func (e *Enqueuer) PendingForUser(ctx context.Context, userID string) ([]*models.PendingEmailJob, error) {
	jobs, err := e.store.PendingForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending emails for %s: %w", userID, err)
	}
	return jobs, nil
}

func validate(req EnqueueRequest) error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidJob)
	case req.EmailTo == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidJob)
	case req.EmailType == "":
		return fmt.Errorf("%w: email type is required", ErrInvalidJob)
	case req.Subject == "":
		return fmt.Errorf("%w: subject is required", ErrInvalidJob)
	}
	return nil
}
