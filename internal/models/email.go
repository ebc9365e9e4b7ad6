package models

import (
	"encoding/json"
	"time"
)

type EmailStatus string

const (
	StatusPending   EmailStatus = "pending"
	StatusSending   EmailStatus = "sending"
	StatusSent      EmailStatus = "sent"
	StatusFailed    EmailStatus = "failed"
	StatusCancelled EmailStatus = "cancelled"
)

type EmailType string

const (
	TypeWelcome             EmailType = "welcome"
	TypePaymentReceipt      EmailType = "payment_receipt"
	TypeSubscriptionRenewal EmailType = "subscription_renewal"
	TypePostPublished       EmailType = "post_published"
	TypePostFailed          EmailType = "post_failed"
	TypeScheduledReminder   EmailType = "scheduled_post_reminder"
)

// MetaUniqueIdentifier is the reserved metadata key under which the enqueuer
// stores the caller-supplied unique identifier, so the processor can recompute
// the same idempotency key on every attempt.
const MetaUniqueIdentifier = "unique_identifier"

// DefaultMaxAttempts applies when the caller does not specify a limit.
const DefaultMaxAttempts = 3

// PendingEmailJob is a row in the durable email queue. Jobs are created by the
// enqueuer, mutated only by the processor or an explicit cancel, and kept
// forever for audit.
type PendingEmailJob struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	EmailTo      string          `json:"email_to"`
	EmailType    EmailType       `json:"email_type"`
	Subject      string          `json:"subject"`
	TemplateData json.RawMessage `json:"template_data,omitempty"`

	// IdempotencyKey is the fingerprint of the logical email event, stored
	// so duplicate enqueues can be detected while the first job is still in
	// flight. The ledger remains the authority for "already sent".
	IdempotencyKey string `json:"idempotency_key"`

	Status       EmailStatus       `json:"status"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"max_attempts"`
	LastAttempt  *time.Time        `json:"last_attempt_at,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
}

// UniqueIdentifier returns the stored dedupe token, if any.
func (j *PendingEmailJob) UniqueIdentifier() string {
	return j.Metadata[MetaUniqueIdentifier]
}

// Terminal reports whether the job can never be processed again.
func (j *PendingEmailJob) Terminal() bool {
	switch j.Status {
	case StatusSent, StatusCancelled:
		return true
	case StatusFailed:
		return j.Attempts >= j.MaxAttempts
	}
	return false
}

// SentEmailRecord is a row in the idempotency ledger. Its presence is the sole
// authority for "this logical email was already effectively sent."
type SentEmailRecord struct {
	IdempotencyKey     string            `json:"idempotency_key"`
	UserID             string            `json:"user_id"`
	EmailTo            string            `json:"email_to"`
	EmailType          EmailType         `json:"email_type"`
	PendingJobID       string            `json:"pending_job_id,omitempty"`
	TransportMessageID string            `json:"transport_message_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SentAt             time.Time         `json:"sent_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
}
