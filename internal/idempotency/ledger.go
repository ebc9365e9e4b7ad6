package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/models"
)

// TTL is how long a ledger entry suppresses duplicates.
const TTL = 7 * 24 * time.Hour

// ErrDuplicateKey is returned by ledger stores when an insert collides on the
// unique idempotency key. Concurrent recording of the same event is expected,
// not a fault; the ledger treats the collision as "someone else got there
// first".
var ErrDuplicateKey = errors.New("idempotency key already recorded")

// LedgerStore is the persistence contract for sent-email records.
type LedgerStore interface {
	GetSentRecord(ctx context.Context, key string) (*models.SentEmailRecord, error)
	InsertSentRecord(ctx context.Context, rec *models.SentEmailRecord) error
	DeleteExpiredRecords(ctx context.Context, now time.Time) (int64, error)
}

// Ledger wraps a LedgerStore with the dedup policy: fail-open reads and
// collision-tolerant writes.
type Ledger struct {
	store LedgerStore
	log   *zap.Logger
	now   func() time.Time
}

func NewLedger(store LedgerStore, log *zap.Logger) *Ledger {
	return &Ledger{store: store, log: log, now: time.Now}
}

// AlreadySent reports whether the logical email described by crit was already
// effectively sent. A storage read error fails open: the email is treated as
// not yet sent, so a transient outage can never permanently block a critical
// email. The tradeoff is a small duplicate-send risk, logged for operators.
func (l *Ledger) AlreadySent(ctx context.Context, crit Criteria) bool {
	rec, err := l.store.GetSentRecord(ctx, crit.Key())
	if err != nil {
		l.log.Warn("idempotency check failed, failing open",
			zap.String("user_id", crit.UserID),
			zap.String("email_type", string(crit.EmailType)),
			zap.Error(err),
		)
		return false
	}
	return rec != nil
}

// Record writes a ledger entry for crit with a 7-day expiry. A unique-key
// collision means another process recorded the event first and is swallowed.
func (l *Ledger) Record(ctx context.Context, crit Criteria, pendingJobID, transportMessageID string, metadata map[string]string) error {
	err := l.store.InsertSentRecord(ctx, l.buildRecord(crit, pendingJobID, transportMessageID, metadata))
	if err != nil && !errors.Is(err, ErrDuplicateKey) {
		return fmt.Errorf("record sent email: %w", err)
	}
	return nil
}

// CheckAndRecord checks the ledger and, if the event is new, records it
// immediately, before the caller performs the send. Recording optimistically
// closes the race between "decide to send" and "actually send": when two
// processes race, the unique-key insert arbitrates and exactly one of them
// sees true. A true result means the caller owns the send and must perform
// it. Storage errors fail open, same as AlreadySent.
func (l *Ledger) CheckAndRecord(ctx context.Context, crit Criteria, pendingJobID string, metadata map[string]string) bool {
	if l.AlreadySent(ctx, crit) {
		return false
	}
	err := l.store.InsertSentRecord(ctx, l.buildRecord(crit, pendingJobID, "", metadata))
	switch {
	case errors.Is(err, ErrDuplicateKey):
		return false
	case err != nil:
		l.log.Warn("optimistic ledger record failed, failing open",
			zap.String("user_id", crit.UserID),
			zap.String("email_type", string(crit.EmailType)),
			zap.Error(err),
		)
	}
	return true
}

func (l *Ledger) buildRecord(crit Criteria, pendingJobID, transportMessageID string, metadata map[string]string) *models.SentEmailRecord {
	now := l.now()
	return &models.SentEmailRecord{
		IdempotencyKey:     crit.Key(),
		UserID:             crit.UserID,
		EmailTo:            crit.EmailTo,
		EmailType:          crit.EmailType,
		PendingJobID:       pendingJobID,
		TransportMessageID: transportMessageID,
		Metadata:           metadata,
		SentAt:             now,
		ExpiresAt:          now.Add(TTL),
	}
}
