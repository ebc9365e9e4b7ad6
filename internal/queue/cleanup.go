package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/idempotency"
	"mailqueue/internal/metrics"
)

// Cleanup deletes expired idempotency ledger entries. Pure housekeeping,
// meant to run on a daily schedule; failures are logged and non-fatal.
type Cleanup struct {
	store idempotency.LedgerStore
	log   *zap.Logger
	now   func() time.Time
}

func NewCleanup(store idempotency.LedgerStore, log *zap.Logger) *Cleanup {
	return &Cleanup{store: store, log: log, now: time.Now}
}

// Run removes ledger rows whose expiry has passed and returns how many were
// deleted.
func (c *Cleanup) Run(ctx context.Context) (int64, error) {
	deleted, err := c.store.DeleteExpiredRecords(ctx, c.now())
	if err != nil {
		c.log.Error("ledger cleanup failed", zap.Error(err))
		return 0, err
	}

	if deleted > 0 {
		metrics.LedgerEntriesExpired.Add(float64(deleted))
		c.log.Info("expired ledger entries removed", zap.Int64("deleted", deleted))
	}

	return deleted, nil
}
