package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailqueue/internal/db"
	"mailqueue/internal/models"
	"mailqueue/internal/queue"
)

type erroringLedgerStore struct {
	*db.Memory
}

func (s *erroringLedgerStore) DeleteExpiredRecords(ctx context.Context, now time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestCleanup_Run(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	insert := func(t *testing.T, store *db.Memory, key string, expiresAt time.Time) {
		t.Helper()
		require.NoError(t, store.InsertSentRecord(ctx, &models.SentEmailRecord{
			IdempotencyKey: key,
			UserID:         "u1",
			EmailType:      models.TypePaymentReceipt,
			EmailTo:        "a@x.com",
			SentAt:         expiresAt.Add(-7 * 24 * time.Hour),
			ExpiresAt:      expiresAt,
		}))
	}

	t.Run("removes only expired records", func(t *testing.T) {
		t.Parallel()

		store := db.NewMemory()
		insert(t, store, "expired-1", time.Now().Add(-time.Hour))
		insert(t, store, "expired-2", time.Now().Add(-time.Minute))
		insert(t, store, "fresh", time.Now().Add(time.Hour))

		deleted, err := queue.NewCleanup(store, zap.NewNop()).Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)
		assert.Equal(t, 1, store.RecordCount())

		rec, err := store.GetSentRecord(ctx, "fresh")
		require.NoError(t, err)
		assert.NotNil(t, rec)
	})

	t.Run("no-op when nothing expired", func(t *testing.T) {
		t.Parallel()

		store := db.NewMemory()
		insert(t, store, "fresh", time.Now().Add(time.Hour))

		deleted, err := queue.NewCleanup(store, zap.NewNop()).Run(ctx)
		require.NoError(t, err)
		assert.Zero(t, deleted)
		assert.Equal(t, 1, store.RecordCount())
	})

	t.Run("propagates storage errors", func(t *testing.T) {
		t.Parallel()

		store := &erroringLedgerStore{Memory: db.NewMemory()}
		_, err := queue.NewCleanup(store, zap.NewNop()).Run(ctx)
		assert.Error(t, err)
	})
}
