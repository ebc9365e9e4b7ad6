package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mailqueue/internal/idempotency"
	"mailqueue/internal/models"
)

// Memory implements the queue and ledger store contracts in process memory.
// It backs tests and local development; the semantics mirror the Postgres
// Store, including the unique-key collision on ledger inserts.
type Memory struct {
	mu      sync.RWMutex
	jobs    map[string]*models.PendingEmailJob
	records map[string]*models.SentEmailRecord
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*models.PendingEmailJob),
		records: make(map[string]*models.SentEmailRecord),
	}
}

func (m *Memory) InsertJob(ctx context.Context, job *models.PendingEmailJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.PendingEmailJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*models.PendingEmailJob
	for _, job := range m.jobs {
		if job.Status != models.StatusPending && job.Status != models.StatusFailed {
			continue
		}
		if job.ScheduledFor.After(now) {
			continue
		}
		if job.Attempts >= job.MaxAttempts {
			continue
		}
		cp := *job
		due = append(due, &cp)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (m *Memory) MarkSending(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return fmt.Errorf("job %s not found", id)
	}

	attemptAt := now
	job.Status = models.StatusSending
	job.Attempts++
	job.LastAttempt = &attemptAt
	job.UpdatedAt = now
	return nil
}

func (m *Memory) MarkSent(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return fmt.Errorf("job %s not found", id)
	}

	sentAt := now
	job.Status = models.StatusSent
	job.SentAt = &sentAt
	job.UpdatedAt = now
	return nil
}

func (m *Memory) MarkFailed(ctx context.Context, id, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return fmt.Errorf("job %s not found", id)
	}

	job.Status = models.StatusFailed
	job.LastError = lastError
	job.UpdatedAt = now
	return nil
}

func (m *Memory) CancelJob(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return false, nil
	}
	if job.Status != models.StatusPending && job.Status != models.StatusFailed {
		return false, nil
	}

	job.Status = models.StatusCancelled
	job.UpdatedAt = now
	return true, nil
}

func (m *Memory) HasActiveJob(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, job := range m.jobs {
		if job.IdempotencyKey != key {
			continue
		}
		switch job.Status {
		case models.StatusPending, models.StatusSending:
			return true, nil
		case models.StatusFailed:
			if job.Attempts < job.MaxAttempts {
				return true, nil
			}
		}
	}

	return false, nil
}

func (m *Memory) PendingForUser(ctx context.Context, userID string) ([]*models.PendingEmailJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.PendingEmailJob
	for _, job := range m.jobs {
		if job.UserID != userID {
			continue
		}
		switch job.Status {
		case models.StatusPending, models.StatusSending, models.StatusFailed:
			cp := *job
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// GetJob returns a copy of a job by id, or nil. Test helper; the Postgres
// store has no equivalent because production code never reads single jobs.
func (m *Memory) GetJob(id string) *models.PendingEmailJob {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[id]
	if !exists {
		return nil
	}
	cp := *job
	return &cp
}

// ----------------------------
// Idempotency ledger
// ----------------------------

func (m *Memory) GetSentRecord(ctx context.Context, key string) (*models.SentEmailRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.records[key]
	if !exists {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) InsertSentRecord(ctx context.Context, rec *models.SentEmailRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.IdempotencyKey]; exists {
		return idempotency.ErrDuplicateKey
	}

	cp := *rec
	m.records[rec.IdempotencyKey] = &cp
	return nil
}

func (m *Memory) DeleteExpiredRecords(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, rec := range m.records {
		if rec.ExpiresAt.Before(now) {
			delete(m.records, key)
			deleted++
		}
	}

	return deleted, nil
}

// RecordCount reports how many ledger entries exist. Test helper.
func (m *Memory) RecordCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
