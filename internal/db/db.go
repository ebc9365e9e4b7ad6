package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailqueue/internal/idempotency"
	"mailqueue/internal/models"
)

// Store persists the pending email queue and the idempotency ledger in
// Postgres. It is the only component that touches either table.
type Store struct {
	Pool *pgxpool.Pool
}

func New(conn string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), conn)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

const jobColumns = `id, user_id, email_to, email_type, subject, template_data,
	 idempotency_key, status, scheduled_for, attempts, max_attempts,
	 last_attempt_at, last_error, metadata, created_at, updated_at, sent_at`

func (s *Store) InsertJob(ctx context.Context, job *models.PendingEmailJob) error {

	metaJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO pending_email_jobs
		 (`+jobColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		job.ID,
		job.UserID,
		job.EmailTo,
		job.EmailType,
		job.Subject,
		[]byte(job.TemplateData),
		job.IdempotencyKey,
		job.Status,
		job.ScheduledFor,
		job.Attempts,
		job.MaxAttempts,
		job.LastAttempt,
		job.LastError,
		metaJSON,
		job.CreatedAt,
		job.UpdatedAt,
		job.SentAt,
	)

	return err
}

// DueJobs returns jobs eligible for a processing run: pending or failed,
// scheduled at or before now, with attempts remaining, oldest first.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.PendingEmailJob, error) {

	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM pending_email_jobs
		 WHERE status IN ('pending','failed')
		   AND scheduled_for <= $1
		   AND attempts < max_attempts
		 ORDER BY created_at ASC
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkSending claims a job for an attempt: status becomes sending, the
// attempt counter advances, and the attempt time is stamped.
func (s *Store) MarkSending(ctx context.Context, id string, now time.Time) error {

	_, err := s.Pool.Exec(ctx,
		`UPDATE pending_email_jobs
		 SET status=$1,
		     attempts = attempts + 1,
		     last_attempt_at=$2,
		     updated_at=$2
		 WHERE id=$3`,
		models.StatusSending,
		now,
		id,
	)

	return err
}

func (s *Store) MarkSent(ctx context.Context, id string, now time.Time) error {

	_, err := s.Pool.Exec(ctx,
		`UPDATE pending_email_jobs
		 SET status=$1,
		     sent_at=$2,
		     updated_at=$2
		 WHERE id=$3`,
		models.StatusSent,
		now,
		id,
	)

	return err
}

func (s *Store) MarkFailed(ctx context.Context, id, lastError string, now time.Time) error {

	_, err := s.Pool.Exec(ctx,
		`UPDATE pending_email_jobs
		 SET status=$1,
		     last_error=$2,
		     updated_at=$3
		 WHERE id=$4`,
		models.StatusFailed,
		lastError,
		now,
		id,
	)

	return err
}

// CancelJob cancels a pending or failed job. It reports false when the job is
// missing or already in a state cancellation cannot touch (sending, sent,
// cancelled).
func (s *Store) CancelJob(ctx context.Context, id string, now time.Time) (bool, error) {

	tag, err := s.Pool.Exec(ctx,
		`UPDATE pending_email_jobs
		 SET status=$1,
		     updated_at=$2
		 WHERE id=$3
		   AND status IN ('pending','failed')`,
		models.StatusCancelled,
		now,
		id,
	)
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// HasActiveJob reports whether a non-terminal job already carries the given
// idempotency key, so a duplicate enqueue can be refused while the first job
// is still waiting to be processed.
func (s *Store) HasActiveJob(ctx context.Context, key string) (bool, error) {

	var exists bool

	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM pending_email_jobs
		   WHERE idempotency_key=$1
		     AND (status IN ('pending','sending')
		          OR (status='failed' AND attempts < max_attempts))
		 )`,
		key,
	).Scan(&exists)

	return exists, err
}

// PendingForUser lists a user's jobs that are still in flight.
func (s *Store) PendingForUser(ctx context.Context, userID string) ([]*models.PendingEmailJob, error) {

	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM pending_email_jobs
		 WHERE user_id=$1
		   AND status IN ('pending','sending','failed')
		 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ----------------------------
// Idempotency ledger
// ----------------------------

func (s *Store) GetSentRecord(ctx context.Context, key string) (*models.SentEmailRecord, error) {

	var (
		rec      models.SentEmailRecord
		metaJSON []byte
	)

	err := s.Pool.QueryRow(ctx,
		`SELECT idempotency_key, user_id, email_to, email_type,
		        pending_job_id, transport_message_id, metadata, sent_at, expires_at
		 FROM sent_email_records
		 WHERE idempotency_key=$1`,
		key,
	).Scan(
		&rec.IdempotencyKey,
		&rec.UserID,
		&rec.EmailTo,
		&rec.EmailType,
		&rec.PendingJobID,
		&rec.TransportMessageID,
		&metaJSON,
		&rec.SentAt,
		&rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal ledger metadata: %w", err)
		}
	}

	return &rec, nil
}

func (s *Store) InsertSentRecord(ctx context.Context, rec *models.SentEmailRecord) error {

	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal ledger metadata: %w", err)
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO sent_email_records
		 (idempotency_key, user_id, email_to, email_type,
		  pending_job_id, transport_message_id, metadata, sent_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.IdempotencyKey,
		rec.UserID,
		rec.EmailTo,
		rec.EmailType,
		rec.PendingJobID,
		rec.TransportMessageID,
		metaJSON,
		rec.SentAt,
		rec.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return idempotency.ErrDuplicateKey
	}

	return err
}

func (s *Store) DeleteExpiredRecords(ctx context.Context, now time.Time) (int64, error) {

	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM sent_email_records
		 WHERE expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanJobs(rows pgx.Rows) ([]*models.PendingEmailJob, error) {

	var jobs []*models.PendingEmailJob

	for rows.Next() {
		var (
			job      models.PendingEmailJob
			data     []byte
			metaJSON []byte
		)

		if err := rows.Scan(
			&job.ID,
			&job.UserID,
			&job.EmailTo,
			&job.EmailType,
			&job.Subject,
			&data,
			&job.IdempotencyKey,
			&job.Status,
			&job.ScheduledFor,
			&job.Attempts,
			&job.MaxAttempts,
			&job.LastAttempt,
			&job.LastError,
			&metaJSON,
			&job.CreatedAt,
			&job.UpdatedAt,
			&job.SentAt,
		); err != nil {
			return nil, err
		}

		job.TemplateData = json.RawMessage(data)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &job.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal job metadata: %w", err)
			}
		}

		jobs = append(jobs, &job)
	}

	return jobs, rows.Err()
}
