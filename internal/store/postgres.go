package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tailorcv/pipeline/internal/job"
)

// PostgresStore implements Store on PostgreSQL. Conditional UPDATEs
// carry the compare-and-swap guarantee; the database is the arbiter
// when two workers race on the same job.
type PostgresStore struct {
	db     *sqlx.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore. ttl is the retention
// horizon applied to new records.
func NewPostgresStore(db *sqlx.DB, ttl time.Duration, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		ttl:    ttl,
		logger: logger,
	}
}

func (s *PostgresStore) Create(ctx context.Context, jobID string, jobType job.Type) (*job.Job, error) {
	now := time.Now().UTC()
	j := &job.Job{
		JobID:     jobID,
		Type:      jobType,
		Status:    job.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	query := `
		INSERT INTO jobs (job_id, job_type, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query, j.JobID, j.Type, j.Status, j.CreatedAt, j.UpdatedAt, j.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, job.ErrConflict
	}

	return j, nil
}

// MarkProcessing claims the job with an optimistic UPDATE. Zero rows
// affected means the record is gone, expired, or already terminal; the
// caller distinguishes the cases via the follow-up lookup.
func (s *PostgresStore) MarkProcessing(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status IN ($3, $1)
		  AND expires_at > NOW()
	`

	res, err := s.db.ExecContext(ctx, query, job.StatusProcessing, jobID, job.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}

	return s.classifyNoRows(ctx, res, jobID)
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    result = $2,
		    error_kind = NULL,
		    error_message = NULL,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5)
		  AND expires_at > NOW()
	`

	res, err := s.db.ExecContext(ctx, query,
		job.StatusSucceeded, []byte(result), jobID, job.StatusPending, job.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job succeeded: %w", err)
	}

	return s.classifyNoRows(ctx, res, jobID)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, jobID string, errInfo job.ErrorInfo) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_kind = $2,
		    error_message = $3,
		    updated_at = NOW()
		WHERE job_id = $4
		  AND status IN ($5, $6)
		  AND expires_at > NOW()
	`

	res, err := s.db.ExecContext(ctx, query,
		job.StatusFailed, errInfo.Kind, errInfo.Message, jobID, job.StatusPending, job.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	return s.classifyNoRows(ctx, res, jobID)
}

// RecordRetry charges one transient failure against the record's retry
// budget and returns the total. The count lives on the record because
// broker redelivery bookkeeping does not survive a plain requeue.
func (s *PostgresStore) RecordRetry(ctx context.Context, jobID string) (int, error) {
	query := `
		UPDATE jobs
		SET retry_count = retry_count + 1,
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status IN ($2, $3)
		  AND expires_at > NOW()
		RETURNING retry_count
	`

	var count int
	err := s.db.GetContext(ctx, &count, query, jobID, job.StatusPending, job.StatusProcessing)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.classifyMissing(ctx, jobID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record retry: %w", err)
	}

	return count, nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*job.Job, error) {
	query := `
		SELECT job_id, job_type, status, result, error_kind, error_message,
		       retry_count, created_at, updated_at, expires_at
		FROM jobs
		WHERE job_id = $1
		  AND expires_at > NOW()
	`

	var row struct {
		JobID        string         `db:"job_id"`
		JobType      string         `db:"job_type"`
		Status       string         `db:"status"`
		Result       []byte         `db:"result"`
		ErrorKind    sql.NullString `db:"error_kind"`
		ErrorMessage sql.NullString `db:"error_message"`
		RetryCount   int            `db:"retry_count"`
		CreatedAt    time.Time      `db:"created_at"`
		UpdatedAt    time.Time      `db:"updated_at"`
		ExpiresAt    time.Time      `db:"expires_at"`
	}

	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	j := &job.Job{
		JobID:      row.JobID,
		Type:       job.Type(row.JobType),
		Status:     job.Status(row.Status),
		Result:     row.Result,
		RetryCount: row.RetryCount,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
		ExpiresAt:  row.ExpiresAt,
	}
	if row.ErrorKind.Valid {
		j.Error = &job.ErrorInfo{Kind: row.ErrorKind.String, Message: row.ErrorMessage.String}
	}

	return j, nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `DELETE FROM jobs WHERE expires_at <= NOW() RETURNING job_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to purge expired jobs: %w", err)
	}

	if len(ids) > 0 {
		s.logger.Info("Purged expired job records",
			slog.Int("count", len(ids)),
		)
	}

	return ids, nil
}

// classifyNoRows turns a zero-row conditional UPDATE into the precise
// domain error: not found when the record is gone or expired, invalid
// transition when it is already terminal.
func (s *PostgresStore) classifyNoRows(ctx context.Context, res sql.Result, jobID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	return s.classifyMissing(ctx, jobID)
}

func (s *PostgresStore) classifyMissing(ctx context.Context, jobID string) error {
	var status string
	err := s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE job_id = $1 AND expires_at > NOW()`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return job.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to inspect job status: %w", err)
	}

	return fmt.Errorf("job %s is %s: %w", jobID, status, job.ErrInvalidTransition)
}

var _ Store = (*PostgresStore)(nil)
