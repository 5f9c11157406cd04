package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrJobNotCancellable is returned when cancelling a job that is running or
// already terminal.
var ErrJobNotCancellable = errors.New("job not cancellable")

// CreateJob inserts a new scheduled job.
func (s *Store) CreateJob(ctx context.Context, job *models.ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs
			(id, user_id, role_id, description, kind, cron_spec, next_run, status,
			 hold_until, last_run_at, last_error, run_count, failures, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.RoleID, job.Description, string(job.Kind), job.CronSpec,
		encodeTime(job.NextRun), string(job.Status), encodeTime(job.HoldUntil),
		encodeTime(job.LastRunAt), job.LastError, job.RunCount, job.Failures,
		encodeTime(job.CreatedAt))
	return err
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns all jobs owned by a user.
func (s *Store) ListJobs(ctx context.Context, userID string) ([]*models.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+` WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimDueJobs atomically transitions due pending jobs to running with a
// short hold lease and returns them. The conditional update guarantees each
// job is claimed at most once even with multiple runner instances.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration) ([]*models.ScheduledJob, error) {
	nowStr := encodeTime(now)
	holdStr := encodeTime(now.Add(lease))

	rows, err := s.db.QueryContext(ctx,
		`UPDATE scheduled_jobs
		 SET status = 'running', hold_until = ?
		 WHERE status = 'pending' AND (
			(kind = 'once' AND next_run != '' AND next_run <= ?)
			OR (kind = 'recurring' AND (hold_until = '' OR hold_until <= ?))
		 )
		 RETURNING `+jobColumns,
		holdStr, nowStr, nowStr)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJob replaces the mutable scheduling fields of a job.
func (s *Store) UpdateJob(ctx context.Context, job *models.ScheduledJob) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET
			description = ?, cron_spec = ?, next_run = ?, status = ?, hold_until = ?,
			last_run_at = ?, last_error = ?, run_count = ?, failures = ?
		 WHERE id = ?`,
		job.Description, job.CronSpec, encodeTime(job.NextRun), string(job.Status),
		encodeTime(job.HoldUntil), encodeTime(job.LastRunAt), job.LastError,
		job.RunCount, job.Failures, job.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelJob transitions a pending or failed job to cancelled. Running jobs
// may only leave that state through the runner's completion path.
func (s *Store) CancelJob(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'cancelled'
		 WHERE id = ? AND user_id = ? AND status IN ('pending', 'failed')`,
		id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return getErr
		}
		return ErrJobNotCancellable
	}
	return nil
}

// DeleteJob removes a job row entirely.
func (s *Store) DeleteJob(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_jobs WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const jobColumns = `id, user_id, role_id, description, kind, cron_spec, next_run, status,
	hold_until, last_run_at, last_error, run_count, failures, created_at`

const jobSelect = `SELECT ` + jobColumns + ` FROM scheduled_jobs`

func scanJob(row rowScanner) (*models.ScheduledJob, error) {
	var job models.ScheduledJob
	var kind, status string
	var nextRun, holdUntil, lastRunAt, createdAt string
	err := row.Scan(&job.ID, &job.UserID, &job.RoleID, &job.Description, &kind,
		&job.CronSpec, &nextRun, &status, &holdUntil, &lastRunAt, &job.LastError,
		&job.RunCount, &job.Failures, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	job.NextRun = decodeTime(nextRun)
	job.HoldUntil = decodeTime(holdUntil)
	job.LastRunAt = decodeTime(lastRunAt)
	job.CreatedAt = decodeTime(createdAt)
	return &job, nil
}
