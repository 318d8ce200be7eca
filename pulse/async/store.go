package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/harvest/errors"
)

// Store persists fetch jobs in the fetch_jobs table.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO fetch_jobs (
			id, theme, category, target, sources, status,
			requested, succeeded, duplicate, failed, deferred, bytes,
			output_dir, error, created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Theme,
		job.Category,
		job.Target,
		strings.Join(job.Sources, ","),
		job.Status,
		job.Counters.Requested,
		job.Counters.Succeeded,
		job.Counters.Duplicate,
		job.Counters.Failed,
		job.Counters.Deferred,
		job.Counters.Bytes,
		job.OutputDir,
		nullString(job.Error),
		job.CreatedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to create job"), fmt.Sprintf("Job ID: %s", job.ID))
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM fetch_jobs WHERE id = ?`

	var job Job
	args := GetJobScanArgs()
	err := s.db.QueryRowContext(ctx, query, id).Scan(GetJobScanTargets(&job, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	ProcessJobScanArgs(&job, args)
	return &job, nil
}

// UpdateJob writes the job's status, counters and timestamps.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	query := `
		UPDATE fetch_jobs
		SET status = ?,
		    requested = ?,
		    succeeded = ?,
		    duplicate = ?,
		    failed = ?,
		    deferred = ?,
		    bytes = ?,
		    error = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		job.Status,
		job.Counters.Requested,
		job.Counters.Succeeded,
		job.Counters.Duplicate,
		job.Counters.Failed,
		job.Counters.Deferred,
		job.Counters.Bytes,
		nullString(job.Error),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt.UTC(),
		job.ID,
	)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to update job"), fmt.Sprintf("Job ID: %s", job.ID))
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return errors.NewNotFoundError("job not found: %s", job.ID)
	}
	return nil
}

// ListJobs returns jobs newest first, optionally filtered by status
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = MaxJobsLimit
	}

	var query string
	var args []interface{}

	baseQuery := `SELECT ` + StandardJobSelectColumns() + ` FROM fetch_jobs`
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// scanJobs scans every row into a job
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return jobs, nil
}

// CleanupOldJobs removes finished jobs last updated before now-olderThan.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM fetch_jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}
