package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
)

// createJobQuery claims the singleton status row and inserts the job in one
// statement. When the row is already claimed no job row is written.
const createJobQuery = `
WITH claimed AS (
	UPDATE crawler_status
	SET is_running = TRUE,
		current_job_id = $1,
		last_run_at = $4,
		total_runs = total_runs + 1,
		updated_at = $4
	WHERE id = 1 AND is_running = FALSE
	RETURNING id
)
INSERT INTO crawler_jobs (id, job_type, status, batch_size, started_at, last_updated)
SELECT $1, $2, 'running', $3, $4, $4 FROM claimed
RETURNING id`

const currentJobQuery = `SELECT current_job_id FROM crawler_status WHERE id = 1`

const updateProgressQuery = `
UPDATE crawler_jobs
SET current_batch = $2, total_fetched = $3, last_updated = $4
WHERE id = $1`

const setEstimateQuery = `
UPDATE crawler_jobs
SET estimated_total = $2, last_updated = $3
WHERE id = $1`

const setStatusQuery = `
UPDATE crawler_jobs
SET status = $2, last_updated = $3
WHERE id = $1 AND status IN ('running', 'paused')`

// finishJobQuery writes the terminal state and releases the status row only
// if this job still holds it.
const finishJobQuery = `
WITH finished AS (
	UPDATE crawler_jobs
	SET status = $2,
		completed_at = $3,
		last_updated = $3,
		total_fetched = $4,
		error_message = NULLIF($5, '')
	WHERE id = $1 AND status IN ('running', 'paused')
	RETURNING id
), released AS (
	UPDATE crawler_status
	SET is_running = FALSE,
		current_job_id = NULL,
		last_success_at = CASE WHEN $2 = 'completed' THEN $3 ELSE last_success_at END,
		last_error = CASE WHEN $2 = 'failed' THEN NULLIF($5, '') ELSE NULL END,
		total_success = total_success + CASE WHEN $2 = 'completed' THEN 1 ELSE 0 END,
		total_failures = total_failures + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END,
		updated_at = $3
	WHERE id = 1 AND current_job_id = $1 AND EXISTS (SELECT 1 FROM finished)
	RETURNING id
)
SELECT (SELECT count(*) FROM finished), (SELECT count(*) FROM released)`

const jobColumns = `id, job_type, status, batch_size, current_batch, total_fetched,
	success_count, failed_count, duplicate_count, error_count, estimated_total,
	started_at, completed_at, last_updated, error_message`

const getJobQuery = `SELECT ` + jobColumns + ` FROM crawler_jobs WHERE id = $1`

const listJobsQuery = `SELECT ` + jobColumns + `
FROM crawler_jobs
WHERE ($1 = '' OR job_type = $1) AND ($2::text IS NULL OR status = $2)
ORDER BY started_at DESC
LIMIT $3 OFFSET $4`

const countJobsQuery = `
SELECT count(*) FROM crawler_jobs
WHERE ($1 = '' OR job_type = $1) AND ($2::text IS NULL OR status = $2)`

const getStatusQuery = `
SELECT is_running, current_job_id, last_run_at, last_success_at, last_error,
	total_runs, total_success, total_failures
FROM crawler_status WHERE id = 1`

const recoverStaleQuery = `
WITH stale AS (
	UPDATE crawler_jobs
	SET status = 'failed', completed_at = $2, last_updated = $2, error_message = $1
	WHERE status IN ('running', 'paused')
	RETURNING id
), released AS (
	UPDATE crawler_status
	SET is_running = FALSE,
		current_job_id = NULL,
		last_error = $1,
		total_failures = total_failures + (SELECT count(*) FROM stale),
		updated_at = $2
	WHERE id = 1 AND (is_running OR EXISTS (SELECT 1 FROM stale))
	RETURNING id
)
SELECT (SELECT count(*) FROM stale), (SELECT count(*) FROM released)`

// counterQueries maps each outcome counter to its increment statement.
var counterQueries = map[crawler.Counter]string{
	crawler.CounterSuccess:   `UPDATE crawler_jobs SET success_count = success_count + 1, last_updated = $2 WHERE id = $1`,
	crawler.CounterDuplicate: `UPDATE crawler_jobs SET duplicate_count = duplicate_count + 1, last_updated = $2 WHERE id = $1`,
	crawler.CounterFailed:    `UPDATE crawler_jobs SET failed_count = failed_count + 1, last_updated = $2 WHERE id = $1`,
	crawler.CounterError:     `UPDATE crawler_jobs SET error_count = error_count + 1, last_updated = $2 WHERE id = $1`,
}

// JobStore implements crawler.JobStore on Postgres.
type JobStore struct {
	db DB
}

// NewJobStore wraps db.
func NewJobStore(db DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &JobStore{db: db}, nil
}

// CreateJob claims the crawler and inserts job atomically.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	var id string
	err := s.db.QueryRow(ctx, createJobQuery, job.ID, job.JobType, job.BatchSize, job.StartedAt).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("create job: %w", err)
	}

	var current *string
	if err := s.db.QueryRow(ctx, currentJobQuery).Scan(&current); err != nil {
		return fmt.Errorf("read current job: %w", err)
	}
	running := &crawler.AlreadyRunningError{}
	if current != nil {
		running.CurrentJobID = *current
	}
	return running
}

// UpdateProgress records the batch position and running fetched total.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, batch, fetched int, at time.Time) error {
	tag, err := s.db.Exec(ctx, updateProgressQuery, jobID, batch, fetched, at)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update progress %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

// IncrementCounter bumps one outcome counter by one.
func (s *JobStore) IncrementCounter(ctx context.Context, jobID string, counter crawler.Counter, at time.Time) error {
	query, ok := counterQueries[counter]
	if !ok {
		return fmt.Errorf("unknown counter: %s", counter)
	}
	tag, err := s.db.Exec(ctx, query, jobID, at)
	if err != nil {
		return fmt.Errorf("increment %s: %w", counter, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("increment %s for %s: %w", counter, jobID, crawler.ErrNotFound)
	}
	return nil
}

// SetEstimate records the discovered slug count.
func (s *JobStore) SetEstimate(ctx context.Context, jobID string, total int, at time.Time) error {
	tag, err := s.db.Exec(ctx, setEstimateQuery, jobID, total, at)
	if err != nil {
		return fmt.Errorf("set estimate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set estimate %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

// SetStatus mirrors a pause or resume onto an active job.
func (s *JobStore) SetStatus(ctx context.Context, jobID string, status crawler.JobStatus, at time.Time) error {
	if status != crawler.JobStatusRunning && status != crawler.JobStatusPaused {
		return fmt.Errorf("set status %s: %w", status, crawler.ErrInvalidTransition)
	}
	tag, err := s.db.Exec(ctx, setStatusQuery, jobID, string(status), at)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set status %s on %s: %w", status, jobID, crawler.ErrInvalidTransition)
	}
	return nil
}

// FinishJob writes the terminal status and releases the global row.
func (s *JobStore) FinishJob(ctx context.Context, jobID string, finish crawler.JobFinish) error {
	if !finish.Status.Terminal() {
		return fmt.Errorf("finish with %s: %w", finish.Status, crawler.ErrInvalidTransition)
	}
	var finished, released int64
	err := s.db.QueryRow(ctx, finishJobQuery,
		jobID, string(finish.Status), finish.At, finish.TotalFetched, finish.Error,
	).Scan(&finished, &released)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if finished == 0 {
		return fmt.Errorf("finish job %s: %w", jobID, crawler.ErrInvalidTransition)
	}
	return nil
}

// GetJob loads one job.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, getJobQuery, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, crawler.ErrNotFound
		}
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns one page of jobs, newest first, plus the total matching.
func (s *JobStore) ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.Job, int, error) {
	var status *string
	if filter.Status != nil {
		v := string(*filter.Status)
		status = &v
	}

	var total int64
	if err := s.db.QueryRow(ctx, countJobsQuery, filter.JobType, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.Query(ctx, listJobsQuery, filter.JobType, status, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]crawler.Job, 0, filter.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, int(total), nil
}

// GetStatus loads the singleton status row.
func (s *JobStore) GetStatus(ctx context.Context) (crawler.GlobalStatus, error) {
	var st crawler.GlobalStatus
	err := s.db.QueryRow(ctx, getStatusQuery).Scan(
		&st.IsRunning,
		&st.CurrentJobID,
		&st.LastRunAt,
		&st.LastSuccessAt,
		&st.LastError,
		&st.TotalRuns,
		&st.TotalSuccess,
		&st.TotalFailures,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.GlobalStatus{}, fmt.Errorf("crawler_status row missing, run migrate: %w", crawler.ErrNotFound)
		}
		return crawler.GlobalStatus{}, fmt.Errorf("get status: %w", err)
	}
	return st, nil
}

// RecoverStale fails every non-terminal job left by a previous process.
func (s *JobStore) RecoverStale(ctx context.Context, reason string, at time.Time) (int, error) {
	var stale, released int64
	if err := s.db.QueryRow(ctx, recoverStaleQuery, reason, at).Scan(&stale, &released); err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(stale), nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job    crawler.Job
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.JobType,
		&status,
		&job.BatchSize,
		&job.CurrentBatch,
		&job.TotalFetched,
		&job.SuccessCount,
		&job.FailedCount,
		&job.DuplicateCount,
		&job.ErrorCount,
		&job.EstimatedTotal,
		&job.StartedAt,
		&job.CompletedAt,
		&job.LastUpdated,
		&job.ErrorMessage,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Status = crawler.JobStatus(status)
	return job, nil
}
