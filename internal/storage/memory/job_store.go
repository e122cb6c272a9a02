// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
)

// JobStore implements crawler.JobStore in memory with the same single-flight
// and transition rules as the Postgres store.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]crawler.Job
	status crawler.GlobalStatus
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.Job)}
}

// CreateJob claims the crawler and records job as running.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsRunning {
		running := &crawler.AlreadyRunningError{}
		if s.status.CurrentJobID != nil {
			running.CurrentJobID = *s.status.CurrentJobID
		}
		return running
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	job.Status = crawler.JobStatusRunning
	job.LastUpdated = job.StartedAt
	s.jobs[job.ID] = job

	id := job.ID
	s.status.IsRunning = true
	s.status.CurrentJobID = &id
	s.status.LastRunAt = pointerTime(job.StartedAt)
	s.status.TotalRuns++
	return nil
}

func (s *JobStore) update(jobID string, at time.Time, fn func(*crawler.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	fn(&job)
	job.LastUpdated = at
	s.jobs[jobID] = job
	return nil
}

// UpdateProgress records the batch position and running fetched total.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, batch, fetched int, at time.Time) error {
	return s.update(jobID, at, func(job *crawler.Job) {
		job.CurrentBatch = batch
		job.TotalFetched = fetched
	})
}

// IncrementCounter bumps one outcome counter.
func (s *JobStore) IncrementCounter(_ context.Context, jobID string, counter crawler.Counter, at time.Time) error {
	var field func(*crawler.Job) *int
	switch counter {
	case crawler.CounterSuccess:
		field = func(j *crawler.Job) *int { return &j.SuccessCount }
	case crawler.CounterDuplicate:
		field = func(j *crawler.Job) *int { return &j.DuplicateCount }
	case crawler.CounterFailed:
		field = func(j *crawler.Job) *int { return &j.FailedCount }
	case crawler.CounterError:
		field = func(j *crawler.Job) *int { return &j.ErrorCount }
	default:
		return fmt.Errorf("unknown counter: %s", counter)
	}
	return s.update(jobID, at, func(job *crawler.Job) { *field(job)++ })
}

// SetEstimate records the discovered slug count.
func (s *JobStore) SetEstimate(_ context.Context, jobID string, total int, at time.Time) error {
	return s.update(jobID, at, func(job *crawler.Job) { job.EstimatedTotal = total })
}

// SetStatus mirrors a pause or resume onto an active job.
func (s *JobStore) SetStatus(_ context.Context, jobID string, status crawler.JobStatus, at time.Time) error {
	if status != crawler.JobStatusRunning && status != crawler.JobStatusPaused {
		return fmt.Errorf("set status %s: %w", status, crawler.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return fmt.Errorf("set status %s on %s: %w", status, jobID, crawler.ErrInvalidTransition)
	}
	job.Status = status
	job.LastUpdated = at
	s.jobs[jobID] = job
	return nil
}

// FinishJob writes the terminal status and releases the crawler if this job
// holds it.
func (s *JobStore) FinishJob(_ context.Context, jobID string, finish crawler.JobFinish) error {
	if !finish.Status.Terminal() {
		return fmt.Errorf("finish with %s: %w", finish.Status, crawler.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return fmt.Errorf("finish job %s: %w", jobID, crawler.ErrInvalidTransition)
	}
	job.Status = finish.Status
	job.TotalFetched = finish.TotalFetched
	job.CompletedAt = pointerTime(finish.At)
	job.LastUpdated = finish.At
	job.ErrorMessage = nil
	if finish.Error != "" {
		msg := finish.Error
		job.ErrorMessage = &msg
	}
	s.jobs[jobID] = job

	if s.status.CurrentJobID == nil || *s.status.CurrentJobID != jobID {
		return nil
	}
	s.status.IsRunning = false
	s.status.CurrentJobID = nil
	s.status.LastError = nil
	switch finish.Status {
	case crawler.JobStatusCompleted:
		s.status.LastSuccessAt = pointerTime(finish.At)
		s.status.TotalSuccess++
	case crawler.JobStatusFailed:
		s.status.TotalFailures++
		if finish.Error != "" {
			msg := finish.Error
			s.status.LastError = &msg
		}
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return job, nil
}

// ListJobs returns one page of jobs, newest first, plus the total matching.
func (s *JobStore) ListJobs(_ context.Context, filter crawler.JobFilter) ([]crawler.Job, int, error) {
	s.mu.RLock()
	matched := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.JobType != "" && job.JobType != filter.JobType {
			continue
		}
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		matched = append(matched, job)
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b crawler.Job) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

// GetStatus returns a copy of the singleton status.
func (s *JobStore) GetStatus(_ context.Context) (crawler.GlobalStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, nil
}

// RecoverStale fails every running or paused job.
func (s *JobStore) RecoverStale(_ context.Context, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() {
			continue
		}
		msg := reason
		job.Status = crawler.JobStatusFailed
		job.CompletedAt = pointerTime(at)
		job.LastUpdated = at
		job.ErrorMessage = &msg
		s.jobs[id] = job
		count++
	}
	if count > 0 || s.status.IsRunning {
		msg := reason
		s.status.IsRunning = false
		s.status.CurrentJobID = nil
		s.status.LastError = &msg
		s.status.TotalFailures += count
	}
	return count, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
