package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
	"github.com/JakeFAU/scheme-crawler/internal/metrics"
)

const finishTimeout = 10 * time.Second

// Tracker is the orchestrator's handle on one job row. Counter updates are
// written through to the store as they happen.
type Tracker struct {
	job       crawler.Job
	store     crawler.JobStore
	events    *eventPublisher
	clock     crawler.Clock
	logger    *zap.Logger
	mu        sync.Mutex
	status    crawler.JobStatus
	counts    map[crawler.Counter]int
	fetched   int
	batch     int
	estimated int
}

func newTracker(job crawler.Job, store crawler.JobStore, events *eventPublisher, clock crawler.Clock, logger *zap.Logger) *Tracker {
	return &Tracker{
		job:    job,
		store:  store,
		events: events,
		clock:  clock,
		logger: logger,
		status: crawler.JobStatusRunning,
		counts: make(map[crawler.Counter]int),
	}
}

// JobID returns the tracked job's id.
func (t *Tracker) JobID() string { return t.job.ID }

// BatchSize returns the batch size the job was started with.
func (t *Tracker) BatchSize() int { return t.job.BatchSize }

// Progress records the 1-based position of the item being processed and the
// number fetched so far.
func (t *Tracker) Progress(ctx context.Context, batch, fetched int) error {
	if err := t.store.UpdateProgress(ctx, t.job.ID, batch, fetched, t.clock.Now()); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	t.mu.Lock()
	t.batch, t.fetched = batch, fetched
	t.mu.Unlock()
	return nil
}

// Count increments one outcome counter.
func (t *Tracker) Count(ctx context.Context, counter crawler.Counter) error {
	if err := t.store.IncrementCounter(ctx, t.job.ID, counter, t.clock.Now()); err != nil {
		return fmt.Errorf("record %s: %w", counter, err)
	}
	t.mu.Lock()
	t.counts[counter]++
	t.mu.Unlock()
	metrics.ObserveItem(string(counter))
	return nil
}

// Estimate records how many items discovery produced.
func (t *Tracker) Estimate(ctx context.Context, total int) error {
	if err := t.store.SetEstimate(ctx, t.job.ID, total, t.clock.Now()); err != nil {
		return fmt.Errorf("record estimate: %w", err)
	}
	t.mu.Lock()
	t.estimated = total
	t.mu.Unlock()
	return nil
}

// Complete finishes the job after every item was processed.
func (t *Tracker) Complete(ctx context.Context, totalFetched int) error {
	return t.finish(ctx, crawler.JobStatusCompleted, totalFetched, "")
}

// Stopped finishes the job after an operator stop.
func (t *Tracker) Stopped(ctx context.Context, totalFetched int) error {
	return t.finish(ctx, crawler.JobStatusStopped, totalFetched, "")
}

// Fail finishes the job with cause recorded as its error message.
func (t *Tracker) Fail(ctx context.Context, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	t.mu.Lock()
	fetched := t.fetched
	t.mu.Unlock()
	return t.finish(ctx, crawler.JobStatusFailed, fetched, msg)
}

// Finished reports whether a terminal status has been written.
func (t *Tracker) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Terminal()
}

// Snapshot returns the in-memory view of the job.
func (t *Tracker) Snapshot() crawler.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	job := t.job
	job.Status = t.status
	job.CurrentBatch = t.batch
	job.TotalFetched = t.fetched
	job.EstimatedTotal = t.estimated
	job.SuccessCount = t.counts[crawler.CounterSuccess]
	job.DuplicateCount = t.counts[crawler.CounterDuplicate]
	job.FailedCount = t.counts[crawler.CounterFailed]
	job.ErrorCount = t.counts[crawler.CounterError]
	return job
}

// transition mirrors a pause or resume already persisted by the controller.
// It refuses unless the run is still in from, so a finished run keeps its
// terminal status.
func (t *Tracker) transition(from, to crawler.JobStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != from || !CanTransition(from, to) {
		return false
	}
	t.status = to
	return true
}

func (t *Tracker) currentStatus() crawler.JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Tracker) finish(ctx context.Context, status crawler.JobStatus, totalFetched int, errMsg string) error {
	t.mu.Lock()
	from := t.status
	if !CanTransition(from, status) {
		t.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", from, status, crawler.ErrInvalidTransition)
	}
	t.mu.Unlock()

	// The terminal write must land even when the run's context was canceled.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	at := t.clock.Now()
	err := t.store.FinishJob(writeCtx, t.job.ID, crawler.JobFinish{
		Status:       status,
		TotalFetched: totalFetched,
		Error:        errMsg,
		At:           at,
	})
	if err != nil {
		return fmt.Errorf("finish job as %s: %w", status, err)
	}

	t.mu.Lock()
	t.status = status
	t.fetched = totalFetched
	t.mu.Unlock()

	metrics.ObserveJob(string(status))
	metrics.SetJobRunning(false)

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("total_fetched", totalFetched),
	}
	if errMsg != "" {
		fields = append(fields, zap.String("error", errMsg))
	}
	t.logger.Info("crawl job finished", fields...)

	evt := t.event(at)
	evt.Error = errMsg
	t.events.publish(writeCtx, evt)
	return nil
}

func (t *Tracker) event(at time.Time) crawler.JobEvent {
	snap := t.Snapshot()
	return crawler.JobEvent{
		JobID:          snap.ID,
		JobType:        snap.JobType,
		Status:         snap.Status,
		TotalFetched:   snap.TotalFetched,
		SuccessCount:   snap.SuccessCount,
		DuplicateCount: snap.DuplicateCount,
		FailedCount:    snap.FailedCount,
		ErrorCount:     snap.ErrorCount,
		At:             at,
	}
}

// eventPublisher sends lifecycle events when a publisher is configured.
// Publish failures are logged and never fail the job.
type eventPublisher struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

func (p *eventPublisher) publish(ctx context.Context, evt crawler.JobEvent) {
	if p == nil || p.publisher == nil {
		return
	}
	if _, err := p.publisher.Publish(ctx, p.topic, evt); err != nil {
		p.logger.Warn("publish job event failed",
			zap.String("job_id", evt.JobID),
			zap.String("status", string(evt.Status)),
			zap.Error(err),
		)
	}
}
