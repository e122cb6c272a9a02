package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
	"github.com/JakeFAU/scheme-crawler/internal/logging"
	"github.com/JakeFAU/scheme-crawler/internal/metrics"
)

// StaleReason is recorded on jobs failed by RecoverStale.
const StaleReason = "stale: process restarted"

// Runner executes one crawl. It must finish the job through tracker before
// returning; the controller fails any run that returns without doing so.
type Runner interface {
	Run(ctx context.Context, tracker *Tracker, control *Control) error
}

// Config wires a Controller.
type Config struct {
	Store     crawler.JobStore
	Runner    Runner
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Publisher crawler.Publisher
	Topic     string
	Logger    *zap.Logger
}

// Snapshot is the global status plus the active job, if any.
type Snapshot struct {
	Status     crawler.GlobalStatus `json:"status"`
	CurrentJob *crawler.Job         `json:"current_job"`
}

// run is one registered, in-flight crawl.
type run struct {
	tracker       *Tracker
	control       *Control
	cancel        context.CancelFunc
	done          chan struct{}
	stopRequested bool
}

// Controller serializes job lifecycle operations for this process. The
// store's claim on the status row guards across processes.
type Controller struct {
	store  crawler.JobStore
	runner Runner
	ids    crawler.IDGenerator
	clock  crawler.Clock
	events *eventPublisher
	logger *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	registry map[string]*run
	active   string
}

// NewController validates cfg and returns a Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("job store is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:  cfg.Store,
		runner: cfg.Runner,
		ids:    cfg.IDs,
		clock:  cfg.Clock,
		events: &eventPublisher{
			publisher: cfg.Publisher,
			topic:     cfg.Topic,
			logger:    logger,
		},
		logger:     logger,
		baseCtx:    base,
		cancelBase: cancel,
		registry:   make(map[string]*run),
	}, nil
}

// Start claims the crawler and launches a run in the background. The run is
// not tied to ctx; it ends on completion, Stop, or Shutdown.
func (c *Controller) Start(ctx context.Context, batchSize int) (crawler.Job, error) {
	if batchSize < crawler.MinBatchSize || batchSize > crawler.MaxBatchSize {
		return crawler.Job{}, crawler.ErrInvalidBatchSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != "" {
		return crawler.Job{}, &crawler.AlreadyRunningError{CurrentJobID: c.active}
	}
	if err := c.baseCtx.Err(); err != nil {
		return crawler.Job{}, fmt.Errorf("controller shut down: %w", err)
	}

	id, err := c.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := c.clock.Now()
	job := crawler.Job{
		ID:          id,
		JobType:     crawler.JobTypeSchemes,
		Status:      crawler.JobStatusRunning,
		BatchSize:   batchSize,
		StartedAt:   now,
		LastUpdated: now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		var running *crawler.AlreadyRunningError
		if errors.As(err, &running) {
			return crawler.Job{}, running
		}
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}

	logger := logging.ForJob(c.logger, id)
	runCtx, cancel := context.WithCancel(c.baseCtx)
	r := &run{
		tracker: newTracker(job, c.store, c.events, c.clock, logger),
		control: NewControl(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.registry[id] = r
	c.active = id

	metrics.SetJobRunning(true)
	logger.Info("crawl job started", zap.Int("batch_size", batchSize))
	c.events.publish(ctx, r.tracker.event(now))

	go c.execute(runCtx, r, logger)
	return job, nil
}

func (c *Controller) execute(ctx context.Context, r *run, logger *zap.Logger) {
	defer close(r.done)
	defer c.release(r.tracker.JobID())
	defer r.cancel()

	err := c.runner.Run(ctx, r.tracker, r.control)
	if err != nil {
		logger.Warn("crawl run returned error", zap.Error(err))
	}
	if r.tracker.Finished() {
		return
	}
	if err == nil {
		err = errors.New("run exited without finishing the job")
	}
	if failErr := r.tracker.Fail(ctx, err); failErr != nil {
		logger.Error("failed to record job failure", zap.Error(failErr))
	}
}

func (c *Controller) release(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.registry, jobID)
	if c.active == jobID {
		c.active = ""
	}
}

func (c *Controller) activeRun() (*run, error) {
	if c.active == "" {
		return nil, crawler.ErrNoActiveJob
	}
	r, ok := c.registry[c.active]
	if !ok {
		return nil, crawler.ErrNoActiveJob
	}
	return r, nil
}

// Pause asks the active run to pause at its next checkpoint.
func (c *Controller) Pause(ctx context.Context) (crawler.Job, error) {
	return c.setPaused(ctx, crawler.JobStatusPaused, SignalPause)
}

// Resume releases a paused run.
func (c *Controller) Resume(ctx context.Context) (crawler.Job, error) {
	return c.setPaused(ctx, crawler.JobStatusRunning, SignalResume)
}

func (c *Controller) setPaused(ctx context.Context, target crawler.JobStatus, sig Signal) (crawler.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.activeRun()
	if err != nil {
		return crawler.Job{}, err
	}
	if r.stopRequested {
		return crawler.Job{}, fmt.Errorf("%s after stop: %w", sig, crawler.ErrInvalidTransition)
	}
	current := r.tracker.currentStatus()
	if current == target {
		return r.tracker.Snapshot(), nil
	}
	if !CanTransition(current, target) {
		return crawler.Job{}, fmt.Errorf("%s -> %s: %w", current, target, crawler.ErrInvalidTransition)
	}
	if err := c.store.SetStatus(ctx, r.tracker.JobID(), target, c.clock.Now()); err != nil {
		return crawler.Job{}, fmt.Errorf("persist %s: %w", target, err)
	}
	if err := r.control.Send(ctx, sig); err != nil {
		c.revertStatus(ctx, r, current)
		return crawler.Job{}, err
	}
	// The run may have finished since current was read.
	if !r.tracker.transition(current, target) {
		return crawler.Job{}, fmt.Errorf("%s -> %s: job is %s: %w",
			current, target, r.tracker.currentStatus(), crawler.ErrInvalidTransition)
	}
	c.events.publish(ctx, r.tracker.event(c.clock.Now()))
	c.logger.Info("crawl job "+sig.String()+" requested", zap.String("job_id", r.tracker.JobID()))
	return r.tracker.Snapshot(), nil
}

// revertStatus restores the stored status after a signal could not be
// delivered. A run that finished meanwhile keeps its terminal row.
func (c *Controller) revertStatus(ctx context.Context, r *run, status crawler.JobStatus) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := c.store.SetStatus(writeCtx, r.tracker.JobID(), status, c.clock.Now()); err != nil {
		c.logger.Warn("revert job status failed",
			zap.String("job_id", r.tracker.JobID()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// Stop asks the active run to stop at its next checkpoint. The job is
// finished as stopped by the run itself.
func (c *Controller) Stop(ctx context.Context) (crawler.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.activeRun()
	if err != nil {
		return crawler.Job{}, err
	}
	if !r.stopRequested {
		if err := r.control.Send(ctx, SignalStop); err != nil {
			return crawler.Job{}, err
		}
		r.stopRequested = true
		c.logger.Info("crawl job stop requested", zap.String("job_id", r.tracker.JobID()))
	}
	return r.tracker.Snapshot(), nil
}

// Status returns the global status row and the active job.
func (c *Controller) Status(ctx context.Context) (Snapshot, error) {
	st, err := c.store.GetStatus(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load status: %w", err)
	}
	snap := Snapshot{Status: st}
	if st.CurrentJobID != nil {
		job, err := c.store.GetJob(ctx, *st.CurrentJobID)
		switch {
		case err == nil:
			snap.CurrentJob = &job
		case errors.Is(err, crawler.ErrNotFound):
		default:
			return Snapshot{}, fmt.Errorf("load current job: %w", err)
		}
	}
	return snap, nil
}

// ListJobs returns one 1-based page of jobs, newest first.
func (c *Controller) ListJobs(ctx context.Context, page, limit int, status *crawler.JobStatus) ([]crawler.Job, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	jobs, total, err := c.store.ListJobs(ctx, crawler.JobFilter{
		JobType: crawler.JobTypeSchemes,
		Status:  status,
		Limit:   limit,
		Offset:  (page - 1) * limit,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// Job loads one job by id.
func (c *Controller) Job(ctx context.Context, id string) (crawler.Job, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

// Wait blocks until the run for jobID has exited. Unknown or finished jobs
// return immediately.
func (c *Controller) Wait(ctx context.Context, jobID string) error {
	c.mu.Lock()
	r, ok := c.registry[jobID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
	}
}

// RecoverStale fails jobs left running or paused by a previous process.
func (c *Controller) RecoverStale(ctx context.Context) (int, error) {
	n, err := c.store.RecoverStale(ctx, StaleReason, c.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		c.logger.Warn("recovered stale crawl jobs", zap.Int("count", n))
	}
	return n, nil
}

// Shutdown stops the active run, waits for it to exit, and refuses new
// starts. If ctx ends first the run's context is canceled.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	if active != "" {
		if _, err := c.Stop(ctx); err != nil && !errors.Is(err, crawler.ErrNoActiveJob) {
			c.logger.Warn("stop during shutdown failed", zap.Error(err))
		}
		if err := c.Wait(ctx, active); err != nil {
			c.cancelBase()
			return err
		}
	}
	c.cancelBase()
	return nil
}
