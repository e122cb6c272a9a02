// Package scheduler starts crawl jobs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
)

// Starter launches a crawl job.
type Starter interface {
	Start(ctx context.Context, batchSize int) (crawler.Job, error)
}

// Config controls the schedule.
type Config struct {
	// Spec is a standard five-field cron expression.
	Spec      string
	BatchSize int
	Timeout   time.Duration
}

// Scheduler triggers Starter.Start on every cron tick. A tick that finds a
// job already running is skipped.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	cfg     Config
	logger  *zap.Logger
}

// New parses cfg.Spec and registers the trigger. The scheduler does nothing
// until Start is called.
func New(starter Starter, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if starter == nil {
		return nil, errors.New("starter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize < crawler.MinBatchSize || cfg.BatchSize > crawler.MaxBatchSize {
		return nil, crawler.ErrInvalidBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Scheduler{
		cron:    cron.New(),
		starter: starter,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "scheduler")),
	}
	if _, err := s.cron.AddFunc(cfg.Spec, s.Trigger); err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", cfg.Spec, err)
	}
	return s, nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", zap.String("spec", s.cfg.Spec))
	s.cron.Start()
}

// Stop halts future ticks and waits for a running trigger to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduler: %w", ctx.Err())
	}
}

// Trigger starts one job. It is exported so callers can fire a tick by hand.
func (s *Scheduler) Trigger() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	job, err := s.starter.Start(ctx, s.cfg.BatchSize)
	var running *crawler.AlreadyRunningError
	switch {
	case errors.As(err, &running):
		s.logger.Info("scheduled crawl skipped, job already running", zap.String("current_job_id", running.CurrentJobID))
	case err != nil:
		s.logger.Error("scheduled crawl failed to start", zap.Error(err))
	default:
		s.logger.Info("scheduled crawl started", zap.String("job_id", job.ID), zap.Int("batch_size", job.BatchSize))
	}
}
