// Package orchestrator runs one crawl: discover slugs, then fetch, normalize
// and persist each one in order while honoring control signals.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
	"github.com/JakeFAU/scheme-crawler/internal/jobs"
	"github.com/JakeFAU/scheme-crawler/internal/logging"
)

var tracer = otel.Tracer("github.com/JakeFAU/scheme-crawler/internal/orchestrator")

// Config describes the item API and pacing.
type Config struct {
	APIBaseURL    string
	APIKey        string
	Origin        string
	Referer       string
	Locale        string
	Delay         time.Duration
	FallbackSeeds []string
	ArchivePrefix string
}

// Deps are the collaborators a run needs. Archive is optional.
type Deps struct {
	Discoverer crawler.Discoverer
	Fetcher    crawler.Fetcher
	Normalizer crawler.Normalizer
	Schemes    crawler.SchemeStore
	Archive    crawler.BlobStore
	Logger     *zap.Logger
}

// Orchestrator implements jobs.Runner.
type Orchestrator struct {
	cfg        Config
	discoverer crawler.Discoverer
	fetcher    crawler.Fetcher
	normalizer crawler.Normalizer
	schemes    crawler.SchemeStore
	archive    crawler.BlobStore
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

var _ jobs.Runner = (*Orchestrator)(nil)

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Discoverer == nil:
		return nil, errors.New("discoverer is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Normalizer == nil:
		return nil, errors.New("normalizer is required")
	case deps.Schemes == nil:
		return nil, errors.New("scheme store is required")
	}
	if _, err := url.Parse(cfg.APIBaseURL); err != nil || cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("invalid api base url %q", cfg.APIBaseURL)
	}
	if cfg.Locale == "" {
		cfg.Locale = "en"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		discoverer: deps.Discoverer,
		fetcher:    deps.Fetcher,
		normalizer: deps.Normalizer,
		schemes:    deps.Schemes,
		archive:    deps.Archive,
		logger:     logger,
		sleep:      sleepContext,
	}, nil
}

// Run processes every discovered slug and finishes the job through tracker.
// Per-item failures only move counters; store failures and cancellation fail
// the job.
func (o *Orchestrator) Run(ctx context.Context, tracker *jobs.Tracker, control *jobs.Control) error {
	logger := logging.ForJob(o.logger, tracker.JobID())
	ctx, span := tracer.Start(ctx, "crawl.job", trace.WithAttributes(
		attribute.String("crawl.job_id", tracker.JobID()),
		attribute.Int("crawl.batch_size", tracker.BatchSize()),
	))
	defer span.End()

	slugs := o.discover(ctx, logger)
	span.SetAttributes(attribute.Int("crawl.slugs", len(slugs)))
	if err := tracker.Estimate(ctx, len(slugs)); err != nil {
		return o.fail(ctx, tracker, err)
	}
	logger.Info("processing slugs", zap.Int("count", len(slugs)))

	fetched := 0
	for i, slug := range slugs {
		stop, err := control.Checkpoint(ctx)
		if err != nil {
			return o.fail(ctx, tracker, err)
		}
		if stop {
			logger.Info("stop observed", zap.Int("processed", i))
			return tracker.Stopped(ctx, fetched)
		}
		if err := tracker.Progress(ctx, i+1, fetched); err != nil {
			return o.fail(ctx, tracker, err)
		}

		counter := o.process(ctx, tracker.JobID(), slug, logger)
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, tracker, err)
		}
		if err := tracker.Count(ctx, counter); err != nil {
			return o.fail(ctx, tracker, err)
		}
		if counter == crawler.CounterSuccess || counter == crawler.CounterDuplicate {
			fetched++
		}

		if i < len(slugs)-1 {
			if err := o.sleep(ctx, o.cfg.Delay); err != nil {
				return o.fail(ctx, tracker, err)
			}
		}
	}
	return tracker.Complete(ctx, fetched)
}

func (o *Orchestrator) fail(ctx context.Context, tracker *jobs.Tracker, cause error) error {
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	if err := tracker.Fail(ctx, cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (o *Orchestrator) discover(ctx context.Context, logger *zap.Logger) []string {
	slugs, err := o.discoverer.Discover(ctx)
	if err != nil {
		logger.Warn("discovery failed", zap.Error(err))
	}
	if len(slugs) == 0 {
		logger.Warn("discovery returned no slugs, using fallback list", zap.Int("fallback", len(o.cfg.FallbackSeeds)))
		return append([]string(nil), o.cfg.FallbackSeeds...)
	}
	return slugs
}

// envelope is the item API's response wrapper.
type envelope struct {
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
}

// process handles one slug and returns the counter it should bump.
func (o *Orchestrator) process(ctx context.Context, jobID, slug string, logger *zap.Logger) (counter crawler.Counter) {
	logger = logger.With(zap.String("slug", slug))
	ctx, span := tracer.Start(ctx, "crawl.item", trace.WithAttributes(attribute.String("crawl.slug", slug)))
	defer func() {
		span.SetAttributes(attribute.String("crawl.outcome", string(counter)))
		if counter == crawler.CounterError || counter == crawler.CounterFailed {
			span.SetStatus(codes.Error, string(counter))
		}
		span.End()
	}()

	resp, err := o.fetcher.Fetch(ctx, crawler.FetchRequest{
		JobID:   jobID,
		URL:     o.itemURL(slug),
		Headers: o.headers(),
	})
	if err != nil {
		logger.Warn("fetch failed", zap.Error(err))
		return crawler.CounterError
	}
	if resp.StatusCode != http.StatusOK {
		logger.Warn("unexpected status", zap.Int("status", resp.StatusCode))
		return crawler.CounterError
	}
	data, err := decodeEnvelope(resp.Body)
	if err != nil {
		logger.Warn("bad response envelope", zap.Error(err))
		return crawler.CounterError
	}

	o.archiveRaw(ctx, jobID, slug, resp.Body, logger)

	rec, err := o.normalizer.Normalize(slug, data)
	if err != nil {
		logger.Warn("normalize failed", zap.Error(err))
		return crawler.CounterError
	}

	outcome, err := o.schemes.SaveScheme(ctx, rec)
	switch {
	case err != nil || outcome == crawler.SaveError:
		logger.Error("persist failed", zap.String("external_id", rec.ExternalID), zap.Error(err))
		return crawler.CounterFailed
	case outcome == crawler.SaveDuplicate:
		logger.Debug("duplicate skipped", zap.String("external_id", rec.ExternalID))
		return crawler.CounterDuplicate
	default:
		logger.Debug("saved", zap.String("external_id", rec.ExternalID))
		return crawler.CounterSuccess
	}
}

func decodeEnvelope(body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", crawler.ErrMalformedEnvelope, err)
	}
	if env.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: statusCode %d", crawler.ErrMalformedEnvelope, env.StatusCode)
	}
	if len(env.Data) == 0 || env.Data[0] != '{' {
		return nil, fmt.Errorf("%w: data is not an object", crawler.ErrMalformedEnvelope)
	}
	return env.Data, nil
}

func (o *Orchestrator) archiveRaw(ctx context.Context, jobID, slug string, body []byte, logger *zap.Logger) {
	if o.archive == nil {
		return
	}
	key := path.Join(o.cfg.ArchivePrefix, jobID, url.PathEscape(slug)+".json")
	uri, err := o.archive.PutObject(ctx, key, "application/json", body)
	if err != nil {
		logger.Warn("archive raw document failed", zap.String("path", key), zap.Error(err))
		return
	}
	logger.Debug("archived raw document", zap.String("uri", uri))
}

func (o *Orchestrator) itemURL(slug string) string {
	u, _ := url.Parse(o.cfg.APIBaseURL)
	q := u.Query()
	q.Set("slug", slug)
	q.Set("lang", o.cfg.Locale)
	u.RawQuery = q.Encode()
	return u.String()
}

func (o *Orchestrator) headers() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if o.cfg.APIKey != "" {
		h.Set("x-api-key", o.cfg.APIKey)
	}
	if o.cfg.Origin != "" {
		h.Set("Origin", o.cfg.Origin)
	}
	if o.cfg.Referer != "" {
		h.Set("Referer", o.cfg.Referer)
	}
	return h
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
