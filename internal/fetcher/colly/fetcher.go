// Package collyfetcher implements a retrying crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
	"github.com/JakeFAU/scheme-crawler/internal/metrics"
)

// Fetch outcome labels.
const (
	outcomeSuccess   = "success"
	outcomeHTTPError = "http_error"
	outcomeTransport = "transport_error"
)

// Config controls retry and collector behavior.
type Config struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	// BackoffMax caps a single wait; zero leaves it uncapped.
	BackoffMax time.Duration
	UserAgents []string
	Proxies    []string
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	agents        []string
	transport     http.RoundTripper
	baseCollector *colly.Collector
	pick          func(n int) int
	sleep         func(ctx context.Context, d time.Duration) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTransport replaces the default proxy-rotating transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		if rt != nil {
			f.transport = rt
		}
	}
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase < 0 {
		cfg.BackoffBase = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	agents := cfg.UserAgents
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}

	f := &Fetcher{
		cfg:    cfg,
		logger: zap.NewNop(),
		agents: agents,
		pick:   rand.IntN,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.transport == nil {
		pool := &proxyPool{urls: ParseProxies(cfg.Proxies, f.logger), pick: f.pick}
		f.transport = newHTTPTransport(pool.Proxy)
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.WithTransport(f.transport)
	c.SetRequestTimeout(cfg.Timeout)
	f.baseCollector = c
	return f
}

// Fetch GETs request.URL, retrying failed attempts with exponential backoff.
// Once attempts are exhausted the last HTTP response is returned as data; a
// *crawler.FetchError is returned only when no response was ever received.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		last    crawler.FetchResponse
		lastErr error
	)
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s canceled: %w", request.URL, err)
		}

		start := time.Now()
		result, err := f.attempt(ctx, request)
		elapsed := time.Since(start)

		if err == nil && result.OK() {
			metrics.ObserveFetchAttempt(request.URL, outcomeSuccess, elapsed)
			result.Attempts = attempt
			result.Duration = elapsed
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s canceled: %w", request.URL, ctxErr)
		}

		outcome := outcomeTransport
		if result.StatusCode > 0 {
			outcome = outcomeHTTPError
		}
		metrics.ObserveFetchAttempt(request.URL, outcome, elapsed)
		if err == nil {
			err = fmt.Errorf("unexpected status %d", result.StatusCode)
		}
		last, lastErr = result, err

		f.logger.Warn("fetch attempt failed",
			zap.String("job_id", request.JobID),
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.cfg.MaxRetries),
			zap.Int("status", result.StatusCode),
			zap.Error(err),
		)

		if attempt == f.cfg.MaxRetries {
			break
		}
		if err := f.sleep(ctx, f.backoff(attempt)); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s canceled during backoff: %w", request.URL, err)
		}
	}

	if last.StatusCode > 0 {
		last.Attempts = f.cfg.MaxRetries
		return last, nil
	}
	return crawler.FetchResponse{}, &crawler.FetchError{
		URL:      request.URL,
		Attempts: f.cfg.MaxRetries,
		Err:      lastErr,
	}
}

// backoff returns base*2^attempt for a 1-based attempt, capped by BackoffMax.
func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := f.cfg.BackoffBase << attempt
	if delay < 0 || (f.cfg.BackoffMax > 0 && delay > f.cfg.BackoffMax) {
		delay = f.cfg.BackoffMax
	}
	return delay
}

func (f *Fetcher) attempt(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.UserAgent = f.agents[f.pick(len(f.agents))]
	f.configureCollectorHooks(collector, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(http.MethodGet, request.URL, nil, nil, request.Headers.Clone())
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return result, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if err != nil {
			return result, fmt.Errorf("colly visit failed: %w", err)
		}
		return result, nil
	}
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = toFetchResponse(r)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		*fetchErr = err
		if r != nil && r.StatusCode > 0 {
			*result = toFetchResponse(r)
		}
	})
}

func toFetchResponse(r *colly.Response) crawler.FetchResponse {
	out := crawler.FetchResponse{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
	}
	if r.Request != nil && r.Request.URL != nil {
		out.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		out.Headers = r.Headers.Clone()
	}
	return out
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

func newHTTPTransport(proxy func(*http.Request) (*url.URL, error)) *http.Transport {
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
