package crawler

import (
	"context"
	"encoding/json"
	"time"
)

// Discoverer produces the ordered list of slugs to crawl.
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Normalizer converts a raw source document into a SchemeRecord.
type Normalizer interface {
	Normalize(slug string, doc json.RawMessage) (SchemeRecord, error)
}

// SchemeStore persists normalized records with skip-on-duplicate semantics.
type SchemeStore interface {
	SaveScheme(ctx context.Context, rec SchemeRecord) (SaveOutcome, error)
}

// JobFinish describes the terminal write for a job.
type JobFinish struct {
	Status       JobStatus
	TotalFetched int
	Error        string
	At           time.Time
}

// JobStore persists crawl jobs and the singleton global status row.
type JobStore interface {
	// CreateJob claims the global status row and inserts job in one step.
	// It returns *AlreadyRunningError when another job holds the claim.
	CreateJob(ctx context.Context, job Job) error
	UpdateProgress(ctx context.Context, jobID string, batch, fetched int, at time.Time) error
	IncrementCounter(ctx context.Context, jobID string, counter Counter, at time.Time) error
	SetEstimate(ctx context.Context, jobID string, total int, at time.Time) error
	SetStatus(ctx context.Context, jobID string, status JobStatus, at time.Time) error
	// FinishJob writes the terminal job state and releases the global row.
	FinishJob(ctx context.Context, jobID string, finish JobFinish) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, int, error)
	GetStatus(ctx context.Context) (GlobalStatus, error)
	// RecoverStale fails every non-terminal job and releases the global row.
	RecoverStale(ctx context.Context, reason string, at time.Time) (int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
