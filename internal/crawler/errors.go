package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrFetch marks a fetch that failed without any HTTP response.
	ErrFetch = errors.New("fetch failed")
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoActiveJob is returned by control operations when nothing is running.
	ErrNoActiveJob = errors.New("no active crawl job")
	// ErrInvalidBatchSize rejects batch sizes outside [MinBatchSize, MaxBatchSize].
	ErrInvalidBatchSize = fmt.Errorf("batch size must be between %d and %d", MinBatchSize, MaxBatchSize)
	// ErrInvalidTransition rejects a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrMalformedEnvelope marks a 200 response whose body is not a success envelope.
	ErrMalformedEnvelope = errors.New("malformed response envelope")
)

// Batch size bounds accepted by Start.
const (
	MinBatchSize = 10
	MaxBatchSize = 100
)

// FetchError reports a URL that could not be fetched after all attempts.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

// Unwrap exposes both ErrFetch and the last transport error.
func (e *FetchError) Unwrap() []error {
	return []error{ErrFetch, e.Err}
}

// AlreadyRunningError is returned when the single-flight claim is held.
type AlreadyRunningError struct {
	CurrentJobID string
}

func (e *AlreadyRunningError) Error() string {
	if e.CurrentJobID == "" {
		return "crawler is already running"
	}
	return fmt.Sprintf("crawler is already running job %s", e.CurrentJobID)
}
