// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in crawler_jobs.status.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusStopped   JobStatus = "stopped"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusStopped, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusRunning, JobStatusPaused, JobStatusStopped, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// JobTypeSchemes is the only job type produced by this service.
const JobTypeSchemes = "schemes"

// Job is one row of crawler_jobs.
type Job struct {
	ID             string     `json:"id"`
	JobType        string     `json:"job_type"`
	Status         JobStatus  `json:"status"`
	BatchSize      int        `json:"batch_size"`
	CurrentBatch   int        `json:"current_batch"`
	TotalFetched   int        `json:"total_fetched"`
	SuccessCount   int        `json:"success_count"`
	FailedCount    int        `json:"failed_count"`
	DuplicateCount int        `json:"duplicate_count"`
	ErrorCount     int        `json:"error_count"`
	EstimatedTotal int        `json:"estimated_total"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastUpdated    time.Time  `json:"last_updated"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
}

// ProgressPercentage is CurrentBatch relative to EstimatedTotal, 0 when unknown.
func (j Job) ProgressPercentage() float64 {
	if j.EstimatedTotal <= 0 {
		return 0
	}
	pct := float64(j.CurrentBatch) / float64(j.EstimatedTotal) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// GlobalStatus is the singleton crawler_status row.
type GlobalStatus struct {
	IsRunning     bool       `json:"is_running"`
	CurrentJobID  *string    `json:"current_job_id,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	TotalRuns     int        `json:"total_runs"`
	TotalSuccess  int        `json:"total_success"`
	TotalFailures int        `json:"total_failures"`
}

// Counter names one of the per-job outcome counters.
type Counter string

// Per-item outcome counters on crawler_jobs.
const (
	CounterSuccess   Counter = "success_count"
	CounterDuplicate Counter = "duplicate_count"
	CounterFailed    Counter = "failed_count"
	CounterError     Counter = "error_count"
)

// JobFilter narrows ListJobs results.
type JobFilter struct {
	JobType string
	Status  *JobStatus
	Limit   int
	Offset  int
}

// RecordStatus is the moderation state of an ingested record.
type RecordStatus string

// Moderation states. Ingestion only ever writes RecordPending.
const (
	RecordPending  RecordStatus = "pending"
	RecordApproved RecordStatus = "approved"
	RecordRejected RecordStatus = "rejected"
)

// NationwideSentinel marks a record as applicable in every state.
const NationwideSentinel = "All India"

// SchemeRecord is the flat storage shape of one scheme.
type SchemeRecord struct {
	ExternalID          string                     `json:"external_id"`
	Slug                string                     `json:"slug"`
	Title               string                     `json:"title"`
	ShortTitle          string                     `json:"short_title"`
	Description         string                     `json:"description"`
	DetailedDescription json.RawMessage            `json:"detailed_description"`
	Ministry            string                     `json:"ministry"`
	Department          string                     `json:"department"`
	Category            string                     `json:"category"`
	SubCategory         []string                   `json:"sub_category"`
	Level               string                     `json:"level"`
	SchemeType          string                     `json:"scheme_type"`
	Tags                []string                   `json:"tags"`
	TargetBeneficiaries []string                   `json:"target_beneficiaries"`
	OpenDate            string                     `json:"open_date"`
	CloseDate           string                     `json:"close_date"`
	ApplicationURL      string                     `json:"application_url"`
	ContactInfo         json.RawMessage            `json:"contact_info"`
	References          json.RawMessage            `json:"references"`
	ApplicableStates    []string                   `json:"applicable_states"`
	Benefits            json.RawMessage            `json:"benefits"`
	Eligibility         json.RawMessage            `json:"eligibility"`
	ApplicationProcess  json.RawMessage            `json:"application_process"`
	DocumentsRequired   json.RawMessage            `json:"documents_required"`
	FAQs                json.RawMessage            `json:"faqs"`
	Lang                string                     `json:"lang"`
	Translations        map[string]json.RawMessage `json:"translations"`
	RawData             json.RawMessage            `json:"raw_data"`
	Status              RecordStatus               `json:"status"`
}

// SaveOutcome classifies a persistence attempt.
type SaveOutcome string

// Persistence outcomes.
const (
	SaveSuccess   SaveOutcome = "success"
	SaveDuplicate SaveOutcome = "duplicate"
	SaveError     SaveOutcome = "error"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation. A
// non-2xx StatusCode is returned as data once retries are exhausted.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// OK reports whether the response carried a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// JobEvent is published on job lifecycle transitions.
type JobEvent struct {
	JobID          string    `json:"job_id"`
	JobType        string    `json:"job_type"`
	Status         JobStatus `json:"status"`
	TotalFetched   int       `json:"total_fetched"`
	SuccessCount   int       `json:"success_count"`
	DuplicateCount int       `json:"duplicate_count"`
	FailedCount    int       `json:"failed_count"`
	ErrorCount     int       `json:"error_count"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}
