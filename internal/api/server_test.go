package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
	"github.com/JakeFAU/scheme-crawler/internal/jobs"
)

const testJobID = "6f1c2a4e-8d2b-4c11-9a53-0d0a3e6f9b21"

func TestServer_Start_Accepted(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	server := newTestServer(ctrl, Config{DefaultBatchSize: 50})

	rec := do(t, server, http.MethodPost, "/api/admin/crawler/start", `{"batch_size":25}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, testJobID, resp.JobID)
	require.Equal(t, 25, resp.BatchSize)
	require.Equal(t, "running", resp.Status)
	require.Equal(t, []int{25}, ctrl.startedBatches())
}

func TestServer_Start_DefaultBatchWithEmptyBody(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	server := newTestServer(ctrl, Config{DefaultBatchSize: 40})

	rec := do(t, server, http.MethodPost, "/api/admin/crawler/start", "")

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []int{40}, ctrl.startedBatches())
}

func TestServer_Start_RejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"invalid json": `{"batch_size":`,
		"too small":    `{"batch_size":9}`,
		"too large":    `{"batch_size":101}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctrl := &fakeController{}
			server := newTestServer(ctrl, Config{})

			rec := do(t, server, http.MethodPost, "/api/admin/crawler/start", body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Empty(t, ctrl.startedBatches())
		})
	}
}

func TestServer_Start_ConflictIncludesCurrentJob(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{startErr: &crawler.AlreadyRunningError{CurrentJobID: "job-running"}}
	server := newTestServer(ctrl, Config{})

	rec := do(t, server, http.MethodPost, "/api/admin/crawler/start", `{"batch_size":50}`)

	require.Equal(t, http.StatusConflict, rec.Code)
	var resp conflictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-running", resp.CurrentJobID)
	require.NotEmpty(t, resp.Error)
}

func TestServer_ControlErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		path string
		err  error
		want int
	}{
		{name: "pause idle", path: "/api/admin/crawler/pause", err: crawler.ErrNoActiveJob, want: http.StatusBadRequest},
		{name: "resume idle", path: "/api/admin/crawler/resume", err: crawler.ErrNoActiveJob, want: http.StatusBadRequest},
		{name: "stop idle", path: "/api/admin/crawler/stop", err: crawler.ErrNoActiveJob, want: http.StatusBadRequest},
		{name: "pause stopping", path: "/api/admin/crawler/pause", err: crawler.ErrInvalidTransition, want: http.StatusConflict},
		{name: "store down", path: "/api/admin/crawler/resume", err: errors.New("db down"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(&fakeController{controlErr: tc.err}, Config{})

			rec := do(t, server, http.MethodPost, tc.path, "")

			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestServer_PauseResumeStop(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{}, Config{})

	rec := do(t, server, http.MethodPost, "/api/admin/crawler/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"paused"`)

	rec = do(t, server, http.MethodPost, "/api/admin/crawler/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"running"`)

	rec = do(t, server, http.MethodPost, "/api/admin/crawler/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"stopping"`)
}

func TestServer_Status_IncludesProgress(t *testing.T) {
	t.Parallel()

	job := sampleJob()
	job.CurrentBatch = 1
	job.EstimatedTotal = 3
	id := job.ID
	ctrl := &fakeController{snapshot: jobs.Snapshot{
		Status:     crawler.GlobalStatus{IsRunning: true, CurrentJobID: &id, TotalRuns: 4},
		CurrentJob: &job,
	}}
	server := newTestServer(ctrl, Config{})

	rec := do(t, server, http.MethodGet, "/api/admin/crawler/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status struct {
			IsRunning bool `json:"is_running"`
			TotalRuns int  `json:"total_runs"`
		} `json:"status"`
		CurrentJob *struct {
			ID                 string  `json:"id"`
			ProgressPercentage float64 `json:"progress_percentage"`
		} `json:"current_job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Status.IsRunning)
	require.Equal(t, 4, resp.Status.TotalRuns)
	require.NotNil(t, resp.CurrentJob)
	require.Equal(t, testJobID, resp.CurrentJob.ID)
	require.InDelta(t, 33.33, resp.CurrentJob.ProgressPercentage, 0.001)
}

func TestServer_Status_IdleHasNullJob(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{}, Config{})

	rec := do(t, server, http.MethodGet, "/api/admin/crawler/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"current_job":null`)
}

func TestServer_ListJobs_Paginates(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{list: []crawler.Job{sampleJob()}, total: 41}
	server := newTestServer(ctrl, Config{})

	rec := do(t, server, http.MethodGet, "/api/admin/crawler/jobs?page=3&limit=20&status=completed", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	require.Equal(t, pagination{Page: 3, Limit: 20, Total: 41, TotalPages: 3}, resp.Pagination)
	require.Equal(t, 3, ctrl.lastPage)
	require.Equal(t, 20, ctrl.lastLimit)
	require.NotNil(t, ctrl.lastStatus)
	require.Equal(t, crawler.JobStatusCompleted, *ctrl.lastStatus)
}

func TestServer_ListJobs_DefaultsAndCaps(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	server := newTestServer(ctrl, Config{})

	rec := do(t, server, http.MethodGet, "/api/admin/crawler/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"jobs":[]`)
	require.Equal(t, 1, ctrl.lastPage)
	require.Equal(t, defaultPageLimit, ctrl.lastLimit)
	require.Nil(t, ctrl.lastStatus)

	rec = do(t, server, http.MethodGet, "/api/admin/crawler/jobs?limit=500", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxPageLimit, ctrl.lastLimit)
}

func TestServer_ListJobs_RejectsBadQuery(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{}, Config{})
	for _, query := range []string{"?page=0", "?limit=abc", "?status=exploded"} {
		rec := do(t, server, http.MethodGet, "/api/admin/crawler/jobs"+query, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestServer_GetJob(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{job: sampleJob()}
	server := newTestServer(ctrl, Config{})

	rec := do(t, server, http.MethodGet, "/api/admin/crawler/jobs/"+testJobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), testJobID)
	require.NotEmpty(t, rec.Header().Get("Last-Modified"))

	rec = do(t, server, http.MethodGet, "/api/admin/crawler/jobs/not-a-uuid", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetJob_Missing(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{jobErr: crawler.ErrNotFound}
	server := newTestServer(ctrl, Config{})

	rec := do(t, server, http.MethodGet, "/api/admin/crawler/jobs/"+testJobID, "")

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{}, Config{AdminAPIKey: "secret"})

	rec := do(t, server, http.MethodGet, "/api/admin/crawler/status", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/crawler/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ControlRateLimit(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{}, Config{ControlRatePerMinute: 1})

	rec := do(t, server, http.MethodPost, "/api/admin/crawler/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, server, http.MethodPost, "/api/admin/crawler/pause", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Reads are not throttled.
	rec = do(t, server, http.MethodGet, "/api/admin/crawler/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ok := NewServer(&fakeController{}, fakePinger{}, Config{}, zap.NewNop())
	rec := do(t, ok, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(&fakeController{}, fakePinger{err: errors.New("refused")}, Config{}, zap.NewNop())
	rec = do(t, down, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{}, Config{})
	_ = do(t, server, http.MethodGet, "/healthz", "")

	rec := do(t, server, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{}, Config{})

	rec := do(t, server, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{panicOnStatus: true}, Config{})

	rec := do(t, server, http.MethodGet, "/api/admin/crawler/status", "")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func do(t *testing.T, server *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func newTestServer(ctrl *fakeController, cfg Config) *Server {
	return NewServer(ctrl, nil, cfg, zap.NewNop())
}

func sampleJob() crawler.Job {
	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return crawler.Job{
		ID:          testJobID,
		JobType:     crawler.JobTypeSchemes,
		Status:      crawler.JobStatusRunning,
		BatchSize:   50,
		StartedAt:   started,
		LastUpdated: started.Add(time.Minute),
	}
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeController struct {
	mu            sync.Mutex
	batches       []int
	startErr      error
	controlErr    error
	snapshot      jobs.Snapshot
	panicOnStatus bool
	list          []crawler.Job
	total         int
	lastPage      int
	lastLimit     int
	lastStatus    *crawler.JobStatus
	job           crawler.Job
	jobErr        error
}

func (f *fakeController) Start(_ context.Context, batchSize int) (crawler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return crawler.Job{}, f.startErr
	}
	f.batches = append(f.batches, batchSize)
	job := sampleJob()
	job.BatchSize = batchSize
	return job, nil
}

func (f *fakeController) startedBatches() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batches...)
}

func (f *fakeController) control(status crawler.JobStatus) (crawler.Job, error) {
	if f.controlErr != nil {
		return crawler.Job{}, f.controlErr
	}
	job := sampleJob()
	job.Status = status
	return job, nil
}

func (f *fakeController) Pause(context.Context) (crawler.Job, error) {
	return f.control(crawler.JobStatusPaused)
}

func (f *fakeController) Resume(context.Context) (crawler.Job, error) {
	return f.control(crawler.JobStatusRunning)
}

func (f *fakeController) Stop(context.Context) (crawler.Job, error) {
	return f.control(crawler.JobStatusRunning)
}

func (f *fakeController) Status(context.Context) (jobs.Snapshot, error) {
	if f.panicOnStatus {
		panic("status exploded")
	}
	return f.snapshot, nil
}

func (f *fakeController) ListJobs(_ context.Context, page, limit int, status *crawler.JobStatus) ([]crawler.Job, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPage, f.lastLimit, f.lastStatus = page, limit, status
	return f.list, f.total, nil
}

func (f *fakeController) Job(_ context.Context, id string) (crawler.Job, error) {
	if f.jobErr != nil {
		return crawler.Job{}, f.jobErr
	}
	if id != f.job.ID {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return f.job, nil
}
