package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type startRequest struct {
	BatchSize *int `json:"batch_size"`
}

type startResponse struct {
	JobID     string `json:"job_id"`
	BatchSize int    `json:"batch_size"`
	Status    string `json:"status"`
}

type controlResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type conflictResponse struct {
	Error        string `json:"error"`
	CurrentJobID string `json:"current_job_id,omitempty"`
}

// jobView is a Job plus derived fields for the admin UI.
type jobView struct {
	crawler.Job
	ProgressPercentage float64 `json:"progress_percentage"`
}

type statusResponse struct {
	Status     crawler.GlobalStatus `json:"status"`
	CurrentJob *jobView             `json:"current_job"`
}

type pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type listResponse struct {
	Jobs       []jobView  `json:"jobs"`
	Pagination pagination `json:"pagination"`
}

func newJobView(job crawler.Job) jobView {
	pct := math.Round(job.ProgressPercentage()*100) / 100
	return jobView{Job: job, ProgressPercentage: pct}
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	batch := s.cfg.DefaultBatchSize
	if req.BatchSize != nil {
		batch = *req.BatchSize
	}
	if batch < crawler.MinBatchSize || batch > crawler.MaxBatchSize {
		writeError(w, http.StatusBadRequest, crawler.ErrInvalidBatchSize.Error())
		return
	}

	job, err := s.controller.Start(r.Context(), batch)
	if err != nil {
		s.writeControlError(w, "start", err)
		return
	}
	s.logger.Info("crawl started via api", zap.String("job_id", job.ID), zap.Int("batch_size", batch))
	writeJSON(w, http.StatusAccepted, startResponse{
		JobID:     job.ID,
		BatchSize: job.BatchSize,
		Status:    string(job.Status),
	})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	job, err := s.controller.Pause(r.Context())
	if err != nil {
		s.writeControlError(w, "pause", err)
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{JobID: job.ID, Status: string(job.Status)})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	job, err := s.controller.Resume(r.Context())
	if err != nil {
		s.writeControlError(w, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{JobID: job.ID, Status: string(job.Status)})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	job, err := s.controller.Stop(r.Context())
	if err != nil {
		s.writeControlError(w, "stop", err)
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{JobID: job.ID, Status: "stopping"})
}

func (s *Server) writeControlError(w http.ResponseWriter, op string, err error) {
	var running *crawler.AlreadyRunningError
	switch {
	case errors.As(err, &running):
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:        running.Error(),
			CurrentJobID: running.CurrentJobID,
		})
	case errors.Is(err, crawler.ErrInvalidBatchSize), errors.Is(err, crawler.ErrNoActiveJob):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("crawler control failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap, err := s.controller.Status(r.Context())
	if err != nil {
		s.logger.Error("load crawler status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	resp := statusResponse{Status: snap.Status}
	if snap.CurrentJob != nil {
		view := newJobView(*snap.CurrentJob)
		resp.CurrentJob = &view
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := positiveParam(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	limit, err := positiveParam(q.Get("limit"), defaultPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, maxPageLimit)

	var status *crawler.JobStatus
	if raw := q.Get("status"); raw != "" {
		st := crawler.JobStatus(raw)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
		status = &st
	}

	list, total, err := s.controller.ListJobs(r.Context(), page, limit, status)
	if err != nil {
		s.logger.Error("list crawl jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	views := make([]jobView, 0, len(list))
	for _, job := range list {
		views = append(views, newJobView(job))
	}
	writeJSON(w, http.StatusOK, listResponse{
		Jobs: views,
		Pagination: pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: (total + limit - 1) / limit,
		},
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	// Job ids are UUIDs; anything else cannot exist.
	if uuid.Validate(id) != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job, err := s.controller.Job(r.Context(), id)
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("load crawl job", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Last-Modified", job.LastUpdated.UTC().Format(http.TimeFormat))
	writeJSON(w, http.StatusOK, newJobView(job))
}

func positiveParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}
