package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stormlinehq/stormline/errors"
	"github.com/stormlinehq/stormline/queue"
)

const defaultListLimit = 50

// enqueueRequest is the POST /api/jobs body
type enqueueRequest struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	opts := queue.EnqueueOptions{
		Priority:    req.Priority,
		DedupeKey:   req.DedupeKey,
		MaxAttempts: req.MaxAttempts,
	}
	if req.ScheduledFor != nil {
		opts.ScheduledFor = *req.ScheduledFor
	}

	job, err := s.queue.Enqueue(req.Type, req.Payload, opts)
	if err != nil {
		s.logger.Errorw("Enqueue failed", "type", req.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	// A dedupe hit returns the existing job; the caller can tell from the
	// id whether anything new was created.
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.queue.GetJob(id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Errorw("Get job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.queue.Cancel(id); err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		// Not cancellable from its current state
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(queue.StateCancelled)})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	var state *queue.State
	if v := r.URL.Query().Get("state"); v != "" {
		if !queue.IsValidState(v) {
			writeError(w, http.StatusBadRequest, "invalid state filter: "+v)
			return
		}
		st := queue.State(v)
		state = &st
	}

	jobs, err := s.queue.ListJobs(state, limit)
	if err != nil {
		s.logger.Errorw("List jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleListRecurring(w http.ResponseWriter, r *http.Request) {
	recurring, err := s.recurring.List()
	if err != nil {
		s.logger.Errorw("List recurring jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list recurring jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"recurring": recurring, "count": len(recurring)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetStats()
	if err != nil {
		s.logger.Errorw("Stats query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := map[string]interface{}{"queue": stats}
	if s.pool != nil {
		resp["system"] = s.pool.GetSystemMetrics()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
