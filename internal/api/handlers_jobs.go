package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/summary-archive/internal/errors"
	"github.com/summary-archive/internal/models"
	"github.com/summary-archive/internal/types"
)

const defaultListLimit = 50

// generateRequest is the body for POST /api/archives/generate
type generateRequest struct {
	Plan     models.GenerationPlan `json:"plan"`
	Priority int                   `json:"priority,omitempty"`
}

// handleGenerateArchive handles POST /api/archives/generate. Accepts the
// plan, validates the source against the platform, and returns the queued
// job immediately; generation proceeds asynchronously.
func (s *Server) handleGenerateArchive(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if err := validateSourceInput(req.Plan.Source); err != nil {
		respondServiceError(w, err)
		return
	}

	if err := s.validator.ValidateSource(r.Context(), req.Plan.Source); err != nil {
		respondServiceError(w, err)
		return
	}

	job, err := s.engine.Submit(r.Context(), &req.Plan, req.Priority)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, job)
}

// handleListJobs handles GET /api/jobs?status=&limit=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status *types.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := types.JobStatus(raw)
		switch st {
		case types.JobStatusPending, types.JobStatusQueued, types.JobStatusRunning,
			types.JobStatusPaused, types.JobStatusCompleted, types.JobStatusFailed,
			types.JobStatusCancelled:
			status = &st
		default:
			respondServiceError(w, apperrors.NewValidationError("status",
				"unknown job status: "+raw))
			return
		}
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondServiceError(w, apperrors.NewValidationError("limit",
				"must be a positive integer"))
			return
		}
		limit = n
	}

	jobs, err := s.engine.ListJobs(r.Context(), status, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGetJob handles GET /api/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := s.engine.GetJob(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handlePauseJob handles POST /api/jobs/{id}/pause
func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := s.engine.Pause(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleResumeJob handles POST /api/jobs/{id}/resume
func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := s.engine.Resume(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleCancelJob handles POST /api/jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := s.engine.Cancel(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}
