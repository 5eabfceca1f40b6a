package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/summary-archive/internal/models"
	"github.com/summary-archive/internal/storage"
)

// syncConfigRequest is the body for PUT /api/sync/{sourceKey}
type syncConfigRequest struct {
	Enabled          bool    `json:"enabled"`
	FolderReference  *string `json:"folderReference,omitempty"`
	SyncOnGeneration bool    `json:"syncOnGeneration"`
	SyncFrequency    *string `json:"syncFrequency,omitempty"`
}

// handleGetSyncStatus handles GET /api/sync/{sourceKey}
func (s *Server) handleGetSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		respondError(w, http.StatusServiceUnavailable, "SYNC_DISABLED",
			"External sync is not configured on this deployment", nil)
		return
	}
	sourceKey := mux.Vars(r)["sourceKey"]

	cfg, run, err := s.sync.Status(r.Context(), sourceKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND",
				"Sync is not configured for this source", nil)
			return
		}
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"config":  cfg,
		"lastRun": run,
	})
}

// handlePutSyncConfig handles PUT /api/sync/{sourceKey}
func (s *Server) handlePutSyncConfig(w http.ResponseWriter, r *http.Request) {
	sourceKey := mux.Vars(r)["sourceKey"]

	var req syncConfigRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	cfg := &models.SyncConfig{
		SourceKey:        sourceKey,
		Enabled:          req.Enabled,
		FolderReference:  req.FolderReference,
		SyncOnGeneration: req.SyncOnGeneration,
		SyncFrequency:    req.SyncFrequency,
		UpdatedAt:        time.Now().UTC(),
	}

	if err := s.syncStore.UpsertConfig(r.Context(), cfg); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, cfg)
}

// handleTriggerSync handles POST /api/sync/{sourceKey}/trigger. The run
// outcome is reported in the body; a run that uploaded nothing is still a
// 200 with status "failed" or "skipped".
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		respondError(w, http.StatusServiceUnavailable, "SYNC_DISABLED",
			"External sync is not configured on this deployment", nil)
		return
	}
	sourceKey := mux.Vars(r)["sourceKey"]

	run, err := s.sync.TriggerSync(r.Context(), sourceKey)
	if run == nil && err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, run)
}
