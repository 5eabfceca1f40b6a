package api

import (
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/summary-archive/internal/errors"
	"github.com/summary-archive/internal/types"
)

// handleListSources handles GET /api/sources. Sources register implicitly
// with their first coverage record; this lists everything tracked so far.
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.sources.ListSources(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sources": sources,
		"count":   len(sources),
	})
}

// markOutdatedRequest is the body for POST /api/sources/{sourceKey}/outdated
type markOutdatedRequest struct {
	DateRange types.DateRange `json:"dateRange"`
}

// handleMarkOutdated flags complete coverage in a range as outdated, for
// when upstream messages were edited or deleted after summarization. A
// follow-up backfill with regenerateOutdated picks the periods up again.
func (s *Server) handleMarkOutdated(w http.ResponseWriter, r *http.Request) {
	sourceKey := mux.Vars(r)["sourceKey"]

	var req markOutdatedRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if err := req.DateRange.Validate(); err != nil {
		respondServiceError(w, apperrors.NewValidationError("dateRange", err.Error()))
		return
	}

	updated, err := s.sources.MarkOutdated(r.Context(), sourceKey, req.DateRange.From, req.DateRange.To)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if updated > 0 && s.scanCache != nil {
		if cerr := s.scanCache.Invalidate(r.Context(), sourceKey); cerr != nil {
			s.logger.WithError(cerr).Warn("Scan cache invalidation failed")
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sourceKey": sourceKey,
		"updated":   updated,
	})
}

// handleListChannels handles GET /api/sources/{serverId}/channels
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["serverId"]

	channels, err := s.validator.ListChannels(r.Context(), serverID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"serverId": serverID,
		"channels": channels,
		"count":    len(channels),
	})
}
