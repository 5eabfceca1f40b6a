package api

import (
	"net/http"
	"time"

	apperrors "github.com/summary-archive/internal/errors"
	"github.com/summary-archive/internal/storage"
)

// handleGetCostReport handles GET /api/reports/costs?from=&to=&groupBy=
// Dates are YYYY-MM-DD; the window defaults to the last 30 days.
func (s *Server) handleGetCostReport(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			respondServiceError(w, apperrors.NewValidationError("from",
				"must be a date in YYYY-MM-DD format"))
			return
		}
		from = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			respondServiceError(w, apperrors.NewValidationError("to",
				"must be a date in YYYY-MM-DD format"))
			return
		}
		// Inclusive end date
		to = t.AddDate(0, 0, 1)
	}
	if to.Before(from) {
		respondServiceError(w, apperrors.NewValidationError("to", "precedes from"))
		return
	}

	groupBy := r.URL.Query().Get("groupBy")
	if groupBy == "" {
		groupBy = "model"
	}

	var (
		breakdown []*storage.CostBreakdown
		err       error
	)
	switch groupBy {
	case "model":
		breakdown, err = s.reports.ReportByModel(r.Context(), from, to)
	case "source":
		breakdown, err = s.reports.ReportBySource(r.Context(), from, to)
	default:
		respondServiceError(w, apperrors.NewValidationError("groupBy",
			"must be one of: model, source"))
		return
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}

	total, err := s.reports.TotalSpend(r.Context(), from, to)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"from":      from.Format("2006-01-02"),
		"to":        to.Format("2006-01-02"),
		"groupBy":   groupBy,
		"totalUsd":  total,
		"breakdown": breakdown,
	})
}
