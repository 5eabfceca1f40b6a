package api

import (
	"net/http"

	"github.com/summary-archive/internal/coverage"
	apperrors "github.com/summary-archive/internal/errors"
	"github.com/summary-archive/internal/models"
	"github.com/summary-archive/internal/types"
)

// scanRequest is the body for POST /api/scan. A nil dateRange scans the
// source's full tracked history.
type scanRequest struct {
	Source      types.Source      `json:"source"`
	DateRange   *types.DateRange  `json:"dateRange,omitempty"`
	Granularity types.Granularity `json:"granularity,omitempty"`
}

func validateSourceInput(source types.Source) error {
	if source.Type != types.SourceDiscord && source.Type != types.SourceSlack {
		return apperrors.NewValidationError("source.type",
			"must be one of: discord, slack")
	}
	if source.ServerID == "" {
		return apperrors.NewValidationError("source.serverId", "is required")
	}
	return nil
}

func validateGranularity(g types.Granularity) error {
	switch g {
	case "", types.GranularityDay, types.GranularityWeek, types.GranularityMonth:
		return nil
	default:
		return apperrors.NewValidationError("granularity",
			"must be one of: day, week, month")
	}
}

// handleScanSource handles POST /api/scan
func (s *Server) handleScanSource(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if err := validateSourceInput(req.Source); err != nil {
		respondServiceError(w, err)
		return
	}
	if err := validateGranularity(req.Granularity); err != nil {
		respondServiceError(w, err)
		return
	}
	if req.DateRange != nil {
		if err := req.DateRange.Validate(); err != nil {
			respondServiceError(w, apperrors.NewValidationError("dateRange", err.Error()))
			return
		}
	}

	if err := s.validator.ValidateSource(r.Context(), req.Source); err != nil {
		respondServiceError(w, err)
		return
	}

	cacheGran := string(req.Granularity)
	if cacheGran == "" {
		cacheGran = "default"
	}
	cacheFrom, cacheTo := "all", "all"
	if req.DateRange != nil {
		cacheFrom = req.DateRange.From.UTC().Format("2006-01-02")
		cacheTo = req.DateRange.To.UTC().Format("2006-01-02")
	}

	if s.scanCache != nil {
		var cached coverage.ScanResult
		hit, err := s.scanCache.Get(r.Context(), req.Source.Key(), cacheGran, cacheFrom, cacheTo, &cached)
		if err != nil {
			s.logger.WithError(err).Warn("Scan cache read failed")
		} else if hit {
			respondJSON(w, http.StatusOK, &cached)
			return
		}
	}

	result, err := s.scanner.Scan(r.Context(), req.Source, req.DateRange, req.Granularity)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if s.scanCache != nil {
		if err := s.scanCache.Set(r.Context(), req.Source.Key(), cacheGran, cacheFrom, cacheTo, result); err != nil {
			s.logger.WithError(err).Warn("Scan cache write failed")
		}
	}

	respondJSON(w, http.StatusOK, result)
}

// handleEstimateCost handles POST /api/estimate. The body is a full
// generation plan; nothing is persisted.
func (s *Server) handleEstimateCost(w http.ResponseWriter, r *http.Request) {
	var plan models.GenerationPlan
	if err := parseJSONBody(r, &plan); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if err := validateSourceInput(plan.Source); err != nil {
		respondServiceError(w, err)
		return
	}
	if err := validateGranularity(plan.Granularity); err != nil {
		respondServiceError(w, err)
		return
	}
	if err := plan.DateRange.Validate(); err != nil {
		respondServiceError(w, apperrors.NewValidationError("dateRange", err.Error()))
		return
	}

	estimate, err := s.estimator.Estimate(r.Context(), &plan)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, estimate)
}
