// Package coverage implements gap analysis over the archive coverage index.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/summary-archive/internal/models"
	"github.com/summary-archive/internal/storage"
	"github.com/summary-archive/internal/types"
)

// Reader is the read-only view of the coverage index the scanner needs.
// The scanner never writes; all index writes go through the job engine.
type Reader interface {
	ListRange(ctx context.Context, sourceKey string, from, to time.Time) ([]*models.CoverageRecord, error)
	Bounds(ctx context.Context, sourceKey string) (earliest, latest time.Time, err error)
}

// ScanResult summarizes coverage completeness over a date range.
// complete + failed + missing + outdated == total_days always holds.
type ScanResult struct {
	SourceKey string          `json:"sourceKey"`
	DateRange types.DateRange `json:"dateRange"`
	TotalDays int             `json:"totalDays"`
	Complete  int             `json:"complete"`
	Failed    int             `json:"failed"`
	Missing   int             `json:"missing"`
	Outdated  int             `json:"outdated"`
	Gaps      []models.Gap    `json:"gaps"`
}

// Scanner computes completeness statistics and gap runs from the coverage
// index. Stateless and safe for concurrent use.
type Scanner struct {
	reader Reader
}

// NewScanner creates a new gap scanner
func NewScanner(reader Reader) *Scanner {
	return &Scanner{reader: reader}
}

// Scan enumerates every period of the range at the given granularity,
// classifies each against the coverage index, and merges adjacent
// same-status non-complete periods into gap runs in one linear pass.
// A nil range scans the source's full tracked history.
func (s *Scanner) Scan(ctx context.Context, source types.Source, rng *types.DateRange, g types.Granularity) (*ScanResult, error) {
	if g == "" {
		g = types.GranularityDay
	}

	sourceKey := source.Key()

	if rng == nil {
		earliest, latest, err := s.reader.Bounds(ctx, sourceKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Nothing tracked yet: empty result, not an error
				return &ScanResult{SourceKey: sourceKey}, nil
			}
			return nil, fmt.Errorf("failed to resolve scan range: %w", err)
		}
		rng = &types.DateRange{From: earliest, To: latest}
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	records, err := s.reader.ListRange(ctx, sourceKey, rng.From, rng.To)
	if err != nil {
		return nil, fmt.Errorf("failed to read coverage index: %w", err)
	}

	byPeriod := make(map[string]*models.CoverageRecord, len(records))
	for _, rec := range records {
		byPeriod[rec.PeriodStart.UTC().Format("2006-01-02")] = rec
	}

	periods := rng.Periods(g)
	result := &ScanResult{
		SourceKey: sourceKey,
		DateRange: *rng,
		TotalDays: len(periods),
	}

	statuses := make([]types.CoverageStatus, len(periods))
	for i, p := range periods {
		statuses[i] = Classify(byPeriod[p.Key()])
		switch statuses[i] {
		case types.CoverageComplete:
			result.Complete++
		case types.CoverageFailed:
			result.Failed++
		case types.CoverageOutdated:
			result.Outdated++
		default:
			result.Missing++
		}
	}

	result.Gaps = MergeGaps(periods, statuses)

	return result, nil
}

// Classify maps a coverage record (or its absence) to a status.
// An unrecognized status is treated as outdated, the most conservative
// classification, forcing a re-check rather than a silent skip.
func Classify(rec *models.CoverageRecord) types.CoverageStatus {
	if rec == nil {
		return types.CoverageMissing
	}
	switch rec.Status {
	case types.CoverageComplete, types.CoverageFailed, types.CoverageMissing, types.CoverageOutdated:
		return rec.Status
	default:
		return types.CoverageOutdated
	}
}

// MergeGaps folds adjacent periods sharing the same non-complete status into
// gap runs, chronologically ordered. O(n) in the number of periods.
func MergeGaps(periods []types.Period, statuses []types.CoverageStatus) []models.Gap {
	var gaps []models.Gap
	var open *models.Gap

	flush := func() {
		if open != nil {
			gaps = append(gaps, *open)
			open = nil
		}
	}

	for i, p := range periods {
		status := statuses[i]
		if status == types.CoverageComplete {
			flush()
			continue
		}

		if open != nil && open.Type == status {
			open.EndDate = p.End
			open.DayCount += dayCount(p)
			continue
		}

		flush()
		open = &models.Gap{
			StartDate: p.Start,
			EndDate:   p.End,
			DayCount:  dayCount(p),
			Type:      status,
		}
	}
	flush()

	return gaps
}

func dayCount(p types.Period) int {
	return int(p.End.Sub(p.Start).Hours() / 24)
}

// EligiblePeriods returns, in chronological order, the periods of a plan the
// engine should process: missing, or failed with regenerate_failed, or
// outdated with regenerate_outdated, and never complete when skip_existing.
func (s *Scanner) EligiblePeriods(ctx context.Context, plan *models.GenerationPlan) ([]types.Period, error) {
	if err := plan.DateRange.Validate(); err != nil {
		return nil, err
	}

	g := plan.Granularity
	if g == "" {
		g = types.GranularityDay
	}

	sourceKey := plan.Source.Key()
	records, err := s.reader.ListRange(ctx, sourceKey, plan.DateRange.From, plan.DateRange.To)
	if err != nil {
		return nil, fmt.Errorf("failed to read coverage index: %w", err)
	}

	byPeriod := make(map[string]*models.CoverageRecord, len(records))
	for _, rec := range records {
		byPeriod[rec.PeriodStart.UTC().Format("2006-01-02")] = rec
	}

	var eligible []types.Period
	for _, p := range plan.DateRange.Periods(g) {
		switch Classify(byPeriod[p.Key()]) {
		case types.CoverageMissing:
			eligible = append(eligible, p)
		case types.CoverageFailed:
			if plan.RegenerateFailed {
				eligible = append(eligible, p)
			}
		case types.CoverageOutdated:
			if plan.RegenerateOutdated {
				eligible = append(eligible, p)
			}
		case types.CoverageComplete:
			if !plan.SkipExisting {
				eligible = append(eligible, p)
			}
		}
	}

	return eligible, nil
}
