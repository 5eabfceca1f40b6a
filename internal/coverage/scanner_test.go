package coverage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/summary-archive/internal/models"
	"github.com/summary-archive/internal/storage"
	"github.com/summary-archive/internal/types"
)

// fakeReader serves coverage records from memory
type fakeReader struct {
	records map[string]*models.CoverageRecord
}

func newFakeReader() *fakeReader {
	return &fakeReader{records: make(map[string]*models.CoverageRecord)}
}

func (f *fakeReader) add(sourceKey string, day string, status types.CoverageStatus) {
	start, _ := time.Parse("2006-01-02", day)
	f.records[day] = &models.CoverageRecord{
		SourceKey:   sourceKey,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 0, 1),
		Status:      status,
	}
}

func (f *fakeReader) ListRange(_ context.Context, _ string, from, to time.Time) ([]*models.CoverageRecord, error) {
	var out []*models.CoverageRecord
	for _, rec := range f.records {
		if !rec.PeriodStart.Before(from) && !rec.PeriodStart.After(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeReader) Bounds(_ context.Context, _ string) (time.Time, time.Time, error) {
	var earliest, latest time.Time
	for _, rec := range f.records {
		if earliest.IsZero() || rec.PeriodStart.Before(earliest) {
			earliest = rec.PeriodStart
		}
		if rec.PeriodStart.After(latest) {
			latest = rec.PeriodStart
		}
	}
	if earliest.IsZero() {
		return time.Time{}, time.Time{}, storage.ErrNotFound
	}
	return earliest, latest, nil
}

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

var testSource = types.Source{Type: types.SourceDiscord, ServerID: "guild-1"}

func TestScan_CountsSumToTotal(t *testing.T) {
	reader := newFakeReader()
	key := testSource.Key()
	reader.add(key, "2025-03-01", types.CoverageComplete)
	reader.add(key, "2025-03-02", types.CoverageComplete)
	reader.add(key, "2025-03-03", types.CoverageFailed)
	reader.add(key, "2025-03-05", types.CoverageOutdated)
	// 2025-03-04 and 06..10 absent -> missing

	scanner := NewScanner(reader)
	rng := &types.DateRange{From: day("2025-03-01"), To: day("2025-03-10")}
	result, err := scanner.Scan(context.Background(), testSource, rng, types.GranularityDay)
	require.NoError(t, err)

	assert.Equal(t, 10, result.TotalDays)
	assert.Equal(t, 2, result.Complete)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Outdated)
	assert.Equal(t, 6, result.Missing)
	assert.Equal(t, result.TotalDays, result.Complete+result.Failed+result.Missing+result.Outdated)
}

func TestScan_MergesAdjacentSameStatusPeriods(t *testing.T) {
	reader := newFakeReader()
	key := testSource.Key()
	reader.add(key, "2025-03-01", types.CoverageComplete)
	reader.add(key, "2025-03-04", types.CoverageFailed)
	reader.add(key, "2025-03-05", types.CoverageFailed)
	reader.add(key, "2025-03-06", types.CoverageComplete)
	// 02,03 missing; 07 missing

	scanner := NewScanner(reader)
	rng := &types.DateRange{From: day("2025-03-01"), To: day("2025-03-07")}
	result, err := scanner.Scan(context.Background(), testSource, rng, types.GranularityDay)
	require.NoError(t, err)

	require.Len(t, result.Gaps, 3)

	assert.Equal(t, types.CoverageMissing, result.Gaps[0].Type)
	assert.Equal(t, day("2025-03-02"), result.Gaps[0].StartDate)
	assert.Equal(t, 2, result.Gaps[0].DayCount)

	assert.Equal(t, types.CoverageFailed, result.Gaps[1].Type)
	assert.Equal(t, day("2025-03-04"), result.Gaps[1].StartDate)
	assert.Equal(t, 2, result.Gaps[1].DayCount)

	assert.Equal(t, types.CoverageMissing, result.Gaps[2].Type)
	assert.Equal(t, 1, result.Gaps[2].DayCount)
}

func TestScan_StatusBoundaryStartsNewGap(t *testing.T) {
	reader := newFakeReader()
	key := testSource.Key()
	reader.add(key, "2025-03-01", types.CoverageFailed)
	reader.add(key, "2025-03-02", types.CoverageOutdated)

	scanner := NewScanner(reader)
	rng := &types.DateRange{From: day("2025-03-01"), To: day("2025-03-02")}
	result, err := scanner.Scan(context.Background(), testSource, rng, types.GranularityDay)
	require.NoError(t, err)

	require.Len(t, result.Gaps, 2)
	assert.Equal(t, types.CoverageFailed, result.Gaps[0].Type)
	assert.Equal(t, types.CoverageOutdated, result.Gaps[1].Type)
}

func TestScan_EmptySourceReturnsEmptyResult(t *testing.T) {
	scanner := NewScanner(newFakeReader())

	result, err := scanner.Scan(context.Background(), testSource, nil, types.GranularityDay)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TotalDays)
	assert.Empty(t, result.Gaps)
}

func TestScan_RejectsInvertedRange(t *testing.T) {
	scanner := NewScanner(newFakeReader())
	rng := &types.DateRange{From: day("2025-03-10"), To: day("2025-03-01")}

	_, err := scanner.Scan(context.Background(), testSource, rng, types.GranularityDay)
	assert.Error(t, err)
}

func TestClassify_UnknownStatusTreatedAsOutdated(t *testing.T) {
	rec := &models.CoverageRecord{Status: types.CoverageStatus("bogus")}
	assert.Equal(t, types.CoverageOutdated, Classify(rec))
	assert.Equal(t, types.CoverageMissing, Classify(nil))
}

func TestEligiblePeriods(t *testing.T) {
	key := testSource.Key()

	tests := []struct {
		name     string
		plan     models.GenerationPlan
		expected []string
	}{
		{
			name: "skip existing excludes complete",
			plan: models.GenerationPlan{
				Source:       testSource,
				DateRange:    types.DateRange{From: day("2025-03-01"), To: day("2025-03-04")},
				SkipExisting: true,
			},
			expected: []string{"2025-03-02", "2025-03-04"},
		},
		{
			name: "regenerate failed includes failed",
			plan: models.GenerationPlan{
				Source:           testSource,
				DateRange:        types.DateRange{From: day("2025-03-01"), To: day("2025-03-04")},
				SkipExisting:     true,
				RegenerateFailed: true,
			},
			expected: []string{"2025-03-02", "2025-03-03", "2025-03-04"},
		},
		{
			name: "no skip existing includes complete",
			plan: models.GenerationPlan{
				Source:    testSource,
				DateRange: types.DateRange{From: day("2025-03-01"), To: day("2025-03-04")},
			},
			expected: []string{"2025-03-01", "2025-03-02", "2025-03-04"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := newFakeReader()
			reader.add(key, "2025-03-01", types.CoverageComplete)
			// 2025-03-02 missing
			reader.add(key, "2025-03-03", types.CoverageFailed)
			// 2025-03-04 missing

			scanner := NewScanner(reader)
			periods, err := scanner.EligiblePeriods(context.Background(), &tt.plan)
			require.NoError(t, err)

			var got []string
			for _, p := range periods {
				got = append(got, p.Key())
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEligiblePeriods_ChronologicalOrder(t *testing.T) {
	reader := newFakeReader()
	scanner := NewScanner(reader)

	plan := &models.GenerationPlan{
		Source:    testSource,
		DateRange: types.DateRange{From: day("2025-01-01"), To: day("2025-01-31")},
	}

	periods, err := scanner.EligiblePeriods(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, periods, 31)

	for i := 1; i < len(periods); i++ {
		assert.True(t, periods[i].Start.After(periods[i-1].Start),
			"periods must be processed oldest first")
	}
}
