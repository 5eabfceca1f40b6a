package coverage

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/summary-archive/internal/types"
)

// Property-based tests for the gap-merge pass.

var statusValues = []types.CoverageStatus{
	types.CoverageComplete,
	types.CoverageFailed,
	types.CoverageMissing,
	types.CoverageOutdated,
}

func genStatuses() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, len(statusValues)-1)).Map(func(idxs []int) []types.CoverageStatus {
		out := make([]types.CoverageStatus, len(idxs))
		for i, idx := range idxs {
			out[i] = statusValues[idx]
		}
		return out
	})
}

func periodsFor(n int) []types.Period {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.Period, n)
	for i := range out {
		start := base.AddDate(0, 0, i)
		out[i] = types.Period{Start: start, End: start.AddDate(0, 0, 1)}
	}
	return out
}

func TestMergeGapsProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("gap day counts equal non-complete periods", prop.ForAll(
		func(statuses []types.CoverageStatus) bool {
			periods := periodsFor(len(statuses))
			gaps := MergeGaps(periods, statuses)

			nonComplete := 0
			for _, s := range statuses {
				if s != types.CoverageComplete {
					nonComplete++
				}
			}

			total := 0
			for _, g := range gaps {
				total += g.DayCount
			}
			return total == nonComplete
		},
		genStatuses(),
	))

	properties.Property("gaps are chronological and non-overlapping", prop.ForAll(
		func(statuses []types.CoverageStatus) bool {
			periods := periodsFor(len(statuses))
			gaps := MergeGaps(periods, statuses)

			for i := 1; i < len(gaps); i++ {
				if gaps[i].StartDate.Before(gaps[i-1].EndDate) {
					return false
				}
			}
			return true
		},
		genStatuses(),
	))

	properties.Property("adjacent gaps never share a status", prop.ForAll(
		func(statuses []types.CoverageStatus) bool {
			periods := periodsFor(len(statuses))
			gaps := MergeGaps(periods, statuses)

			for i := 1; i < len(gaps); i++ {
				// Same-status neighbors must be separated by a complete run
				if gaps[i].Type == gaps[i-1].Type && gaps[i].StartDate.Equal(gaps[i-1].EndDate) {
					return false
				}
			}
			return true
		},
		genStatuses(),
	))

	properties.Property("no gap contains a complete period", prop.ForAll(
		func(statuses []types.CoverageStatus) bool {
			periods := periodsFor(len(statuses))
			gaps := MergeGaps(periods, statuses)

			for _, g := range gaps {
				for i, p := range periods {
					inside := !p.Start.Before(g.StartDate) && p.Start.Before(g.EndDate)
					if inside && statuses[i] == types.CoverageComplete {
						return false
					}
				}
			}
			return true
		},
		genStatuses(),
	))

	properties.TestingRun(t)
}
