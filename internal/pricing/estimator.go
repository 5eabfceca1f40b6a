package pricing

import (
	"context"
	"fmt"

	"github.com/summary-archive/internal/coverage"
	"github.com/summary-archive/internal/models"
)

// Estimate projects the cost of executing a generation plan.
// Pure with respect to state: only read-only coverage lookups, no mutation,
// so callers can iterate on a plan safely before committing.
type Estimate struct {
	Periods           int      `json:"periods"`
	EstimatedTokens   int64    `json:"estimatedTokens"`
	EstimatedCostUSD  float64  `json:"estimatedCostUsd"`
	Model             string   `json:"model"`
	ModelKnown        bool     `json:"modelKnown"`
	CeilingUSD        *float64 `json:"ceilingUsd,omitempty"`
	PeriodsWithinCeil int      `json:"periodsWithinCeiling"`
}

// Estimator computes dry-run cost projections for generation plans
type Estimator struct {
	scanner  *coverage.Scanner
	registry *PriceRegistry
}

// NewEstimator creates a new cost estimator
func NewEstimator(scanner *coverage.Scanner, registry *PriceRegistry) *Estimator {
	return &Estimator{scanner: scanner, registry: registry}
}

// Estimate projects token and dollar cost for the plan's eligible periods.
// When skip_existing is set, periods already complete never appear in the
// estimate.
func (e *Estimator) Estimate(ctx context.Context, plan *models.GenerationPlan) (*Estimate, error) {
	periods, err := e.scanner.EligiblePeriods(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate plan periods: %w", err)
	}

	price, known := e.registry.Price(plan.Model)
	perPeriodCost := Cost(price, e.registry.tokensInEst, e.registry.tokensOutEst)

	est := &Estimate{
		Periods:          len(periods),
		EstimatedTokens:  int64(len(periods)) * e.registry.PeriodTokens(),
		EstimatedCostUSD: float64(len(periods)) * perPeriodCost,
		Model:            plan.Model,
		ModelKnown:       known,
	}

	// How much of the plan fits under the ceiling, if one is set
	if plan.MaxCostUSD != nil {
		ceiling := *plan.MaxCostUSD
		est.CeilingUSD = &ceiling
		if perPeriodCost > 0 {
			within := int(ceiling / perPeriodCost)
			if within > len(periods) {
				within = len(periods)
			}
			est.PeriodsWithinCeil = within
		} else {
			est.PeriodsWithinCeil = len(periods)
		}
	} else {
		est.PeriodsWithinCeil = len(periods)
	}

	return est, nil
}
