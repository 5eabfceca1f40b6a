// Package pricing provides model price lookup, dry-run cost estimation, and
// the committed-spend ledger for archive generation.
package pricing

import (
	"sync"
)

// Default per-period token assumptions for a day of channel activity.
// Calibrated against observed summarizer usage; overridable per deployment.
const (
	DefaultTokensInPerPeriod  = 12000
	DefaultTokensOutPerPeriod = 800
)

// ModelPrice holds USD prices per million tokens for one model
type ModelPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Known model prices (USD per million tokens)
var defaultPrices = map[string]ModelPrice{
	"gpt-4o":           {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":      {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"claude-sonnet":    {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-haiku":     {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"gemini-2.0-flash": {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	"llama-3.3-70b":    {InputPerMTok: 0.59, OutputPerMTok: 0.79},
}

// PriceRegistry maps model names to their token prices.
// It is safe for concurrent use.
type PriceRegistry struct {
	mu           sync.RWMutex
	prices       map[string]ModelPrice
	fallback     ModelPrice
	tokensInEst  int64
	tokensOutEst int64
}

// PriceRegistryConfig holds configuration for the registry
type PriceRegistryConfig struct {
	// Overrides allows custom prices for specific models; these replace
	// the built-in defaults.
	Overrides map[string]ModelPrice

	// Fallback is the price used for unknown models. If zero, the most
	// expensive built-in price is used so estimates err high.
	Fallback ModelPrice

	// TokensInPerPeriod / TokensOutPerPeriod override the per-period token
	// assumptions used for estimation.
	TokensInPerPeriod  int64
	TokensOutPerPeriod int64
}

// NewPriceRegistry creates a registry seeded with the built-in price table
func NewPriceRegistry(cfg *PriceRegistryConfig) *PriceRegistry {
	prices := make(map[string]ModelPrice, len(defaultPrices))
	for model, price := range defaultPrices {
		prices[model] = price
	}

	fallback := mostExpensive(prices)
	tokensIn := int64(DefaultTokensInPerPeriod)
	tokensOut := int64(DefaultTokensOutPerPeriod)

	if cfg != nil {
		for model, price := range cfg.Overrides {
			prices[model] = price
		}
		if cfg.Fallback.InputPerMTok > 0 || cfg.Fallback.OutputPerMTok > 0 {
			fallback = cfg.Fallback
		}
		if cfg.TokensInPerPeriod > 0 {
			tokensIn = cfg.TokensInPerPeriod
		}
		if cfg.TokensOutPerPeriod > 0 {
			tokensOut = cfg.TokensOutPerPeriod
		}
	}

	return &PriceRegistry{
		prices:       prices,
		fallback:     fallback,
		tokensInEst:  tokensIn,
		tokensOutEst: tokensOut,
	}
}

func mostExpensive(prices map[string]ModelPrice) ModelPrice {
	var max ModelPrice
	for _, p := range prices {
		if p.InputPerMTok+p.OutputPerMTok > max.InputPerMTok+max.OutputPerMTok {
			max = p
		}
	}
	return max
}

// Price returns the price for a model, and whether it was known.
// Unknown models get the fallback price.
func (r *PriceRegistry) Price(model string) (ModelPrice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	price, ok := r.prices[model]
	if !ok {
		return r.fallback, false
	}
	return price, true
}

// SetPrice registers or updates a model price
func (r *PriceRegistry) SetPrice(model string, price ModelPrice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[model] = price
}

// PeriodCost returns the projected cost of generating one period with the
// given model, using the registry's per-period token assumptions.
func (r *PriceRegistry) PeriodCost(model string) float64 {
	price, _ := r.Price(model)
	return Cost(price, r.tokensInEst, r.tokensOutEst)
}

// PeriodTokens returns the assumed tokens consumed per period (in + out)
func (r *PriceRegistry) PeriodTokens() int64 {
	return r.tokensInEst + r.tokensOutEst
}

// Cost computes USD cost for a token count at a price point
func Cost(price ModelPrice, tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)/1e6*price.InputPerMTok + float64(tokensOut)/1e6*price.OutputPerMTok
}
