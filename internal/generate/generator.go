// Package generate defines the summary generation collaborator and its
// HTTP client implementation.
package generate

import (
	"context"

	"github.com/summary-archive/internal/types"
)

// Options tunes a single generation call
type Options struct {
	// Model selects the summarization model
	Model string
	// ChannelIDs narrows generation to specific channels within the source
	ChannelIDs []string
}

// Result is the outcome of one successful generation call
type Result struct {
	SummaryID string  `json:"summaryId"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUSD   float64 `json:"costUsd"`
}

// Generator produces a retrospective summary for one (source, period).
// The engine treats it as opaque: a call either returns a result or a
// per-period failure, and honors context cancellation for the per-period
// timeout.
type Generator interface {
	Generate(ctx context.Context, source types.Source, period types.Period, opts Options) (*Result, error)
}
