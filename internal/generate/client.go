package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/summary-archive/internal/circuitbreaker"
	apperrors "github.com/summary-archive/internal/errors"
	"github.com/summary-archive/internal/logging"
	"github.com/summary-archive/internal/retry"
	"github.com/summary-archive/internal/types"
)

// SummarizerClient calls the summarization service over HTTP. One period
// per call; the caller owns the per-period deadline via ctx.
type SummarizerClient struct {
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client
	limiter      *rate.Limiter
	breaker      *circuitbreaker.CircuitBreaker
	retryConfig  *retry.Config
	logger       *logging.Logger
}

// ClientConfig configures the summarizer client
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	DefaultModel      string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// NewSummarizerClient creates a summarizer client with rate limiting and
// circuit breaker protection
func NewSummarizerClient(cfg ClientConfig) *SummarizerClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2.0
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	retryConfig := retry.DefaultConfig()
	retryConfig.Retryable = isRetryable

	return &SummarizerClient{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		client:       &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
		breaker:      circuitbreaker.New(circuitbreaker.DefaultConfig("summarizer")),
		retryConfig:  retryConfig,
		logger:       logging.GetGlobalLogger().WithComponent("SummarizerClient"),
	}
}

// generateRequest is the wire format of a generation call
type generateRequest struct {
	SourceType  string   `json:"sourceType"`
	ServerID    string   `json:"serverId"`
	ChannelID   string   `json:"channelId,omitempty"`
	ChannelIDs  []string `json:"channelIds,omitempty"`
	PeriodStart string   `json:"periodStart"`
	PeriodEnd   string   `json:"periodEnd"`
	Model       string   `json:"model"`
}

// generateResponse is the wire format of a generation result
type generateResponse struct {
	SummaryID string  `json:"summaryId"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUSD   float64 `json:"costUsd"`
}

// httpStatusError marks a response whose status code decides retryability
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("summarizer returned HTTP %d: %s", e.StatusCode, e.Body)
}

// isRetryable retries server-side and throttling failures, not client errors
func isRetryable(err error) bool {
	if se, ok := err.(*httpStatusError); ok {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	// Transport-level errors (connection refused, resets) are retryable.
	// Context cancellation is handled by the retry loop itself.
	return true
}

// Generate produces a summary for one (source, period). Failures come back
// as collaborator errors so the engine records the period as failed and
// moves on.
func (c *SummarizerClient) Generate(ctx context.Context, source types.Source, period types.Period, opts Options) (*Result, error) {
	if c.baseURL == "" {
		return nil, apperrors.NewEngineFatalError("generate", fmt.Errorf("summarizer base URL not configured"))
	}

	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}

	req := generateRequest{
		SourceType:  string(source.Type),
		ServerID:    source.ServerID,
		ChannelID:   source.ChannelID,
		ChannelIDs:  opts.ChannelIDs,
		PeriodStart: period.Start.Format("2006-01-02"),
		PeriodEnd:   period.End.Format("2006-01-02"),
		Model:       model,
	}

	var result *Result
	retryResult := retry.WithExponentialBackoff(ctx, c.retryConfig, func(ctx context.Context, attempt int) error {
		return c.breaker.Execute(ctx, func() error {
			res, err := c.doGenerate(ctx, req)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	})

	if !retryResult.Success {
		c.logger.WithFields(map[string]interface{}{
			"sourceKey": source.Key(),
			"period":    period.Key(),
			"attempts":  retryResult.Attempts,
		}).WithError(retryResult.LastError).Warn("Summary generation failed")
		return nil, apperrors.NewCollaboratorError(period.Key(), retryResult.LastError)
	}

	return result, nil
}

// doGenerate performs a single HTTP call
func (c *SummarizerClient) doGenerate(ctx context.Context, req generateRequest) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/v1/summaries"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var wire generateResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if wire.SummaryID == "" {
		return nil, fmt.Errorf("summarizer returned empty summary ID")
	}

	return &Result{
		SummaryID: wire.SummaryID,
		TokensIn:  wire.TokensIn,
		TokensOut: wire.TokensOut,
		CostUSD:   wire.CostUSD,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
