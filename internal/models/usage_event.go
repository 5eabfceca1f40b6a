package models

import "time"

// UsageEvent is one row in the append-only generation usage ledger.
// One event per generation attempt that committed spend; cost reports
// aggregate these rather than mutable coverage records.
type UsageEvent struct {
	EventID     string    `json:"eventId" ch:"event_id"`
	JobID       string    `json:"jobId" ch:"job_id"`
	SourceKey   string    `json:"sourceKey" ch:"source_key"`
	PeriodStart time.Time `json:"periodStart" ch:"period_start"`
	Model       string    `json:"model" ch:"model"`
	TokensIn    int64     `json:"tokensIn" ch:"tokens_in"`
	TokensOut   int64     `json:"tokensOut" ch:"tokens_out"`
	CostUSD     float64   `json:"costUsd" ch:"cost_usd"`
	CreatedAt   time.Time `json:"createdAt" ch:"created_at"`
}
