package types

import "time"

// CostEntry records the accounting for one completed provider call.
// Entries are append-only and never mutated after creation.
type CostEntry struct {
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
}

// CostSummary aggregates the append-only entry list. All sums derive from the
// same entries, so ByProvider and ByModel totals each add up to TotalUSD.
type CostSummary struct {
	Requests         int                `json:"requests"`
	PromptTokens     int64              `json:"prompt_tokens"`
	CompletionTokens int64              `json:"completion_tokens"`
	TotalUSD         float64            `json:"total_usd"`
	ByProvider       map[string]float64 `json:"by_provider"`
	ByModel          map[string]float64 `json:"by_model"`
}
