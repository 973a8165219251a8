package types

// CacheKind identifies which tier served a response.
type CacheKind string

const (
	CacheKindExact    CacheKind = "exact"
	CacheKindSemantic CacheKind = "semantic"
	CacheKindNone     CacheKind = "none"
)

// Response is the pipeline's answer to one Request, whether served from
// cache or freshly dispatched.
type Response struct {
	Content          string    `json:"content"`
	FromCache        bool      `json:"from_cache"`
	CacheKind        CacheKind `json:"cache_kind"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMS        int64     `json:"latency_ms"`
}
