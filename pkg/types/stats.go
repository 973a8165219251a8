package types

// CacheStats is the similarity cache's public counters snapshot.
// Lookups == ExactHits + SemanticHits + Misses holds at every snapshot.
type CacheStats struct {
	Lookups      int64   `json:"lookups"`
	ExactHits    int64   `json:"exact_hits"`
	SemanticHits int64   `json:"semantic_hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	Stores       int64   `json:"stores"`
	Declined     int64   `json:"declined"`
	Evictions    int64   `json:"evictions"`
	Entries      int     `json:"entries"`
	Threshold    float64 `json:"threshold"`
	VectorCount  int64   `json:"vector_count"`
	VectorStatus string  `json:"vector_status,omitempty"`
}

// PoolStats is the connection pool's gauge snapshot.
type PoolStats struct {
	Live     int   `json:"live"`
	Idle     int   `json:"idle"`
	InUse    int   `json:"in_use"`
	Acquired int64 `json:"acquired"`
	Timeouts int64 `json:"timeouts"`
	Closed   int64 `json:"closed"`
}

// LatencyStats summarizes the rolling end-to-end latency window.
type LatencyStats struct {
	Count int     `json:"count"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
	AvgMS float64 `json:"avg_ms"`
}

// Stats is the aggregate surface returned by the client.
type Stats struct {
	Cache   CacheStats   `json:"cache"`
	Pool    PoolStats    `json:"pool"`
	Cost    CostSummary  `json:"cost"`
	Latency LatencyStats `json:"latency"`
}
