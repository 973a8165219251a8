// Package metrics provides Prometheus metrics for the semantic cache: lookup
// outcomes, threshold tuning, pool occupancy, dispatch latency, breaker
// state, and cost accounting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "semcache"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
// Skewed low: cache hits answer in microseconds, provider calls in seconds.
var LatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 7.5, 10.0, 15.0, 30.0, 60.0,
}

// =============================================================================
// Cache Metrics
// =============================================================================

var (
	// CacheLookups counts lookups by result tier.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result (exact, semantic, miss)",
		},
		[]string{"result"},
	)

	// CacheStores counts store attempts by outcome.
	CacheStores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_stores_total",
			Help:      "Cache store attempts by outcome (stored, declined, failed)",
		},
		[]string{"outcome"},
	)

	// CacheEvictions counts entries removed by the eviction scorer.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted from the cache",
		},
	)

	// SimilarityThreshold exposes the current adaptive threshold.
	SimilarityThreshold = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "similarity_threshold",
			Help:      "Current adaptive similarity threshold",
		},
	)

	// CacheEntries exposes the exact-tier population.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held by the exact tier",
		},
	)
)

// =============================================================================
// Embedding Metrics
// =============================================================================

var (
	// EmbedRequests counts embedder calls by outcome.
	EmbedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_requests_total",
			Help:      "Embedder calls by outcome (hit, miss, error)",
		},
		[]string{"outcome"},
	)

	// EmbedBatchSize observes how many texts each dispatched batch carried.
	EmbedBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embed_batch_size",
			Help:      "Texts per dispatched embedding batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)
)

// =============================================================================
// Pool Metrics
// =============================================================================

var (
	// PoolConnections tracks pooled connections by state.
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "Pooled vector-store connections by state (idle, in_use)",
		},
		[]string{"state"},
	)

	// PoolAcquireWait observes time spent waiting for a pooled connection.
	PoolAcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_wait_seconds",
			Help:      "Time spent acquiring a pooled connection",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	// PoolTimeouts counts acquisitions that failed within the budget.
	PoolTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_acquire_timeouts_total",
			Help:      "Pool acquisitions that timed out",
		},
	)
)

// =============================================================================
// Dispatch Metrics
// =============================================================================

var (
	// ProviderRequests counts provider calls by outcome.
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider calls by outcome (success, error)",
		},
		[]string{"provider", "model", "outcome"},
	)

	// DispatchLatency tracks upstream call latency through the full
	// rate-limit + retry + breaker path.
	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Provider dispatch latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	// BreakerState exposes the circuit state per provider
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	// RateLimitWait observes rate-limiter sleep durations.
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a rate-limit slot",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"provider"},
	)
)

// =============================================================================
// Token and Cost Metrics
// =============================================================================

var (
	// PromptTokens counts prompt tokens by provider and model.
	PromptTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_tokens_total",
			Help:      "Prompt tokens consumed upstream",
		},
		[]string{"provider", "model"},
	)

	// CompletionTokens counts completion tokens by provider and model.
	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_tokens_total",
			Help:      "Completion tokens produced upstream",
		},
		[]string{"provider", "model"},
	)

	// SpendUSD tracks accumulated spend in USD.
	SpendUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Accumulated upstream spend in USD",
		},
		[]string{"provider", "model"},
	)

	// QueryLatency tracks end-to-end pipeline latency, split by cache kind.
	QueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_latency_seconds",
			Help:      "End-to-end query latency by cache kind",
			Buckets:   LatencyBuckets,
		},
		[]string{"cache_kind"},
	)
)
