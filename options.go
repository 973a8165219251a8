package semcache

import (
	"log/slog"
	"time"

	"github.com/blueberrycongee/semcache/internal/cache"
	"github.com/blueberrycongee/semcache/internal/embedding"
	"github.com/blueberrycongee/semcache/internal/pool"
	"github.com/blueberrycongee/semcache/internal/resilience"
	"github.com/blueberrycongee/semcache/internal/vector"
	"github.com/blueberrycongee/semcache/pkg/provider"
)

// ClientConfig holds everything New assembles a client from. Callers do not
// build it directly; they pass Option values to New.
type ClientConfig struct {
	// Upstream providers, in declared fallback order.
	Providers         []provider.Config
	ProviderInstances []provider.Provider

	// Dispatch behavior.
	DefaultProvider     string
	Strategy            string
	MaxFallbackAttempts int
	RequestsPerMinute   int
	ProviderRPM         map[string]int
	Retry               resilience.RetryConfig
	Breaker             resilience.BreakerConfig

	// Cache tiers.
	Cache      cache.Config
	ExactStore cache.ExactStore
	Redis      *cache.RedisConfig

	// Embedding. A nil Embedder and nil OpenAIEmbedding selects the local
	// deterministic embedder, which needs no network or key.
	Embedder        embedding.Embedder
	OpenAIEmbedding *embedding.OpenAIConfig
	LocalDimension  int
	EmbedCacheSize  int
	BatchSize       int
	BatchMaxWait    time.Duration

	// Vector store. A nil VectorFactory and nil Qdrant selects a single
	// in-process store shared through the pool.
	VectorFactory vector.Factory
	Qdrant        *vector.QdrantConfig
	Pool          pool.Config

	// Pipeline behavior.
	ParallelTimeout time.Duration
	ContinueOnError bool
	ErrorHandler    ErrorHandler
	inserts         []stepInsert

	// Cost tracking.
	PricingFile   string
	PricingReload bool

	Logger *slog.Logger
}

type stepInsert struct {
	anchor string
	before bool
	step   Step
}

// Option configures the client.
type Option func(*ClientConfig)

// defaultConfig returns a configuration that works fully in-process with no
// external services, so New() with only a provider option yields a usable
// client.
func defaultConfig() *ClientConfig {
	return &ClientConfig{
		Strategy:            "preferred",
		MaxFallbackAttempts: 3,
		RequestsPerMinute:   600,
		Retry:               resilience.DefaultRetryConfig(),
		Breaker:             resilience.DefaultBreakerConfig(),
		Cache:               cache.DefaultConfig(),
		LocalDimension:      256,
		EmbedCacheSize:      1000,
		BatchSize:           16,
		BatchMaxWait:        50 * time.Millisecond,
		Pool:                pool.DefaultConfig(),
		ParallelTimeout:     200 * time.Millisecond,
		ContinueOnError:     true,
		PricingReload:       true,
	}
}

// WithProvider registers an upstream provider built from configuration.
// Registration order is the fallback order.
//
//	semcache.WithProvider(semcache.ProviderConfig{
//		Type:   "openai",
//		APIKey: os.Getenv("OPENAI_API_KEY"),
//	})
//
// OpenAI-compatible endpoints use Type "openai" with Name and BaseURL
// overrides.
func WithProvider(cfg provider.Config) Option {
	return func(c *ClientConfig) {
		c.Providers = append(c.Providers, cfg)
	}
}

// WithProviderInstance registers a pre-built provider, typically a custom
// adapter implementing the Provider interface. Instances register after
// configured providers.
func WithProviderInstance(p provider.Provider) Option {
	return func(c *ClientConfig) {
		if p != nil {
			c.ProviderInstances = append(c.ProviderInstances, p)
		}
	}
}

// WithDefaultProvider names the provider a request without an explicit
// preference dispatches to first.
func WithDefaultProvider(name string) Option {
	return func(c *ClientConfig) {
		c.DefaultProvider = name
	}
}

// WithStrategy selects provider ordering: "preferred" (default) or
// "round_robin".
func WithStrategy(name string) Option {
	return func(c *ClientConfig) {
		if name != "" {
			c.Strategy = name
		}
	}
}

// WithMaxFallbackAttempts caps how many providers one dispatch may try,
// the initial choice included.
func WithMaxFallbackAttempts(n int) Option {
	return func(c *ClientConfig) {
		if n > 0 {
			c.MaxFallbackAttempts = n
		}
	}
}

// WithRateLimit sets the default per-provider request budget in requests
// per minute. Zero or negative disables limiting.
func WithRateLimit(rpm int) Option {
	return func(c *ClientConfig) {
		c.RequestsPerMinute = rpm
	}
}

// WithProviderRateLimit overrides the request budget for one provider.
func WithProviderRateLimit(name string, rpm int) Option {
	return func(c *ClientConfig) {
		if c.ProviderRPM == nil {
			c.ProviderRPM = make(map[string]int)
		}
		c.ProviderRPM[name] = rpm
	}
}

// WithRetry replaces the upstream retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *ClientConfig) {
		c.Retry = cfg
	}
}

// WithBreaker replaces the per-provider circuit breaker policy.
func WithBreaker(cfg resilience.BreakerConfig) Option {
	return func(c *ClientConfig) {
		c.Breaker = cfg
	}
}

// WithCacheConfig tunes cache capacity, admission, TTL tiers, and the
// adaptive similarity threshold.
func WithCacheConfig(cfg cache.Config) Option {
	return func(c *ClientConfig) {
		c.Cache = cfg
	}
}

// WithExactStore installs a custom exact-tier store. The client closes it
// on Close.
func WithExactStore(store cache.ExactStore) Option {
	return func(c *ClientConfig) {
		c.ExactStore = store
	}
}

// WithRedis backs the exact tier with Redis so cache contents survive
// restarts and are shared across instances.
func WithRedis(cfg cache.RedisConfig) Option {
	return func(c *ClientConfig) {
		c.Redis = &cfg
	}
}

// WithEmbedder installs a custom embedder. It is still wrapped with the
// embedding cache and batcher unless those are disabled.
func WithEmbedder(e embedding.Embedder) Option {
	return func(c *ClientConfig) {
		c.Embedder = e
	}
}

// WithOpenAIEmbedding embeds queries through the OpenAI embeddings API.
//
//	semcache.WithOpenAIEmbedding(embedding.OpenAIConfig{
//		APIKey: os.Getenv("OPENAI_API_KEY"),
//	})
func WithOpenAIEmbedding(cfg embedding.OpenAIConfig) Option {
	return func(c *ClientConfig) {
		c.OpenAIEmbedding = &cfg
	}
}

// WithLocalEmbedding selects the deterministic in-process embedder with the
// given dimension. It needs no network and recognizes repeats and trivial
// rewordings, not true paraphrases.
func WithLocalEmbedding(dimension int) Option {
	return func(c *ClientConfig) {
		c.Embedder = nil
		c.OpenAIEmbedding = nil
		if dimension > 0 {
			c.LocalDimension = dimension
		}
	}
}

// WithEmbeddingCache sizes the embedding memoization cache. Zero disables
// it.
func WithEmbeddingCache(capacity int) Option {
	return func(c *ClientConfig) {
		c.EmbedCacheSize = capacity
	}
}

// WithEmbeddingBatch tunes embedding request coalescing. A size of zero or
// one disables batching.
func WithEmbeddingBatch(size int, maxWait time.Duration) Option {
	return func(c *ClientConfig) {
		c.BatchSize = size
		if maxWait > 0 {
			c.BatchMaxWait = maxWait
		}
	}
}

// WithQdrant backs the semantic tier with a Qdrant collection.
//
//	semcache.WithQdrant(vector.QdrantConfig{
//		APIBase:    "http://localhost:6333",
//		Collection: "semcache",
//	})
func WithQdrant(cfg vector.QdrantConfig) Option {
	return func(c *ClientConfig) {
		c.Qdrant = &cfg
	}
}

// WithVectorStore installs a custom vector store factory. The pool calls it
// whenever it needs a fresh connection.
func WithVectorStore(factory vector.Factory) Option {
	return func(c *ClientConfig) {
		c.VectorFactory = factory
	}
}

// WithPool sizes the vector-store connection pool.
func WithPool(cfg pool.Config) Option {
	return func(c *ClientConfig) {
		c.Pool = cfg
	}
}

// WithParallelTimeout bounds how long a lookup waits for the semantic tier
// after an exact miss when both tiers run concurrently. Zero waits until
// the request context expires.
func WithParallelTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		if d >= 0 {
			c.ParallelTimeout = d
		}
	}
}

// WithContinueOnError controls whether a failed pipeline step without a
// mandated recovery aborts the query (false) or is recorded while later
// steps run (true, the default). Validation failures always abort.
func WithContinueOnError(enabled bool) Option {
	return func(c *ClientConfig) {
		c.ContinueOnError = enabled
	}
}

// WithErrorHandler installs a callback invoked for every step failure the
// pipeline recovers from. Handler errors are logged, never propagated.
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *ClientConfig) {
		c.ErrorHandler = h
	}
}

// WithStepBefore inserts a custom pipeline step ahead of the named built-in
// step. Anchors are StepNormalize, StepValidate, StepCacheLookup, and
// StepDispatch.
func WithStepBefore(anchor string, step Step) Option {
	return func(c *ClientConfig) {
		c.inserts = append(c.inserts, stepInsert{anchor: anchor, before: true, step: step})
	}
}

// WithStepAfter inserts a custom pipeline step after the named built-in
// step.
func WithStepAfter(anchor string, step Step) Option {
	return func(c *ClientConfig) {
		c.inserts = append(c.inserts, stepInsert{anchor: anchor, before: false, step: step})
	}
}

// WithPricingFile loads per-model pricing from a JSON file at startup,
// overlaying the built-in table.
func WithPricingFile(path string) Option {
	return func(c *ClientConfig) {
		c.PricingFile = path
	}
}

// WithPricingReload controls whether the pricing file is watched for
// changes. On by default when a file is set.
func WithPricingReload(enabled bool) Option {
	return func(c *ClientConfig) {
		c.PricingReload = enabled
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}
