package semcache

import (
	"log/slog"
	"os"

	"github.com/blueberrycongee/semcache/internal/cache"
	"github.com/blueberrycongee/semcache/internal/config"
	"github.com/blueberrycongee/semcache/internal/embedding"
	"github.com/blueberrycongee/semcache/internal/observability"
	"github.com/blueberrycongee/semcache/internal/pool"
	"github.com/blueberrycongee/semcache/internal/resilience"
	"github.com/blueberrycongee/semcache/internal/vector"
	"github.com/blueberrycongee/semcache/pkg/provider"
)

// NewFromConfig assembles a client from a loaded configuration, typically
// one parsed by config.LoadFromFile. Extra options apply after the mapped
// ones, so callers can override anything the file set.
func NewFromConfig(cfg *config.Config, extra ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	opts := []Option{
		WithLogger(loggerFromConfig(cfg.Logging)),
		WithStrategy(cfg.Dispatch.Strategy),
		WithMaxFallbackAttempts(cfg.Dispatch.MaxFallbackAttempts),
		WithDefaultProvider(cfg.Dispatch.DefaultProvider),
		WithRateLimit(cfg.Rate.RequestsPerMinute),
		WithRetry(resilience.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Base:         cfg.Retry.Base,
			Jitter:       cfg.Retry.Jitter,
		}),
		WithBreaker(resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		}),
		WithCacheConfig(cacheConfigFrom(cfg.Cache)),
		WithPool(poolConfigFrom(cfg.Pool)),
		WithParallelTimeout(cfg.Pipeline.ParallelTimeout),
		WithContinueOnError(cfg.Pipeline.ContinueOnError),
	}

	for name, rpm := range cfg.Rate.PerProvider {
		opts = append(opts, WithProviderRateLimit(name, rpm))
	}

	for _, p := range cfg.Providers {
		opts = append(opts, WithProvider(provider.Config{
			Name:         p.Name,
			Type:         p.Type,
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			DefaultModel: p.DefaultModel,
			Timeout:      p.Timeout,
			Headers:      p.Headers,
		}))
	}

	opts = append(opts, embeddingOptions(cfg.Embedding)...)

	if cfg.Vector.Backend == "qdrant" {
		opts = append(opts, WithQdrant(vector.QdrantConfig{
			APIBase:    cfg.Vector.APIBase(),
			APIKey:     cfg.Vector.APIKey,
			Collection: cfg.Vector.Collection,
			Timeout:    cfg.Vector.Timeout,
		}))
	}

	if cfg.Cache.ExactStore == "redis" {
		opts = append(opts, WithRedis(cfg.Cache.Redis))
	}

	if cfg.Pricing.File != "" {
		opts = append(opts,
			WithPricingFile(cfg.Pricing.File),
			WithPricingReload(cfg.Pricing.HotReload))
	}

	return New(append(opts, extra...)...)
}

func loggerFromConfig(lc config.LoggingConfig) *slog.Logger {
	level, err := observability.ParseLevel(lc.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	return observability.NewLogger(observability.LoggerConfig{
		Level:      level,
		Output:     os.Stderr,
		AddSource:  lc.AddSource,
		JSONFormat: lc.JSON,
	})
}

func embeddingOptions(ec config.EmbeddingConfig) []Option {
	opts := []Option{
		WithEmbeddingCache(ec.CacheCapacity),
	}
	if ec.Batch.Enabled {
		opts = append(opts, WithEmbeddingBatch(ec.Batch.Size, ec.Batch.MaxWait))
	} else {
		opts = append(opts, WithEmbeddingBatch(0, 0))
	}

	if ec.Provider == "openai" && ec.APIKey != "" {
		opts = append(opts, WithOpenAIEmbedding(embedding.OpenAIConfig{
			APIKey:            ec.APIKey,
			APIBase:           ec.BaseURL,
			Model:             ec.Model,
			Dimension:         ec.Dimension,
			Timeout:           ec.Timeout,
			RequestsPerMinute: ec.RequestsPerMinute,
			Normalize:         ec.Normalize,
		}))
		return opts
	}
	return append(opts, WithLocalEmbedding(ec.Dimension))
}

func cacheConfigFrom(cc config.CacheConfig) cache.Config {
	out := cache.DefaultConfig()
	if cc.MaxSize > 0 {
		out.MaxSize = cc.MaxSize
	}
	if cc.EvictionBatch > 0 {
		out.EvictionBatch = cc.EvictionBatch
	}
	if cc.WorthyFloor > 0 {
		out.WorthyFloor = cc.WorthyFloor
	}
	if cc.TTL.Min > 0 {
		out.MinTTL = cc.TTL.Min
	}
	if cc.TTL.Base > 0 {
		out.BaseTTL = cc.TTL.Base
	}
	if cc.TTL.Max > 0 {
		out.MaxTTL = cc.TTL.Max
	}
	t := cc.Threshold
	if t.Initial > 0 {
		out.Tuner.Initial = t.Initial
	}
	if t.Min > 0 {
		out.Tuner.Min = t.Min
	}
	if t.Max > 0 {
		out.Tuner.Max = t.Max
	}
	if t.TargetHitRate > 0 {
		out.Tuner.TargetHitRate = t.TargetHitRate
	}
	if t.Tolerance > 0 {
		out.Tuner.Tolerance = t.Tolerance
	}
	return out
}

func poolConfigFrom(pc config.PoolConfig) pool.Config {
	out := pool.DefaultConfig()
	if pc.MinSize > 0 {
		out.MinSize = pc.MinSize
	}
	if pc.MaxSize > 0 {
		out.MaxSize = pc.MaxSize
	}
	if pc.IdleTimeout > 0 {
		out.IdleTimeout = pc.IdleTimeout
	}
	if pc.MaxLifetime > 0 {
		out.MaxLifetime = pc.MaxLifetime
	}
	if pc.AcquireTimeout > 0 {
		out.AcquireTimeout = pc.AcquireTimeout
	}
	return out
}
