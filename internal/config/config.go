// Package config loads semcache configuration from YAML with environment
// expansion, defaults, and validation. Manager adds hot reload on top for
// long-running processes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/semcache/internal/cache"
)

// Config is the complete semcache configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Embedding EmbeddingConfig  `yaml:"embedding"`
	Vector    VectorConfig     `yaml:"vector"`
	Pool      PoolConfig       `yaml:"pool"`
	Rate      RateConfig       `yaml:"rate"`
	Retry     RetryConfig      `yaml:"retry"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	Cache     CacheConfig      `yaml:"cache"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Pricing   PricingConfig    `yaml:"pricing"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings for the daemon.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ProviderConfig defines one upstream LLM provider.
type ProviderConfig struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"` // openai, anthropic
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	DefaultModel string            `yaml:"default_model"`
	Timeout      time.Duration     `yaml:"timeout"`
	Headers      map[string]string `yaml:"headers"`
}

// EmbeddingConfig selects and tunes the embedder.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"` // openai, local
	Model             string        `yaml:"model"`
	Dimension         int           `yaml:"dimension"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Normalize         bool          `yaml:"normalize"`
	CacheCapacity     int           `yaml:"cache_capacity"`
	Batch             BatchConfig   `yaml:"batch"`
}

// BatchConfig tunes embedding request coalescing.
type BatchConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`
	MaxWait time.Duration `yaml:"max_wait"`
}

// VectorConfig locates the vector store.
type VectorConfig struct {
	Backend    string        `yaml:"backend"` // qdrant, memory
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	HTTPS      bool          `yaml:"https"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// APIBase renders the vector store base URL from host, port, and scheme.
func (v VectorConfig) APIBase() string {
	scheme := "http"
	if v.HTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, v.Host, v.Port)
}

// PoolConfig sizes the vector-store connection pool.
type PoolConfig struct {
	MinSize        int           `yaml:"min_size"`
	MaxSize        int           `yaml:"max_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// RateConfig holds per-provider request budgets.
type RateConfig struct {
	RequestsPerMinute int            `yaml:"requests_per_minute"`
	PerProvider       map[string]int `yaml:"per_provider"`
}

// RetryConfig tunes the upstream retry handler.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Base         float64       `yaml:"base"`
	Jitter       bool          `yaml:"jitter"`
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// DispatchConfig selects the provider routing strategy.
type DispatchConfig struct {
	Strategy            string `yaml:"strategy"` // preferred, round_robin
	MaxFallbackAttempts int    `yaml:"max_fallback_attempts"`
	DefaultProvider     string `yaml:"default_provider"`
}

// CacheConfig tunes both cache tiers.
type CacheConfig struct {
	MaxSize       int               `yaml:"max_size"`
	EvictionBatch int               `yaml:"eviction_batch"`
	WorthyFloor   int               `yaml:"worthy_floor"`
	ExactStore    string            `yaml:"exact_store"` // memory, redis
	Redis         cache.RedisConfig `yaml:"redis"`
	TTL           TTLConfig         `yaml:"ttl"`
	Threshold     ThresholdConfig   `yaml:"threshold"`
}

// TTLConfig holds the frequency-tiered entry lifetimes.
type TTLConfig struct {
	Min  time.Duration `yaml:"min"`
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// ThresholdConfig bounds the adaptive similarity threshold.
type ThresholdConfig struct {
	Initial       float64 `yaml:"initial"`
	Min           float64 `yaml:"min"`
	Max           float64 `yaml:"max"`
	TargetHitRate float64 `yaml:"target_hit_rate"`
	Tolerance     float64 `yaml:"tolerance"`
}

// PipelineConfig tunes the query pipeline.
type PipelineConfig struct {
	ParallelTimeout time.Duration `yaml:"parallel_timeout"`
	ContinueOnError bool          `yaml:"continue_on_error"`
}

// PricingConfig points at an optional pricing overlay file.
type PricingConfig struct {
	File      string `yaml:"file"`
	HotReload bool   `yaml:"hot_reload"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"` // debug, info, warn, error
	JSON      bool   `yaml:"json"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with production defaults. Values
// line up with the component-level defaults so a partial file behaves the
// same as constructing components directly.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:          "openai",
			Model:             "text-embedding-3-small",
			Dimension:         1536,
			BaseURL:           "https://api.openai.com/v1",
			Timeout:           30 * time.Second,
			RequestsPerMinute: 0,
			Normalize:         true,
			CacheCapacity:     1000,
			Batch: BatchConfig{
				Enabled: true,
				Size:    16,
				MaxWait: 50 * time.Millisecond,
			},
		},
		Vector: VectorConfig{
			Backend:    "qdrant",
			Host:       "localhost",
			Port:       6333,
			Collection: "semcache",
			Timeout:    30 * time.Second,
		},
		Pool: PoolConfig{
			MinSize:        1,
			MaxSize:        10,
			IdleTimeout:    5 * time.Minute,
			MaxLifetime:    30 * time.Minute,
			AcquireTimeout: 5 * time.Second,
		},
		Rate: RateConfig{
			RequestsPerMinute: 600,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Base:         2.0,
			Jitter:       true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			RecoveryTimeout:  30 * time.Second,
		},
		Dispatch: DispatchConfig{
			Strategy:            "preferred",
			MaxFallbackAttempts: 3,
		},
		Cache: CacheConfig{
			MaxSize:       10000,
			EvictionBatch: 100,
			WorthyFloor:   100,
			ExactStore:    "memory",
			Redis:         cache.DefaultRedisConfig(),
			TTL: TTLConfig{
				Min:  time.Hour,
				Base: 6 * time.Hour,
				Max:  7 * 24 * time.Hour,
			},
			Threshold: ThresholdConfig{
				Initial:       0.85,
				Min:           0.70,
				Max:           0.95,
				TargetHitRate: 0.50,
				Tolerance:     0.05,
			},
		},
		Pipeline: PipelineConfig{
			ParallelTimeout: 200 * time.Millisecond,
			ContinueOnError: true,
		},
		Pricing: PricingConfig{
			HotReload: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "semcache",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. References like
// ${VAR} and ${VAR:-default} are expanded before decoding. The returned
// warnings are non-fatal findings the caller should log.
func LoadFromFile(path string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over the defaults and validates the result.
func Parse(data []byte) (*Config, []string, error) {
	cfg := DefaultConfig()
	expanded := expandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}

	warnings, err := cfg.Validate()
	if err != nil {
		return nil, warnings, fmt.Errorf("validate config: %w", err)
	}
	return cfg, warnings, nil
}

// expandEnv substitutes ${VAR} and ${VAR:-default} references. A variable
// that is unset or empty falls back to its default; without one it expands
// to the empty string.
func expandEnv(s string) string {
	return os.Expand(s, func(ref string) string {
		name, def, hasDefault := strings.Cut(ref, ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// Validate checks the configuration. Hard misconfigurations return an
// error; questionable but workable settings come back as warnings.
func (c *Config) Validate() ([]string, error) {
	var warnings []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return warnings, fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	if len(c.Providers) == 0 {
		warnings = append(warnings, "no providers configured; dispatch will fail until one is registered")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return warnings, fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return warnings, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "openai", "anthropic":
		case "":
			return warnings, fmt.Errorf("providers[%d] %q: type is required", i, p.Name)
		default:
			return warnings, fmt.Errorf("providers[%d] %q: unknown type %q", i, p.Name, p.Type)
		}
		if p.APIKey == "" {
			warnings = append(warnings, fmt.Sprintf("providers[%d] %q: api_key is empty", i, p.Name))
		}
		if p.Timeout < 0 {
			return warnings, fmt.Errorf("providers[%d] %q: timeout cannot be negative", i, p.Name)
		}
	}

	switch c.Embedding.Provider {
	case "", "openai", "local":
	default:
		return warnings, fmt.Errorf("embedding.provider %q unknown (want openai or local)", c.Embedding.Provider)
	}
	if c.Embedding.Dimension < 0 {
		return warnings, fmt.Errorf("embedding.dimension cannot be negative")
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		warnings = append(warnings, "embedding.api_key is empty")
	}

	switch c.Vector.Backend {
	case "", "qdrant", "memory":
	default:
		return warnings, fmt.Errorf("vector.backend %q unknown (want qdrant or memory)", c.Vector.Backend)
	}
	if c.Vector.Backend == "qdrant" && c.Vector.Collection == "" {
		return warnings, fmt.Errorf("vector.collection is required")
	}

	if c.Pool.MinSize < 0 || c.Pool.MaxSize < 0 {
		return warnings, fmt.Errorf("pool sizes cannot be negative")
	}
	if c.Pool.MaxSize > 0 && c.Pool.MinSize > c.Pool.MaxSize {
		return warnings, fmt.Errorf("pool.min_size %d exceeds pool.max_size %d", c.Pool.MinSize, c.Pool.MaxSize)
	}

	if c.Rate.RequestsPerMinute < 0 {
		return warnings, fmt.Errorf("rate.requests_per_minute cannot be negative")
	}
	for name, rpm := range c.Rate.PerProvider {
		if rpm < 0 {
			return warnings, fmt.Errorf("rate.per_provider[%q] cannot be negative", name)
		}
	}

	if c.Retry.MaxAttempts < 0 {
		return warnings, fmt.Errorf("retry.max_attempts cannot be negative")
	}
	if c.Retry.Base != 0 && c.Retry.Base < 1 {
		warnings = append(warnings, fmt.Sprintf("retry.base %.2f is below 1; backoff will not grow", c.Retry.Base))
	}

	if c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 {
		return warnings, fmt.Errorf("breaker thresholds cannot be negative")
	}

	switch c.Dispatch.Strategy {
	case "", "preferred", "round_robin", "roundrobin":
	default:
		warnings = append(warnings, fmt.Sprintf("dispatch.strategy %q unknown; preferred will be used", c.Dispatch.Strategy))
	}
	if c.Dispatch.MaxFallbackAttempts < 0 {
		return warnings, fmt.Errorf("dispatch.max_fallback_attempts cannot be negative")
	}

	switch c.Cache.ExactStore {
	case "", "memory", "redis":
	default:
		return warnings, fmt.Errorf("cache.exact_store %q unknown (want memory or redis)", c.Cache.ExactStore)
	}
	if c.Cache.ExactStore == "redis" && len(c.Cache.Redis.Addrs) == 0 {
		warnings = append(warnings, "cache.redis.addrs is empty; localhost:6379 will be used")
	}
	if c.Cache.MaxSize < 0 || c.Cache.EvictionBatch < 0 {
		return warnings, fmt.Errorf("cache sizes cannot be negative")
	}
	if c.Cache.EvictionBatch > c.Cache.MaxSize && c.Cache.MaxSize > 0 {
		warnings = append(warnings, "cache.eviction_batch exceeds cache.max_size; a full eviction clears the cache")
	}

	t := c.Cache.Threshold
	if t.Min < 0 || t.Max > 1 {
		return warnings, fmt.Errorf("cache.threshold band must stay within [0, 1]")
	}
	if t.Min > t.Max {
		return warnings, fmt.Errorf("cache.threshold.min %.2f exceeds max %.2f", t.Min, t.Max)
	}
	if t.Initial != 0 && (t.Initial < t.Min || t.Initial > t.Max) {
		warnings = append(warnings, fmt.Sprintf("cache.threshold.initial %.2f outside [%.2f, %.2f]; it will be clamped", t.Initial, t.Min, t.Max))
	}
	if t.TargetHitRate < 0 || t.TargetHitRate > 1 {
		return warnings, fmt.Errorf("cache.threshold.target_hit_rate must stay within [0, 1]")
	}
	if t.Tolerance < 0 {
		return warnings, fmt.Errorf("cache.threshold.tolerance cannot be negative")
	}

	ttl := c.Cache.TTL
	if ttl.Min < 0 || ttl.Base < 0 || ttl.Max < 0 {
		return warnings, fmt.Errorf("cache.ttl values cannot be negative")
	}
	if ttl.Min > ttl.Max && ttl.Max > 0 {
		return warnings, fmt.Errorf("cache.ttl.min exceeds cache.ttl.max")
	}
	if ttl.Base != 0 && (ttl.Base < ttl.Min || (ttl.Max > 0 && ttl.Base > ttl.Max)) {
		warnings = append(warnings, "cache.ttl.base outside [min, max]")
	}

	if c.Pipeline.ParallelTimeout < 0 {
		return warnings, fmt.Errorf("pipeline.parallel_timeout cannot be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		warnings = append(warnings, fmt.Sprintf("logging.level %q unknown; info will be used", c.Logging.Level))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return warnings, fmt.Errorf("tracing.sample_rate must stay within [0, 1]")
	}

	return warnings, nil
}
