package semcache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/blueberrycongee/semcache/internal/cache"
	"github.com/blueberrycongee/semcache/internal/dispatch"
	"github.com/blueberrycongee/semcache/internal/embedding"
	"github.com/blueberrycongee/semcache/internal/metrics"
	"github.com/blueberrycongee/semcache/internal/observability"
	"github.com/blueberrycongee/semcache/internal/pricing"
	"github.com/blueberrycongee/semcache/internal/tokenizer"
	"github.com/blueberrycongee/semcache/internal/vector"
	"github.com/blueberrycongee/semcache/pkg/errors"
	"github.com/blueberrycongee/semcache/pkg/types"
	"github.com/blueberrycongee/semcache/providers"
)

// Client is the semantic cache in front of one or more LLM providers. It is
// safe for concurrent use; create one per process and share it.
type Client struct {
	cfg    *ClientConfig
	logger *slog.Logger
	tracer trace.Tracer

	cache      *cache.Cache
	pool       *vector.Pool
	batcher    *embedding.Batcher
	dispatcher *dispatch.Dispatcher
	tracker    *pricing.Tracker
	pipeline   *pipeline
	latency    *latencyWindow
	flight     singleflight.Group

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New assembles a client. With only a provider configured it runs fully
// in-process: local embedder, in-memory vector store, in-memory exact
// store. See the package example and NewFromConfig for production wiring.
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(observability.TracerName),
		latency: newLatencyWindow(),
		cancel:  cancel,
	}

	c.tracker = pricing.NewTracker(logger)
	if cfg.PricingFile != "" {
		if err := c.tracker.LoadFile(cfg.PricingFile); err != nil {
			c.Close()
			return nil, fmt.Errorf("load pricing file: %w", err)
		}
		if cfg.PricingReload {
			if err := c.tracker.Watch(ctx, cfg.PricingFile); err != nil {
				logger.Warn("pricing file watch failed, hot reload disabled", "error", err)
			}
		}
	}

	embedder, batcher, err := buildEmbedder(cfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.batcher = batcher

	c.pool, err = buildVectorPool(cfg, embedder.Dimension(), logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	exact, err := buildExactStore(cfg)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("exact store: %w", err)
	}
	c.cache = cache.New(cfg.Cache, exact, embedder, c.pool, logger)

	c.dispatcher = dispatch.New(dispatch.Config{
		Strategy:            cfg.Strategy,
		MaxFallbackAttempts: cfg.MaxFallbackAttempts,
		RequestsPerMinute:   cfg.RequestsPerMinute,
		ProviderRPM:         cfg.ProviderRPM,
		Retry:               cfg.Retry,
		Breaker:             cfg.Breaker,
	}, c.tracker, logger)
	for _, pcfg := range cfg.Providers {
		p, err := providers.Create(pcfg)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("provider %q: %w", providerLabel(pcfg), err)
		}
		c.dispatcher.Register(p)
	}
	for _, inst := range cfg.ProviderInstances {
		c.dispatcher.Register(inst)
	}

	steps := []Step{
		c.normalizeStep(),
		c.validateStep(),
		c.cacheLookupStep(),
		c.dispatchStep(),
	}
	c.pipeline, err = newPipeline(steps, cfg.inserts, cfg.ContinueOnError, cfg.ErrorHandler, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("semcache client ready",
		"providers", c.dispatcher.Providers(),
		"strategy", cfg.Strategy,
		"embedder", embedder.Model(),
		"parallel_timeout", cfg.ParallelTimeout)
	return c, nil
}

// Query answers a request from cache when it can and from an upstream
// provider when it must. Concurrent misses on the same normalized query
// share one upstream call.
func (c *Client) Query(ctx context.Context, req *types.Request) (*types.Response, error) {
	if req == nil {
		return nil, errors.NewValidationFault("request is nil")
	}

	ctx, _ = observability.WithRequest(ctx)
	ctx, span := observability.StartQuerySpan(ctx, c.tracer, req.Provider, req.Model)
	defer span.End()

	start := time.Now()
	st := &State{Request: req, Kind: types.CacheKindNone}
	err := c.pipeline.Run(ctx, st)
	if err == nil && st.Response == nil {
		// Continue-on-error swallowed the answering step's failure.
		err = st.lastFailure()
		if err == nil {
			err = errors.New(errors.KindUpstreamFault, "pipeline produced no response")
		}
	}

	elapsed := time.Since(start)
	c.latency.Observe(elapsed)

	if err != nil {
		metrics.QueryLatency.WithLabelValues("error").Observe(elapsed.Seconds())
		observability.RecordSpanError(span, err)
		observability.LoggerWithRequestID(ctx, c.logger).Warn("query failed",
			"kind", errors.KindOf(err),
			"error", err)
		return nil, err
	}

	resp := st.Response
	resp.LatencyMS = elapsed.Milliseconds()
	metrics.QueryLatency.WithLabelValues(string(resp.CacheKind)).Observe(elapsed.Seconds())
	observability.RecordCacheResult(span, string(resp.CacheKind), resp.FromCache)
	return resp, nil
}

// Stats reports cache, pool, cost, and latency counters since startup.
func (c *Client) Stats(ctx context.Context) types.Stats {
	s := types.Stats{
		Cache:   c.cache.Stats(ctx),
		Cost:    c.tracker.Summary(),
		Latency: c.latency.Snapshot(),
	}
	if c.pool != nil {
		s.Pool = c.pool.Stats()
	}
	return s
}

// CostEntries returns the per-call cost ledger, oldest first.
func (c *Client) CostEntries() []types.CostEntry {
	return c.tracker.Entries()
}

// Invalidate removes the cached entry for query from both tiers. Missing
// entries are not an error.
func (c *Client) Invalidate(ctx context.Context, query string) error {
	return c.cache.Invalidate(ctx, cache.Fingerprint(query))
}

// ClearCache drops every cached entry from both tiers.
func (c *Client) ClearCache(ctx context.Context) error {
	return c.cache.Clear(ctx)
}

// Close releases the vector pool, the exact store, and the pricing tracker.
// Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.batcher != nil {
			c.batcher.Flush()
		}
		if c.cache != nil {
			if err := c.cache.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
		if c.pool != nil {
			if err := c.pool.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
		if c.tracker != nil {
			if err := c.tracker.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// normalizeStep fills the canonical form and fingerprint used by every
// later step.
func (c *Client) normalizeStep() Step {
	return Step{Name: StepNormalize, Run: func(_ context.Context, st *State) error {
		st.Normalized = cache.Normalize(st.Request.Query)
		st.Fingerprint = cache.Fingerprint(st.Request.Query)
		return nil
	}}
}

func (c *Client) validateStep() Step {
	return Step{Name: StepValidate, Run: func(_ context.Context, st *State) error {
		return validateRequest(st.Request)
	}}
}

func validateRequest(req *types.Request) error {
	if strings.TrimSpace(req.Query) == "" {
		return errors.NewValidationFault("query must not be empty")
	}
	if len(req.Query) > types.MaxQueryLength {
		return errors.NewValidationFault(fmt.Sprintf("query exceeds %d characters", types.MaxQueryLength))
	}
	if req.MaxTokens < 0 {
		return errors.NewValidationFault("max_tokens must not be negative")
	}
	if req.MaxTokens > types.MaxMaxTokens {
		return errors.NewValidationFault(fmt.Sprintf("max_tokens exceeds %d", types.MaxMaxTokens))
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > types.MaxTemperature) {
		return errors.NewValidationFault(fmt.Sprintf("temperature must be within [0, %g]", types.MaxTemperature))
	}
	if !tokenizer.FitsWindow(req.Model, req.Query, req.MaxTokens) {
		return errors.NewContextExceeded(req.Model, "prompt and max_tokens exceed the model's context window")
	}
	return nil
}

func (c *Client) cacheLookupStep() Step {
	return Step{Name: StepCacheLookup, Run: func(ctx context.Context, st *State) error {
		req := st.Request
		opts := cache.LookupOptions{
			Exact:           req.ExactEnabled(),
			Semantic:        req.SemanticEnabled(),
			ParallelTimeout: c.cfg.ParallelTimeout,
		}
		if !opts.Exact && !opts.Semantic {
			return nil
		}

		entry, kind, ok := c.cache.Lookup(ctx, req.Query, opts)
		if !ok {
			return nil
		}

		st.Entry = entry
		st.Kind = kind
		st.Response = &types.Response{
			Content:          entry.Response,
			FromCache:        true,
			CacheKind:        kind,
			Provider:         entry.Provider,
			Model:            entry.Model,
			PromptTokens:     entry.PromptTokens,
			CompletionTokens: entry.CompletionTokens,
			TotalTokens:      entry.PromptTokens + entry.CompletionTokens,
		}
		return nil
	}}
}

// dispatchStep answers misses upstream and admits the result into the
// cache. Concurrent misses with the same fingerprint coalesce into one
// upstream call; the losers receive the winner's result.
func (c *Client) dispatchStep() Step {
	return Step{Name: StepDispatch, Run: func(ctx context.Context, st *State) error {
		if st.Response != nil {
			return nil
		}

		key := st.Fingerprint
		if key == "" {
			key = cache.Fingerprint(st.Request.Query)
		}

		v, err, shared := c.flight.Do(key, func() (any, error) {
			return c.dispatchAndStore(ctx, st.Request)
		})
		if err != nil {
			return err
		}
		if shared {
			observability.LoggerWithRequestID(ctx, c.logger).Debug("coalesced concurrent miss",
				"fingerprint", key)
		}

		res := v.(*dispatch.Result)
		observability.RecordDispatch(trace.SpanFromContext(ctx), res.Provider, res.Model,
			res.PromptTokens, res.CompletionTokens)
		st.Kind = types.CacheKindNone
		st.Response = &types.Response{
			Content:          res.Content,
			FromCache:        false,
			CacheKind:        types.CacheKindNone,
			Provider:         res.Provider,
			Model:            res.Model,
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			TotalTokens:      res.PromptTokens + res.CompletionTokens,
			CostUSD:          res.CostUSD,
		}
		return nil
	}}
}

func (c *Client) dispatchAndStore(ctx context.Context, req *types.Request) (*dispatch.Result, error) {
	preference := req.Provider
	if preference == "" {
		preference = c.cfg.DefaultProvider
	}

	res, err := c.dispatcher.Dispatch(ctx, &dispatch.Request{
		Query:       req.Query,
		Provider:    preference,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}

	if req.ExactEnabled() || req.SemanticEnabled() {
		if serr := c.cache.Store(ctx, cache.StoreInput{
			Query:            req.Query,
			Response:         res.Content,
			Provider:         res.Provider,
			Model:            res.Model,
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
		}); serr != nil {
			// The answer is already in hand; a failed store never
			// fails the query.
			observability.LoggerWithRequestID(ctx, c.logger).Warn("cache store failed after dispatch",
				"error", serr)
		}
	}
	return res, nil
}

// buildEmbedder layers memoization and batching over the configured base
// embedder. The batcher is returned separately so Close can flush it.
func buildEmbedder(cfg *ClientConfig, logger *slog.Logger) (embedding.Embedder, *embedding.Batcher, error) {
	var (
		base      embedding.Embedder
		normalize = true
	)
	switch {
	case cfg.Embedder != nil:
		base = cfg.Embedder
	case cfg.OpenAIEmbedding != nil:
		ocfg := *cfg.OpenAIEmbedding
		emb, err := embedding.NewOpenAI(ocfg)
		if err != nil {
			return nil, nil, fmt.Errorf("embedder: %w", err)
		}
		base = emb
		normalize = ocfg.Normalize
	default:
		base = embedding.NewLocal(cfg.LocalDimension, true)
	}

	wrapped := base
	var batcher *embedding.Batcher
	if cfg.BatchSize > 1 {
		batcher = embedding.NewBatcher(wrapped, embedding.BatcherConfig{
			Size:    cfg.BatchSize,
			MaxWait: cfg.BatchMaxWait,
		}, logger)
		wrapped = batcher
	}
	if cfg.EmbedCacheSize > 0 {
		wrapped = embedding.NewCache(wrapped, embedding.CacheConfig{
			Capacity:  cfg.EmbedCacheSize,
			Normalize: normalize,
		})
	}
	return wrapped, batcher, nil
}

// buildVectorPool wires the semantic tier's store behind the connection
// pool and makes sure the collection exists. Collection setup is best
// effort; a store that is down at startup degrades semantic lookups until
// it returns.
func buildVectorPool(cfg *ClientConfig, dimension int, logger *slog.Logger) (*vector.Pool, error) {
	factory := cfg.VectorFactory
	switch {
	case factory != nil:
	case cfg.Qdrant != nil:
		qcfg := *cfg.Qdrant
		factory = func(context.Context) (vector.Store, error) {
			return vector.NewQdrant(qcfg)
		}
	default:
		// One in-process store shared by every pooled connection.
		mem := vector.NewMemory()
		factory = func(context.Context) (vector.Store, error) {
			return mem, nil
		}
	}

	p, err := vector.NewPool(factory, cfg.Pool, logger)
	if err != nil {
		return nil, fmt.Errorf("vector pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if handle, store, err := p.Acquire(ctx); err != nil {
		logger.Warn("vector store unreachable, semantic tier degraded until it recovers", "error", err)
	} else {
		if err := store.EnsureCollection(ctx, dimension, vector.DistanceCosine); err != nil {
			logger.Warn("vector collection setup failed", "error", err)
		}
		p.Release(handle)
	}
	return p, nil
}

func buildExactStore(cfg *ClientConfig) (cache.ExactStore, error) {
	switch {
	case cfg.ExactStore != nil:
		return cfg.ExactStore, nil
	case cfg.Redis != nil:
		return cache.NewRedisStore(*cfg.Redis)
	default:
		return cache.NewMemoryStore(cache.MemoryStoreConfig{CleanupInterval: 10 * time.Minute}), nil
	}
}

func providerLabel(cfg ProviderConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return cfg.Type
}
