package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/semcache/internal/embedding"
	"github.com/blueberrycongee/semcache/internal/metrics"
	"github.com/blueberrycongee/semcache/internal/tokenizer"
	"github.com/blueberrycongee/semcache/internal/vector"
	"github.com/blueberrycongee/semcache/pkg/errors"
	"github.com/blueberrycongee/semcache/pkg/types"
)

// infoCacheKey indexes the vector-store info snapshot in the stats decorator.
const infoCacheKey = "vector_info"

// Config tunes the two-tier cache.
type Config struct {
	// MaxSize caps the exact-tier population; reaching it triggers a batch
	// eviction before the next store.
	MaxSize int

	// EvictionBatch is how many entries one eviction pass removes.
	EvictionBatch int

	// WorthyFloor is the estimated response token count below which a
	// store is declined unless the query is recurring.
	WorthyFloor int

	// TTL tiers by observed query frequency.
	MinTTL  time.Duration
	BaseTTL time.Duration
	MaxTTL  time.Duration

	// Tuner bounds the adaptive similarity threshold.
	Tuner TunerConfig

	// InfoTTL bounds how stale the vector-store info in Stats may be.
	InfoTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:       10000,
		EvictionBatch: 100,
		WorthyFloor:   100,
		MinTTL:        time.Hour,
		BaseTTL:       6 * time.Hour,
		MaxTTL:        7 * 24 * time.Hour,
		Tuner:         DefaultTunerConfig(),
		InfoTTL:       5 * time.Second,
	}
}

// LookupOptions selects which tiers a lookup consults. When both tiers are
// enabled they run concurrently and ParallelTimeout bounds how long the
// lookup waits for the semantic tier after an exact miss; zero waits until
// ctx expires.
type LookupOptions struct {
	Exact           bool
	Semantic        bool
	ParallelTimeout time.Duration
}

// StoreInput carries one upstream answer for admission.
type StoreInput struct {
	Query            string
	Response         string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Cache is the two-tier response cache. The exact tier answers repeated
// queries by fingerprint; the semantic tier answers paraphrases through
// vector search gated by an adaptive threshold. Tier failures degrade to
// misses rather than surfacing to callers.
type Cache struct {
	cfg      Config
	exact    ExactStore
	embedder embedding.Embedder
	pool     *vector.Pool
	tuner    *Tuner
	freq     *frequencyTracker
	logger   *slog.Logger

	// infoCache keeps Stats from hammering the vector store.
	infoCache *gocache.Cache

	lookups      atomic.Int64
	exactHits    atomic.Int64
	semanticHits atomic.Int64
	misses       atomic.Int64
	stores       atomic.Int64
	declined     atomic.Int64
	evictions    atomic.Int64

	now func() time.Time
}

// New assembles the cache. The pool may be nil, which disables the semantic
// tier entirely; the embedder is only consulted when the pool is set.
func New(cfg Config, exact ExactStore, embedder embedding.Embedder, pool *vector.Pool, logger *slog.Logger) *Cache {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.EvictionBatch <= 0 {
		cfg.EvictionBatch = def.EvictionBatch
	}
	if cfg.WorthyFloor <= 0 {
		cfg.WorthyFloor = def.WorthyFloor
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = def.MinTTL
	}
	if cfg.BaseTTL <= 0 {
		cfg.BaseTTL = def.BaseTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	if cfg.InfoTTL <= 0 {
		cfg.InfoTTL = def.InfoTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")

	return &Cache{
		cfg:       cfg,
		exact:     exact,
		embedder:  embedder,
		pool:      pool,
		tuner:     NewTuner(cfg.Tuner, logger),
		freq:      newFrequencyTracker(2 * cfg.MaxSize),
		logger:    logger,
		infoCache: gocache.New(cfg.InfoTTL, 2*cfg.InfoTTL),
		now:       time.Now,
	}
}

// Threshold exposes the current semantic acceptance threshold.
func (c *Cache) Threshold() float64 {
	return c.tuner.Threshold()
}

// Lookup consults the selected tiers for an answer to query. The exact tier
// wins ties and skips embedding entirely. A false ok means miss; lookups
// never fail outward, they degrade.
func (c *Cache) Lookup(ctx context.Context, query string, opts LookupOptions) (*types.Entry, types.CacheKind, bool) {
	now := c.now()
	fp := Fingerprint(query)
	c.lookups.Add(1)
	c.freq.Observe(fp, now)

	semantic := opts.Semantic && c.pool != nil

	if opts.Exact && semantic {
		if entry, kind, ok := c.lookupParallel(ctx, query, fp, now, opts.ParallelTimeout); ok {
			return c.recordHit(entry, kind)
		}
		return c.recordMiss()
	}

	if opts.Exact {
		if entry, ok := c.lookupExact(ctx, fp, now); ok {
			return c.recordHit(entry, types.CacheKindExact)
		}
	}

	if semantic {
		if entry, ok := c.lookupSemantic(ctx, query, now); ok {
			return c.recordHit(entry, types.CacheKindSemantic)
		}
	}

	return c.recordMiss()
}

// lookupParallel races the two tiers. The exact probe runs inline; the
// semantic search runs in a goroutine against a derived context that an
// exact hit cancels, so a winning fingerprint match never waits on the
// embedder or the vector store. On an exact miss the lookup blocks until
// the semantic result, the timeout, or ctx, whichever comes first.
func (c *Cache) lookupParallel(ctx context.Context, query, fp string, now time.Time, timeout time.Duration) (*types.Entry, types.CacheKind, bool) {
	var (
		semCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		semCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		semCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type semResult struct {
		entry *types.Entry
		ok    bool
	}
	semCh := make(chan semResult, 1)
	go func() {
		entry, ok := c.lookupSemantic(semCtx, query, now)
		semCh <- semResult{entry: entry, ok: ok}
	}()

	if entry, ok := c.lookupExact(ctx, fp, now); ok {
		return entry, types.CacheKindExact, true
	}

	select {
	case res := <-semCh:
		if res.ok {
			return res.entry, types.CacheKindSemantic, true
		}
	case <-semCtx.Done():
	}
	return nil, types.CacheKindNone, false
}

func (c *Cache) recordHit(entry *types.Entry, kind types.CacheKind) (*types.Entry, types.CacheKind, bool) {
	switch kind {
	case types.CacheKindExact:
		c.exactHits.Add(1)
	case types.CacheKindSemantic:
		c.semanticHits.Add(1)
	}
	c.tuner.Observe(kind)
	metrics.CacheLookups.WithLabelValues(string(kind)).Inc()
	return entry, kind, true
}

func (c *Cache) recordMiss() (*types.Entry, types.CacheKind, bool) {
	c.misses.Add(1)
	c.tuner.Observe(types.CacheKindNone)
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	return nil, types.CacheKindNone, false
}

// lookupExact reads the exact tier, expiring lazily. Store failures read as
// misses.
func (c *Cache) lookupExact(ctx context.Context, fp string, now time.Time) (*types.Entry, bool) {
	entry, ok, err := c.exact.Get(ctx, fp)
	if err != nil {
		c.logger.Warn("exact tier read failed, treating as miss", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if entry.Expired(now) {
		if err := c.exact.Delete(ctx, fp); err != nil {
			c.logger.Debug("lazy expiry delete failed", "fingerprint", fp, "error", err)
		}
		return nil, false
	}

	entry.Touch(now)
	if err := c.exact.Put(ctx, entry); err != nil {
		c.logger.Debug("access bump write failed", "fingerprint", fp, "error", err)
	}
	return entry, true
}

// lookupSemantic embeds the query and searches the vector store for the
// nearest neighbour above the current threshold. Every failure on the way
// degrades to a miss.
func (c *Cache) lookupSemantic(ctx context.Context, query string, now time.Time) (*types.Entry, bool) {
	vec, err := c.embedder.Embed(ctx, Normalize(query))
	if err != nil {
		c.logTierSkip(ctx, "embedding failed, semantic tier skipped", err)
		return nil, false
	}

	handle, store, err := c.pool.Acquire(ctx)
	if err != nil {
		c.logTierSkip(ctx, "vector pool acquire failed, semantic tier skipped", err)
		return nil, false
	}
	hits, err := store.Search(ctx, vec, 1, c.tuner.Threshold())
	c.pool.Release(handle)
	if err != nil {
		c.logTierSkip(ctx, "vector search failed, treating as miss", err)
		return nil, false
	}
	if len(hits) == 0 {
		return nil, false
	}

	entry := hits[0].Entry
	if entry.Expired(now) {
		c.removeEverywhere(ctx, entry.Fingerprint)
		return nil, false
	}

	entry.Touch(now)
	if err := c.exact.Put(ctx, &entry); err != nil {
		c.logger.Debug("access bump write failed", "fingerprint", entry.Fingerprint, "error", err)
	}
	c.logger.Debug("semantic hit",
		"fingerprint", entry.Fingerprint,
		"score", hits[0].Score,
		"threshold", c.tuner.Threshold())
	return &entry, true
}

// logTierSkip keeps tier degradation visible without turning routine
// cancellation into noise. A parallel lookup cancels the semantic tier on
// every exact hit, so context errors log at debug.
func (c *Cache) logTierSkip(ctx context.Context, msg string, err error) {
	if ctx.Err() != nil {
		c.logger.Debug(msg, "error", err)
		return
	}
	c.logger.Warn(msg, "error", err)
}

// Store admits an upstream answer into both tiers. Low-value responses for
// one-off queries are declined, which is not an error. A nil return with no
// stored entry therefore means the admission rules said no.
func (c *Cache) Store(ctx context.Context, in StoreInput) error {
	now := c.now()
	fp := Fingerprint(in.Query)
	freq := c.freq.Count(fp)

	estTokens := in.CompletionTokens
	if estTokens <= 0 {
		estTokens = tokenizer.CountTextTokens(in.Model, in.Response)
	}
	if estTokens < c.cfg.WorthyFloor && freq < 2 {
		c.declined.Add(1)
		metrics.CacheStores.WithLabelValues("declined").Inc()
		c.logger.Debug("store declined",
			"fingerprint", fp,
			"estimated_tokens", estTokens,
			"frequency", freq)
		return nil
	}

	if err := c.evictIfFull(ctx, now); err != nil {
		c.logger.Warn("eviction pass failed", "error", err)
	}

	entry := &types.Entry{
		Fingerprint:      fp,
		Query:            in.Query,
		Response:         in.Response,
		Provider:         in.Provider,
		Model:            in.Model,
		PromptTokens:     in.PromptTokens,
		CompletionTokens: in.CompletionTokens,
		CreatedAt:        now,
		LastAccessed:     now,
		AccessCount:      1,
		TTLSeconds:       int64(c.ttlFor(freq) / time.Second),
	}

	if c.pool != nil {
		vec, err := c.embedder.Embed(ctx, Normalize(in.Query))
		if err != nil {
			// The exact tier still gets the entry.
			c.logger.Warn("embedding failed, storing exact tier only", "error", err)
		} else {
			entry.Embedding = vec
		}
	}

	if err := c.exact.Put(ctx, entry); err != nil {
		metrics.CacheStores.WithLabelValues("failed").Inc()
		return errors.NewCacheFault("exact tier write failed", err)
	}

	if c.pool != nil && entry.Embedding != nil {
		c.upsertVector(ctx, entry)
	}

	c.stores.Add(1)
	metrics.CacheStores.WithLabelValues("stored").Inc()
	return nil
}

// upsertVector mirrors the entry into the vector store. Failures are logged
// and swallowed; the exact tier already holds the entry.
func (c *Cache) upsertVector(ctx context.Context, entry *types.Entry) {
	handle, store, err := c.pool.Acquire(ctx)
	if err != nil {
		c.logger.Warn("vector pool acquire failed, entry not mirrored", "fingerprint", entry.Fingerprint, "error", err)
		return
	}
	defer c.pool.Release(handle)

	err = store.Upsert(ctx, vector.Point{
		ID:      entry.Fingerprint,
		Vector:  entry.Embedding,
		Payload: *entry,
	})
	if err != nil {
		c.logger.Warn("vector upsert failed", "fingerprint", entry.Fingerprint, "error", err)
	}
}

// ttlFor maps observed query frequency onto a TTL tier. Hot queries live
// longer.
func (c *Cache) ttlFor(freq int64) time.Duration {
	switch {
	case freq <= 1:
		return c.cfg.MinTTL
	case freq <= 4:
		return c.cfg.BaseTTL
	case freq <= 9:
		return 2 * c.cfg.BaseTTL
	default:
		return c.cfg.MaxTTL
	}
}

// evictIfFull removes one batch of entries when the population is at the
// cap, scored by access frequency blended with recency. Ties evict the
// older entry.
func (c *Cache) evictIfFull(ctx context.Context, now time.Time) error {
	size, err := c.exact.Len(ctx)
	if err != nil {
		return err
	}
	if size < c.cfg.MaxSize {
		return nil
	}

	entries, err := c.exact.Snapshot(ctx)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		si, sj := entries[i].EvictionScore(now), entries[j].EvictionScore(now)
		if si != sj {
			return si < sj
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	batch := c.cfg.EvictionBatch
	if batch > len(entries) {
		batch = len(entries)
	}
	victims := make([]string, batch)
	for i := 0; i < batch; i++ {
		victims[i] = entries[i].Fingerprint
	}

	if err := c.exact.Delete(ctx, victims...); err != nil {
		return err
	}
	c.deleteVectors(ctx, victims)

	c.evictions.Add(int64(batch))
	metrics.CacheEvictions.Add(float64(batch))
	c.logger.Info("evicted cache entries", "count", batch, "population", size)
	return nil
}

// removeEverywhere drops a fingerprint from both tiers, best effort.
func (c *Cache) removeEverywhere(ctx context.Context, fp string) {
	if err := c.exact.Delete(ctx, fp); err != nil {
		c.logger.Debug("exact delete failed", "fingerprint", fp, "error", err)
	}
	c.deleteVectors(ctx, []string{fp})
}

// deleteVectors removes points from the vector store, best effort.
func (c *Cache) deleteVectors(ctx context.Context, fps []string) {
	if c.pool == nil || len(fps) == 0 {
		return
	}
	handle, store, err := c.pool.Acquire(ctx)
	if err != nil {
		c.logger.Warn("vector pool acquire failed, points not deleted", "error", err)
		return
	}
	defer c.pool.Release(handle)

	if err := store.Delete(ctx, fps...); err != nil {
		c.logger.Warn("vector delete failed", "error", err)
	}
}

// Invalidate removes one entry from both tiers.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	if err := c.exact.Delete(ctx, fingerprint); err != nil {
		return errors.NewCacheFault("invalidate failed", err)
	}
	c.deleteVectors(ctx, []string{fingerprint})
	return nil
}

// Clear empties both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.exact.Clear(ctx); err != nil {
		return errors.NewCacheFault("clear failed", err)
	}
	if c.pool != nil {
		handle, store, err := c.pool.Acquire(ctx)
		if err != nil {
			return errors.NewCacheFault("vector pool acquire failed", err)
		}
		defer c.pool.Release(handle)
		if err := store.Clear(ctx); err != nil {
			return errors.NewCacheFault("vector clear failed", err)
		}
	}
	return nil
}

// Stats snapshots the cache counters. Vector-store info is served through a
// short-TTL cache so hot polling does not reach the store every time.
func (c *Cache) Stats(ctx context.Context) types.CacheStats {
	stats := types.CacheStats{
		Lookups:      c.lookups.Load(),
		ExactHits:    c.exactHits.Load(),
		SemanticHits: c.semanticHits.Load(),
		Misses:       c.misses.Load(),
		Stores:       c.stores.Load(),
		Declined:     c.declined.Load(),
		Evictions:    c.evictions.Load(),
		Threshold:    c.tuner.Threshold(),
	}
	if stats.Lookups > 0 {
		stats.HitRate = float64(stats.ExactHits+stats.SemanticHits) / float64(stats.Lookups)
	}

	if size, err := c.exact.Len(ctx); err == nil {
		stats.Entries = size
		metrics.CacheEntries.Set(float64(size))
	}

	if info := c.vectorInfo(ctx); info != nil {
		stats.VectorCount = info.VectorCount
		stats.VectorStatus = info.Status
	}
	return stats
}

func (c *Cache) vectorInfo(ctx context.Context) *vector.Info {
	if c.pool == nil {
		return nil
	}
	if cached, ok := c.infoCache.Get(infoCacheKey); ok {
		return cached.(*vector.Info)
	}

	handle, store, err := c.pool.Acquire(ctx)
	if err != nil {
		c.logger.Debug("vector pool acquire failed for stats", "error", err)
		return nil
	}
	defer c.pool.Release(handle)

	info, err := store.Info(ctx)
	if err != nil {
		c.logger.Debug("vector info failed", "error", err)
		return nil
	}
	c.infoCache.Set(infoCacheKey, info, gocache.DefaultExpiration)
	return info
}

// Close releases the exact tier. The pool and embedder belong to the caller.
func (c *Cache) Close() error {
	return c.exact.Close()
}
