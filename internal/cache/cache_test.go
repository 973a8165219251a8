package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blueberrycongee/semcache/internal/pool"
	"github.com/blueberrycongee/semcache/internal/vector"
	"github.com/blueberrycongee/semcache/pkg/errors"
	"github.com/blueberrycongee/semcache/pkg/types"
)

// stubEmbedder returns canned vectors keyed by normalized text so tests can
// stage exact similarity scores. Unknown texts map to a vector orthogonal to
// everything staged.
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   atomic.Int64
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if vec, ok := s.vectors[text]; ok {
		return vec, nil
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }
func (s *stubEmbedder) Model() string  { return "stub" }

type cacheHarness struct {
	cache *Cache
	exact *MemoryStore
	vecs  *vector.Memory
	emb   *stubEmbedder
}

// newTestCache wires a cache over an in-process exact tier and a single
// shared in-memory vector store behind the pool, so tests can inspect both
// tiers directly.
func newTestCache(t *testing.T, cfg Config, emb *stubEmbedder) *cacheHarness {
	t.Helper()

	vecs := vector.NewMemory()
	p, err := vector.NewPool(func(context.Context) (vector.Store, error) {
		return vecs, nil
	}, pool.Config{
		MinSize:        1,
		MaxSize:        2,
		AcquireTimeout: time.Second,
		JanitorPeriod:  time.Hour,
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	exact := NewMemoryStore(MemoryStoreConfig{CleanupInterval: time.Hour})
	c := New(cfg, exact, emb, p, discardLogger())
	t.Cleanup(func() {
		c.Close()
		p.Close()
	})
	return &cacheHarness{cache: c, exact: exact, vecs: vecs, emb: emb}
}

const (
	franceQuery      = "What is the capital of France?"
	franceParaphrase = "capital city of France?"
)

// franceEmbedder stages a paraphrase at cosine 0.96 against the stored query.
func franceEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{
		Normalize(franceQuery):      {1, 0, 0},
		Normalize(franceParaphrase): {0.96, 0.28, 0},
	}}
}

func worthyInput(query, response string) StoreInput {
	return StoreInput{
		Query:            query,
		Response:         response,
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		PromptTokens:     10,
		CompletionTokens: 200,
	}
}

func TestCacheExactHitAcrossQueryVariants(t *testing.T) {
	h := newTestCache(t, Config{}, franceEmbedder())
	ctx := context.Background()

	if err := h.cache.Store(ctx, worthyInput(franceQuery, "Paris")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	entry, kind, ok := h.cache.Lookup(ctx, "  WHAT is   the capital of France?  ", LookupOptions{Exact: true})
	if !ok {
		t.Fatal("Lookup() = miss, want exact hit on normalized variant")
	}
	if kind != types.CacheKindExact {
		t.Errorf("Lookup() kind = %q, want %q", kind, types.CacheKindExact)
	}
	if entry.Response != "Paris" {
		t.Errorf("Lookup() response = %q, want %q", entry.Response, "Paris")
	}
	if entry.AccessCount != 2 {
		t.Errorf("AccessCount = %d, want 2 after first read", entry.AccessCount)
	}

	// The exact tier answers by fingerprint alone, never through the
	// embedder.
	if got := h.emb.calls.Load(); got != 1 {
		t.Errorf("embedder calls = %d, want 1 (store only)", got)
	}

	// Access bumps persist.
	entry, _, ok = h.cache.Lookup(ctx, franceQuery, LookupOptions{Exact: true})
	if !ok || entry.AccessCount != 3 {
		t.Errorf("second read AccessCount = %d, want 3", entry.AccessCount)
	}
}

func TestCacheSemanticHit(t *testing.T) {
	h := newTestCache(t, Config{}, franceEmbedder())
	ctx := context.Background()

	if err := h.cache.Store(ctx, worthyInput(franceQuery, "Paris")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	entry, kind, ok := h.cache.Lookup(ctx, franceParaphrase, LookupOptions{Exact: true, Semantic: true})
	if !ok {
		t.Fatal("Lookup() = miss, want semantic hit at score 0.96")
	}
	if kind != types.CacheKindSemantic {
		t.Errorf("Lookup() kind = %q, want %q", kind, types.CacheKindSemantic)
	}
	if entry.Query != franceQuery {
		t.Errorf("hit carries query %q, want the stored original %q", entry.Query, franceQuery)
	}
	if entry.Response != "Paris" {
		t.Errorf("Lookup() response = %q, want %q", entry.Response, "Paris")
	}

	// A semantic hit repopulates the exact tier under the stored
	// fingerprint, so the next identical paraphrase of the original is
	// still one vector search but the original itself is now O(1).
	stored, ok, err := h.exact.Get(ctx, Fingerprint(franceQuery))
	if err != nil || !ok {
		t.Fatalf("exact tier lost the entry after semantic hit: ok=%v err=%v", ok, err)
	}
	if stored.AccessCount != 2 {
		t.Errorf("stored AccessCount = %d, want 2 after semantic read", stored.AccessCount)
	}
}

func TestCacheSemanticMissBelowThreshold(t *testing.T) {
	emb := franceEmbedder()
	emb.vectors[Normalize("nearby but not close enough")] = []float32{0.5, 0.866, 0}
	h := newTestCache(t, Config{}, emb)
	ctx := context.Background()

	if err := h.cache.Store(ctx, worthyInput(franceQuery, "Paris")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	for _, query := range []string{"how do magnets work", "nearby but not close enough"} {
		_, kind, ok := h.cache.Lookup(ctx, query, LookupOptions{Exact: true, Semantic: true})
		if ok {
			t.Errorf("Lookup(%q) = hit, want miss below threshold", query)
		}
		if kind != types.CacheKindNone {
			t.Errorf("Lookup(%q) kind = %q, want %q", query, kind, types.CacheKindNone)
		}
	}
}

func TestCacheStoreAdmission(t *testing.T) {
	h := newTestCache(t, Config{}, &stubEmbedder{})
	ctx := context.Background()

	short := worthyInput("what time is it", "late")
	short.CompletionTokens = 10

	// A low-value answer to a one-off query is declined.
	if err := h.cache.Store(ctx, short); err != nil {
		t.Fatalf("Store() error = %v, want declined-but-nil", err)
	}
	if n, _ := h.exact.Len(ctx); n != 0 {
		t.Fatalf("declined store still wrote %d entries", n)
	}
	if got := h.cache.Stats(ctx).Declined; got != 1 {
		t.Errorf("Stats().Declined = %d, want 1", got)
	}

	// Two observed lookups make the query recurring; the same low-value
	// answer is then admitted.
	h.cache.Lookup(ctx, short.Query, LookupOptions{Exact: true})
	h.cache.Lookup(ctx, short.Query, LookupOptions{Exact: true})
	if err := h.cache.Store(ctx, short); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if n, _ := h.exact.Len(ctx); n != 1 {
		t.Errorf("recurring low-value store wrote %d entries, want 1", n)
	}

	// A long answer is admitted on first sight.
	if err := h.cache.Store(ctx, worthyInput("explain raft", "a long consensus answer")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if n, _ := h.exact.Len(ctx); n != 2 {
		t.Errorf("worthy store wrote %d entries, want 2", n)
	}

	stats := h.cache.Stats(ctx)
	if stats.Stores != 2 || stats.Declined != 1 {
		t.Errorf("Stats() stores=%d declined=%d, want 2 and 1", stats.Stores, stats.Declined)
	}
}

func TestCacheTTLFollowsFrequency(t *testing.T) {
	h := newTestCache(t, Config{}, &stubEmbedder{})
	ctx := context.Background()

	tests := []struct {
		lookups    int
		wantTTLSec int64
	}{
		{0, 3600},    // cold: MinTTL
		{2, 21600},   // warm: BaseTTL
		{5, 43200},   // hot: 2x BaseTTL
		{10, 604800}, // recurring: MaxTTL
	}

	for _, tt := range tests {
		query := fmt.Sprintf("ttl tier query %d", tt.lookups)
		for i := 0; i < tt.lookups; i++ {
			h.cache.Lookup(ctx, query, LookupOptions{Exact: true})
		}
		if err := h.cache.Store(ctx, worthyInput(query, "answer")); err != nil {
			t.Fatalf("Store(%q) error = %v", query, err)
		}

		entry, ok, err := h.exact.Get(ctx, Fingerprint(query))
		if err != nil || !ok {
			t.Fatalf("entry for %q not stored: ok=%v err=%v", query, ok, err)
		}
		if entry.TTLSeconds != tt.wantTTLSec {
			t.Errorf("TTL after %d lookups = %ds, want %ds", tt.lookups, entry.TTLSeconds, tt.wantTTLSec)
		}
	}
}

func TestCacheLazyExpiry(t *testing.T) {
	h := newTestCache(t, Config{}, &stubEmbedder{})
	ctx := context.Background()

	base := time.Now()
	current := base
	h.cache.now = func() time.Time { return current }

	if err := h.cache.Store(ctx, worthyInput("ephemeral question", "answer")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// Still live just inside the one-hour cold TTL.
	current = base.Add(59 * time.Minute)
	if _, _, ok := h.cache.Lookup(ctx, "ephemeral question", LookupOptions{Exact: true}); !ok {
		t.Fatal("Lookup() = miss before expiry, want hit")
	}

	// The read above reset LastAccessed but not CreatedAt; TTL runs from
	// creation.
	current = base.Add(2 * time.Hour)
	if _, _, ok := h.cache.Lookup(ctx, "ephemeral question", LookupOptions{Exact: true}); ok {
		t.Fatal("Lookup() = hit after expiry, want miss")
	}
	if _, ok, _ := h.exact.Get(ctx, Fingerprint("ephemeral question")); ok {
		t.Error("expired entry not removed on read")
	}
}

func TestCacheSemanticExpiryRemovesBothTiers(t *testing.T) {
	h := newTestCache(t, Config{}, franceEmbedder())
	ctx := context.Background()

	base := time.Now()
	current := base
	h.cache.now = func() time.Time { return current }

	if err := h.cache.Store(ctx, worthyInput(franceQuery, "Paris")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	current = base.Add(2 * time.Hour)
	if _, _, ok := h.cache.Lookup(ctx, franceParaphrase, LookupOptions{Semantic: true}); ok {
		t.Fatal("Lookup() = hit on expired entry via semantic tier, want miss")
	}

	fp := Fingerprint(franceQuery)
	if _, ok, _ := h.exact.Get(ctx, fp); ok {
		t.Error("expired entry still in exact tier")
	}
	if _, ok, _ := h.vecs.Get(ctx, fp); ok {
		t.Error("expired entry still in vector store")
	}
}

func TestCacheEvictionAtCapacity(t *testing.T) {
	h := newTestCache(t, Config{MaxSize: 3, EvictionBatch: 2}, &stubEmbedder{})
	ctx := context.Background()

	base := time.Now()
	current := base
	h.cache.now = func() time.Time { return current }

	for i, query := range []string{"query a", "query b", "query c"} {
		current = base.Add(time.Duration(i) * time.Minute)
		if err := h.cache.Store(ctx, worthyInput(query, "answer")); err != nil {
			t.Fatalf("Store(%q) error = %v", query, err)
		}
	}

	// Reading c lifts its score well above a and b.
	current = base.Add(150 * time.Second)
	if _, _, ok := h.cache.Lookup(ctx, "query c", LookupOptions{Exact: true}); !ok {
		t.Fatal("Lookup(query c) = miss, want hit")
	}

	// The population is at MaxSize, so this store first evicts the two
	// lowest-scoring entries.
	current = base.Add(3 * time.Minute)
	if err := h.cache.Store(ctx, worthyInput("query d", "answer")); err != nil {
		t.Fatalf("Store(query d) error = %v", err)
	}

	for _, gone := range []string{"query a", "query b"} {
		fp := Fingerprint(gone)
		if _, ok, _ := h.exact.Get(ctx, fp); ok {
			t.Errorf("%q survived eviction in exact tier", gone)
		}
		if _, ok, _ := h.vecs.Get(ctx, fp); ok {
			t.Errorf("%q survived eviction in vector store", gone)
		}
	}
	for _, kept := range []string{"query c", "query d"} {
		if _, ok, _ := h.exact.Get(ctx, Fingerprint(kept)); !ok {
			t.Errorf("%q evicted, want kept", kept)
		}
	}
	if got := h.cache.Stats(ctx).Evictions; got != 2 {
		t.Errorf("Stats().Evictions = %d, want 2", got)
	}
}

type failingExactStore struct{}

func (failingExactStore) Get(context.Context, string) (*types.Entry, bool, error) {
	return nil, false, fmt.Errorf("store offline")
}
func (failingExactStore) Put(context.Context, *types.Entry) error { return fmt.Errorf("store offline") }
func (failingExactStore) Delete(context.Context, ...string) error { return fmt.Errorf("store offline") }
func (failingExactStore) Clear(context.Context) error             { return fmt.Errorf("store offline") }
func (failingExactStore) Len(context.Context) (int, error)        { return 0, fmt.Errorf("store offline") }
func (failingExactStore) Snapshot(context.Context) ([]*types.Entry, error) {
	return nil, fmt.Errorf("store offline")
}
func (failingExactStore) Close() error { return nil }

func TestCacheExactTierFailureDegrades(t *testing.T) {
	c := New(Config{}, failingExactStore{}, &stubEmbedder{}, nil, discardLogger())
	ctx := context.Background()

	if _, _, ok := c.Lookup(ctx, "any question", LookupOptions{Exact: true}); ok {
		t.Error("Lookup() = hit from a failing store")
	}

	// Stores cannot degrade: the exact tier is the cache.
	err := c.Store(ctx, worthyInput("any question", "answer"))
	if err == nil {
		t.Fatal("Store() error = nil, want cache fault")
	}
	if !errors.IsKind(err, errors.KindCacheFault) {
		t.Errorf("Store() error kind = %v, want %v", errors.KindOf(err), errors.KindCacheFault)
	}
}

func TestCacheEmbedderFailureStoresExactOnly(t *testing.T) {
	h := newTestCache(t, Config{}, &stubEmbedder{err: fmt.Errorf("embedder down")})
	ctx := context.Background()

	if err := h.cache.Store(ctx, worthyInput(franceQuery, "Paris")); err != nil {
		t.Fatalf("Store() error = %v, want exact-only fallback", err)
	}

	if _, _, ok := h.cache.Lookup(ctx, franceQuery, LookupOptions{Exact: true}); !ok {
		t.Error("Lookup() exact = miss, want hit despite embedder outage")
	}
	if _, _, ok := h.cache.Lookup(ctx, franceParaphrase, LookupOptions{Semantic: true}); ok {
		t.Error("Lookup() semantic = hit with a failing embedder")
	}

	info, err := h.vecs.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.VectorCount != 0 {
		t.Errorf("vector store holds %d points, want 0 without embeddings", info.VectorCount)
	}
}

func TestCacheVectorPoolFailureSkipsSemantic(t *testing.T) {
	p, err := vector.NewPool(func(context.Context) (vector.Store, error) {
		return nil, fmt.Errorf("vector store unreachable")
	}, pool.Config{MaxSize: 1, AcquireTimeout: 50 * time.Millisecond, JanitorPeriod: time.Hour}, discardLogger())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer p.Close()

	exact := NewMemoryStore(MemoryStoreConfig{CleanupInterval: time.Hour})
	c := New(Config{}, exact, franceEmbedder(), p, discardLogger())
	defer c.Close()
	ctx := context.Background()

	if err := c.Store(ctx, worthyInput(franceQuery, "Paris")); err != nil {
		t.Fatalf("Store() error = %v, want mirror failure swallowed", err)
	}
	if _, _, ok := c.Lookup(ctx, franceQuery, LookupOptions{Exact: true}); !ok {
		t.Error("Lookup() exact = miss, want hit despite vector outage")
	}
	if _, _, ok := c.Lookup(ctx, franceParaphrase, LookupOptions{Semantic: true}); ok {
		t.Error("Lookup() semantic = hit with an unreachable vector store")
	}
}

func TestCacheNilPoolDisablesSemanticTier(t *testing.T) {
	emb := &stubEmbedder{}
	exact := NewMemoryStore(MemoryStoreConfig{CleanupInterval: time.Hour})
	c := New(Config{}, exact, emb, nil, discardLogger())
	defer c.Close()
	ctx := context.Background()

	if err := c.Store(ctx, worthyInput("standalone question", "answer")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if _, _, ok := c.Lookup(ctx, "a paraphrase of it", LookupOptions{Exact: true, Semantic: true}); ok {
		t.Error("Lookup() = semantic hit without a vector pool")
	}
	if _, _, ok := c.Lookup(ctx, "standalone question", LookupOptions{Exact: true}); !ok {
		t.Error("Lookup() exact = miss, want hit")
	}
	if got := emb.calls.Load(); got != 0 {
		t.Errorf("embedder calls = %d, want 0 with semantic tier disabled", got)
	}
}

func TestCacheStatsAccounting(t *testing.T) {
	h := newTestCache(t, Config{InfoTTL: time.Minute}, franceEmbedder())
	ctx := context.Background()

	if err := h.cache.Store(ctx, worthyInput(franceQuery, "Paris")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	h.cache.Lookup(ctx, franceQuery, LookupOptions{Exact: true})
	h.cache.Lookup(ctx, franceParaphrase, LookupOptions{Exact: true, Semantic: true})
	h.cache.Lookup(ctx, "how do magnets work", LookupOptions{Exact: true, Semantic: true})
	h.cache.Lookup(ctx, "why is the sky blue", LookupOptions{Exact: true, Semantic: true})

	short := worthyInput("what time is it", "late")
	short.CompletionTokens = 10
	if err := h.cache.Store(ctx, short); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	stats := h.cache.Stats(ctx)
	if stats.Lookups != 4 || stats.ExactHits != 1 || stats.SemanticHits != 1 || stats.Misses != 2 {
		t.Errorf("Stats() = lookups=%d exact=%d semantic=%d misses=%d, want 4/1/1/2",
			stats.Lookups, stats.ExactHits, stats.SemanticHits, stats.Misses)
	}
	if stats.Lookups != stats.ExactHits+stats.SemanticHits+stats.Misses {
		t.Error("lookup identity violated")
	}
	if stats.HitRate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", stats.HitRate)
	}
	if stats.Stores != 1 || stats.Declined != 1 {
		t.Errorf("stores=%d declined=%d, want 1 and 1", stats.Stores, stats.Declined)
	}
	if stats.Entries != 1 {
		t.Errorf("Entries = %d, want 1", stats.Entries)
	}
	if stats.Threshold != 0.85 {
		t.Errorf("Threshold = %v, want initial 0.85", stats.Threshold)
	}
	if stats.VectorCount != 1 || stats.VectorStatus != "green" {
		t.Errorf("vector info = %d/%q, want 1/green", stats.VectorCount, stats.VectorStatus)
	}

	// Vector info is served from a short-lived snapshot, not re-fetched on
	// every poll.
	h.vecs.Upsert(ctx, vector.Point{ID: "extra", Vector: []float32{0, 1, 0}})
	if got := h.cache.Stats(ctx).VectorCount; got != 1 {
		t.Errorf("VectorCount = %d immediately after change, want cached 1", got)
	}
}

func TestCacheInvalidateAndClear(t *testing.T) {
	h := newTestCache(t, Config{}, franceEmbedder())
	ctx := context.Background()

	if err := h.cache.Store(ctx, worthyInput(franceQuery, "Paris")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := h.cache.Store(ctx, worthyInput("explain raft", "consensus")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	fp := Fingerprint(franceQuery)
	if err := h.cache.Invalidate(ctx, fp); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, ok, _ := h.exact.Get(ctx, fp); ok {
		t.Error("invalidated entry still in exact tier")
	}
	if _, ok, _ := h.vecs.Get(ctx, fp); ok {
		t.Error("invalidated entry still in vector store")
	}
	if _, ok, _ := h.exact.Get(ctx, Fingerprint("explain raft")); !ok {
		t.Error("unrelated entry lost on invalidate")
	}

	if err := h.cache.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n, _ := h.exact.Len(ctx); n != 0 {
		t.Errorf("exact tier holds %d entries after clear", n)
	}
	info, err := h.vecs.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.VectorCount != 0 {
		t.Errorf("vector store holds %d points after clear", info.VectorCount)
	}
}

// stallEmbedder blocks every Embed call until its context is cancelled,
// standing in for a slow embedding backend.
type stallEmbedder struct{}

func (stallEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (stallEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (stallEmbedder) Dimension() int { return 3 }
func (stallEmbedder) Model() string  { return "stall" }

func newStalledCache(t *testing.T) *Cache {
	t.Helper()

	p, err := vector.NewPool(func(context.Context) (vector.Store, error) {
		return vector.NewMemory(), nil
	}, pool.Config{
		MinSize:        1,
		MaxSize:        2,
		AcquireTimeout: time.Second,
		JanitorPeriod:  time.Hour,
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	exact := NewMemoryStore(MemoryStoreConfig{CleanupInterval: time.Hour})
	c := New(Config{}, exact, stallEmbedder{}, p, discardLogger())
	t.Cleanup(func() {
		c.Close()
		p.Close()
	})
	return c
}

func TestCacheParallelLookupExactHitDoesNotWait(t *testing.T) {
	c := newStalledCache(t)
	ctx := context.Background()

	// The stalled embedder blocks until its context expires, so the store
	// degrades to the exact tier only. That is exactly the state this test
	// needs.
	sctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := c.Store(sctx, worthyInput(franceQuery, "Paris")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	start := time.Now()
	entry, kind, ok := c.Lookup(ctx, franceQuery, LookupOptions{
		Exact:           true,
		Semantic:        true,
		ParallelTimeout: 5 * time.Second,
	})
	if !ok || kind != types.CacheKindExact {
		t.Fatalf("Lookup() = %v, %v, %v, want exact hit", entry, kind, ok)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("exact hit took %v, blocked on the semantic tier", elapsed)
	}
}

func TestCacheParallelLookupMissBoundedByTimeout(t *testing.T) {
	c := newStalledCache(t)
	ctx := context.Background()

	start := time.Now()
	_, kind, ok := c.Lookup(ctx, "never stored", LookupOptions{
		Exact:           true,
		Semantic:        true,
		ParallelTimeout: 30 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if ok || kind != types.CacheKindNone {
		t.Fatalf("Lookup() = %v, %v, want miss", kind, ok)
	}
	if elapsed > time.Second {
		t.Errorf("miss took %v, timeout did not bound the semantic wait", elapsed)
	}
}

func TestCacheParallelLookupSemanticHit(t *testing.T) {
	h := newTestCache(t, Config{}, franceEmbedder())
	ctx := context.Background()

	if err := h.cache.Store(ctx, worthyInput(franceQuery, "Paris")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	entry, kind, ok := h.cache.Lookup(ctx, franceParaphrase, LookupOptions{
		Exact:           true,
		Semantic:        true,
		ParallelTimeout: 5 * time.Second,
	})
	if !ok || kind != types.CacheKindSemantic {
		t.Fatalf("Lookup(paraphrase) = %v, %v, want semantic hit", kind, ok)
	}
	if entry.Response != "Paris" {
		t.Errorf("Response = %q, want %q", entry.Response, "Paris")
	}
}
