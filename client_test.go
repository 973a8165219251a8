package semcache

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blueberrycongee/semcache/internal/cache"
	"github.com/blueberrycongee/semcache/internal/pool"
	"github.com/blueberrycongee/semcache/internal/resilience"
	"github.com/blueberrycongee/semcache/internal/vector"
	"github.com/blueberrycongee/semcache/pkg/errors"
	"github.com/blueberrycongee/semcache/pkg/provider"
)

const (
	franceQuery      = "What is the capital of France?"
	franceVariant    = "  what IS the capital of France?  "
	franceParaphrase = "Which city is France's capital?"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider returns canned results. errs entries are consumed one per
// call before failAll applies; a nil entry means success.
type stubProvider struct {
	name    string
	model   string
	content string
	failAll error
	delay   time.Duration

	mu   sync.Mutex
	errs []error

	calls atomic.Int64
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.Result, error) {
	s.calls.Add(1)

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, errors.NewCancelled(ctx.Err())
		}
	}

	s.mu.Lock()
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	} else {
		err = s.failAll
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = s.model
	}
	return &provider.Result{
		Content:          s.content,
		Model:            model,
		PromptTokens:     10,
		CompletionTokens: 3,
	}, nil
}

// stubEmbedder returns canned vectors keyed by normalized text. Unknown
// texts map to a vector orthogonal to everything staged.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
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
func (s *stubEmbedder) Model() string  { return "stub-embedder" }

// franceEmbedder stages the paraphrase at cosine 0.96 against the stored
// query, above the default threshold.
func franceEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{
		cache.Normalize(franceQuery):      {1, 0, 0},
		cache.Normalize(franceParaphrase): {0.96, 0.28, 0},
	}}
}

// admitEverything lowers the admission floor so the short canned answers
// in these tests are cache-worthy on first sight.
func admitEverything() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.WorthyFloor = 1
	return cfg
}

func singleAttemptRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  1,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Base:         2,
	}
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithLogger(quietLogger()),
		WithCacheConfig(admitEverything()),
		WithEmbeddingBatch(0, 0),
	}
	c, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// noCache disables both tiers so resilience tests measure dispatch
// behavior, not cache behavior.
func noCache(query string) *Request {
	return &Request{Query: query, UseExact: Bool(false), UseSemantic: Bool(false)}
}

func TestQueryColdMissThenExactAndSemanticHits(t *testing.T) {
	upstream := &stubProvider{name: "openai", model: "gpt-3.5-turbo", content: "Paris"}
	c := newTestClient(t,
		WithProviderInstance(upstream),
		WithEmbedder(franceEmbedder()),
	)
	ctx := context.Background()

	// Cold miss dispatches upstream and reports real cost.
	resp, err := c.Query(ctx, &Request{Query: franceQuery})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp.FromCache || resp.CacheKind != CacheKindNone {
		t.Errorf("cold query: FromCache=%v CacheKind=%q, want fresh dispatch", resp.FromCache, resp.CacheKind)
	}
	if resp.Content != "Paris" {
		t.Errorf("Content = %q, want %q", resp.Content, "Paris")
	}
	if resp.Provider != "openai" || resp.Model != "gpt-3.5-turbo" {
		t.Errorf("served by %s/%s, want openai/gpt-3.5-turbo", resp.Provider, resp.Model)
	}
	if resp.PromptTokens != 10 || resp.CompletionTokens != 3 || resp.TotalTokens != 13 {
		t.Errorf("tokens = %d/%d/%d, want 10/3/13", resp.PromptTokens, resp.CompletionTokens, resp.TotalTokens)
	}
	if resp.CostUSD <= 0 {
		t.Errorf("CostUSD = %v, want > 0 for an upstream call", resp.CostUSD)
	}

	// The identical question hits the exact tier.
	resp, err = c.Query(ctx, &Request{Query: franceQuery})
	if err != nil {
		t.Fatalf("Query(repeat) error = %v", err)
	}
	if !resp.FromCache || resp.CacheKind != CacheKindExact {
		t.Errorf("repeat: FromCache=%v CacheKind=%q, want exact hit", resp.FromCache, resp.CacheKind)
	}
	if resp.Content != "Paris" || resp.CostUSD != 0 {
		t.Errorf("repeat: Content=%q CostUSD=%v, want cached Paris at zero cost", resp.Content, resp.CostUSD)
	}

	// Case and whitespace shifts share the fingerprint.
	resp, err = c.Query(ctx, &Request{Query: franceVariant})
	if err != nil {
		t.Fatalf("Query(variant) error = %v", err)
	}
	if resp.CacheKind != CacheKindExact {
		t.Errorf("variant CacheKind = %q, want exact", resp.CacheKind)
	}

	// A paraphrase misses the exact tier and lands semantically.
	resp, err = c.Query(ctx, &Request{Query: franceParaphrase})
	if err != nil {
		t.Fatalf("Query(paraphrase) error = %v", err)
	}
	if !resp.FromCache || resp.CacheKind != CacheKindSemantic {
		t.Errorf("paraphrase: FromCache=%v CacheKind=%q, want semantic hit", resp.FromCache, resp.CacheKind)
	}
	if resp.Content != "Paris" {
		t.Errorf("paraphrase Content = %q, want %q", resp.Content, "Paris")
	}

	if got := upstream.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestQueryPerRequestTierControl(t *testing.T) {
	upstream := &stubProvider{name: "openai", model: "gpt-3.5-turbo", content: "Paris"}
	c := newTestClient(t,
		WithProviderInstance(upstream),
		WithEmbedder(franceEmbedder()),
	)
	ctx := context.Background()

	if _, err := c.Query(ctx, &Request{Query: franceQuery}); err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	// With the exact tier off, the identical question can only land
	// semantically.
	resp, err := c.Query(ctx, &Request{Query: franceQuery, UseExact: Bool(false)})
	if err != nil {
		t.Fatalf("Query(exact off) error = %v", err)
	}
	if resp.CacheKind != CacheKindSemantic {
		t.Errorf("exact off: CacheKind = %q, want semantic", resp.CacheKind)
	}

	// With both tiers off the dispatcher is consulted again.
	resp, err = c.Query(ctx, noCache(franceQuery))
	if err != nil {
		t.Fatalf("Query(no cache) error = %v", err)
	}
	if resp.FromCache {
		t.Error("no-cache request served from cache")
	}
	if got := upstream.calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestQueryFallsBackAfterRetriesExhausted(t *testing.T) {
	primary := &stubProvider{
		name:    "primary",
		model:   "gpt-3.5-turbo",
		failAll: errors.NewTimeout("primary", "gpt-3.5-turbo", "deadline exceeded"),
	}
	secondary := &stubProvider{name: "secondary", model: "gpt-3.5-turbo", content: "Paris"}
	c := newTestClient(t,
		WithProviderInstance(primary),
		WithProviderInstance(secondary),
		WithRetry(resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Base:         2,
		}),
	)

	resp, err := c.Query(context.Background(), noCache(franceQuery))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp.Provider != "secondary" {
		t.Errorf("Provider = %q, want secondary", resp.Provider)
	}
	if got := primary.calls.Load(); got != 3 {
		t.Errorf("primary attempts = %d, want 3 before falling back", got)
	}

	// Only the serving call is costed.
	entries := c.CostEntries()
	if len(entries) != 1 {
		t.Fatalf("cost entries = %d, want 1", len(entries))
	}
	if entries[0].Provider != "secondary" {
		t.Errorf("cost entry provider = %q, want secondary", entries[0].Provider)
	}
}

func TestQueryBreakerOpensAndRecovers(t *testing.T) {
	boom := errors.NewTimeout("primary", "gpt-3.5-turbo", "deadline exceeded")
	primary := &stubProvider{
		name:    "primary",
		model:   "gpt-3.5-turbo",
		content: "from primary",
		errs:    []error{boom, boom},
	}
	backup := &stubProvider{name: "backup", model: "gpt-3.5-turbo", content: "from backup"}
	c := newTestClient(t,
		WithProviderInstance(primary),
		WithProviderInstance(backup),
		WithRetry(singleAttemptRetry()),
		WithBreaker(resilience.BreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			RecoveryTimeout:  100 * time.Millisecond,
		}),
	)
	ctx := context.Background()

	// Two failures open the primary's breaker; the backup serves both.
	for i, q := range []string{"first question", "second question"} {
		resp, err := c.Query(ctx, noCache(q))
		if err != nil {
			t.Fatalf("query %d error = %v", i+1, err)
		}
		if resp.Provider != "backup" {
			t.Fatalf("query %d served by %q, want backup", i+1, resp.Provider)
		}
	}
	if got := primary.calls.Load(); got != 2 {
		t.Fatalf("primary calls = %d, want 2", got)
	}

	// While open the primary is skipped entirely.
	resp, err := c.Query(ctx, noCache("third question"))
	if err != nil {
		t.Fatalf("Query(open) error = %v", err)
	}
	if resp.Provider != "backup" {
		t.Errorf("Provider = %q, want backup while breaker open", resp.Provider)
	}
	if got := primary.calls.Load(); got != 2 {
		t.Errorf("primary calls = %d while open, want 2", got)
	}

	// After the recovery timeout a probe goes through, succeeds, and
	// closes the breaker.
	time.Sleep(150 * time.Millisecond)
	resp, err = c.Query(ctx, noCache("fourth question"))
	if err != nil {
		t.Fatalf("Query(probe) error = %v", err)
	}
	if resp.Provider != "primary" {
		t.Errorf("Provider = %q, want primary after recovery", resp.Provider)
	}
	if got := primary.calls.Load(); got != 3 {
		t.Errorf("primary calls = %d after probe, want 3", got)
	}
}

// slowSearchStore delays every search, standing in for a vector store under
// load. All other operations come from the embedded in-memory store.
type slowSearchStore struct {
	*vector.Memory
	delay time.Duration
}

func (s *slowSearchStore) Search(ctx context.Context, vec []float32, k int, threshold float64) ([]vector.SearchHit, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Memory.Search(ctx, vec, k, threshold)
}

func TestQueryDegradesUnderVectorPoolPressure(t *testing.T) {
	upstream := &stubProvider{name: "openai", model: "gpt-3.5-turbo", content: "Paris"}
	slow := &slowSearchStore{Memory: vector.NewMemory(), delay: 300 * time.Millisecond}
	c := newTestClient(t,
		WithProviderInstance(upstream),
		WithEmbedder(&stubEmbedder{}),
		WithVectorStore(func(context.Context) (vector.Store, error) { return slow, nil }),
		WithPool(pool.Config{
			MinSize:        1,
			MaxSize:        1,
			AcquireTimeout: 50 * time.Millisecond,
			JanitorPeriod:  time.Hour,
		}),
		WithParallelTimeout(time.Second),
	)
	ctx := context.Background()

	// One query holds the only pooled connection in a slow search; the
	// other times out acquiring it. Both must still be answered upstream.
	queries := []string{"what is a monad", "explain paxos"}
	var wg sync.WaitGroup
	results := make([]*Response, len(queries))
	errs := make([]error, len(queries))

	start := time.Now()
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			results[i], errs[i] = c.Query(ctx, &Request{Query: q})
		}(i, q)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for i := range queries {
		if errs[i] != nil {
			t.Fatalf("query %d error = %v", i, errs[i])
		}
		if results[i].Content != "Paris" {
			t.Errorf("query %d Content = %q, want upstream answer", i, results[i].Content)
		}
		if results[i].FromCache {
			t.Errorf("query %d served from cache, want dispatch", i)
		}
	}
	if elapsed > 2*time.Second {
		t.Errorf("queries took %v, pool pressure was not bounded", elapsed)
	}
}

func TestQueryRateLimitRefusesWhenWindowFull(t *testing.T) {
	upstream := &stubProvider{name: "openai", model: "gpt-3.5-turbo", content: "ok"}
	c := newTestClient(t,
		WithProviderInstance(upstream),
		WithRateLimit(2),
	)
	ctx := context.Background()

	for _, q := range []string{"first", "second"} {
		if _, err := c.Query(ctx, noCache(q)); err != nil {
			t.Fatalf("Query(%q) error = %v", q, err)
		}
	}

	// The third dispatch cannot get a slot before its deadline; the window
	// fails fast instead of holding the caller for the rest of the minute.
	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Query(tctx, noCache("third"))
	if err == nil {
		t.Fatal("third dispatch inside the window should have been refused")
	}
	if KindOf(err) != KindBudgetExceeded {
		t.Errorf("KindOf(err) = %q, want %q", KindOf(err), KindBudgetExceeded)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("rate-limited query returned after %v, want fail-fast refusal", elapsed)
	}
	if got := upstream.calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2 inside the window", got)
	}
}

func TestQueryCoalescesConcurrentMisses(t *testing.T) {
	upstream := &stubProvider{
		name:    "openai",
		model:   "gpt-3.5-turbo",
		content: "Paris",
		delay:   50 * time.Millisecond,
	}
	c := newTestClient(t, WithProviderInstance(upstream))
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Response, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Query(ctx, &Request{Query: franceQuery})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("query %d error = %v", i, errs[i])
		}
		if results[i].Content != "Paris" {
			t.Errorf("query %d Content = %q, want Paris", i, results[i].Content)
		}
	}
	if got := upstream.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 for coalesced misses", got)
	}
}

func TestQueryValidation(t *testing.T) {
	upstream := &stubProvider{name: "openai", model: "gpt-3.5-turbo", content: "ok"}
	c := newTestClient(t, WithProviderInstance(upstream))
	ctx := context.Background()

	tests := []struct {
		name string
		req  *Request
	}{
		{"nil request", nil},
		{"empty query", &Request{Query: "   "}},
		{"oversize query", &Request{Query: strings.Repeat("a", 10001)}},
		{"negative max_tokens", &Request{Query: "q", MaxTokens: -1}},
		{"excessive max_tokens", &Request{Query: "q", MaxTokens: 4001}},
		{"temperature out of range", &Request{Query: "q", Temperature: Float64(2.5)}},
		{"negative temperature", &Request{Query: "q", Temperature: Float64(-0.1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Query(ctx, tt.req)
			if err == nil {
				t.Fatal("Query() succeeded, want validation failure")
			}
			if KindOf(err) != KindValidationFault {
				t.Errorf("KindOf(err) = %q, want %q", KindOf(err), KindValidationFault)
			}
		})
	}

	if got := upstream.calls.Load(); got != 0 {
		t.Errorf("upstream calls = %d, want 0 for invalid requests", got)
	}
}

func TestQueryBoundaryValuesAccepted(t *testing.T) {
	upstream := &stubProvider{name: "openai", model: "gpt-3.5-turbo", content: "ok"}
	c := newTestClient(t, WithProviderInstance(upstream))
	ctx := context.Background()

	reqs := []*Request{
		{Query: "q", Temperature: Float64(0)},
		{Query: "q2", Temperature: Float64(2.0)},
		{Query: "q3", MaxTokens: 4000},
	}
	for _, req := range reqs {
		if _, err := c.Query(ctx, req); err != nil {
			t.Errorf("Query(%+v) error = %v, want accepted", req, err)
		}
	}
}

func TestClientStatsAggregates(t *testing.T) {
	upstream := &stubProvider{name: "openai", model: "gpt-3.5-turbo", content: "Paris"}
	c := newTestClient(t, WithProviderInstance(upstream))
	ctx := context.Background()

	if _, err := c.Query(ctx, &Request{Query: franceQuery}); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if _, err := c.Query(ctx, &Request{Query: franceQuery}); err != nil {
		t.Fatalf("Query(repeat) error = %v", err)
	}

	stats := c.Stats(ctx)
	if stats.Cache.Lookups != 2 {
		t.Errorf("Cache.Lookups = %d, want 2", stats.Cache.Lookups)
	}
	if stats.Cache.ExactHits != 1 {
		t.Errorf("Cache.ExactHits = %d, want 1", stats.Cache.ExactHits)
	}
	if stats.Cache.HitRate != 0.5 {
		t.Errorf("Cache.HitRate = %v, want 0.5", stats.Cache.HitRate)
	}
	if stats.Cost.Requests != 1 {
		t.Errorf("Cost.Requests = %d, want 1", stats.Cost.Requests)
	}
	if stats.Cost.TotalUSD <= 0 {
		t.Errorf("Cost.TotalUSD = %v, want > 0", stats.Cost.TotalUSD)
	}
	if stats.Latency.Count != 2 {
		t.Errorf("Latency.Count = %d, want 2", stats.Latency.Count)
	}
	if stats.Pool.Live < 1 {
		t.Errorf("Pool.Live = %d, want at least the minimum connection", stats.Pool.Live)
	}
}

func TestClientInvalidateAndClear(t *testing.T) {
	upstream := &stubProvider{name: "openai", model: "gpt-3.5-turbo", content: "Paris"}
	c := newTestClient(t, WithProviderInstance(upstream))
	ctx := context.Background()

	if _, err := c.Query(ctx, &Request{Query: franceQuery}); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if err := c.Invalidate(ctx, franceQuery); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	resp, err := c.Query(ctx, &Request{Query: franceQuery})
	if err != nil {
		t.Fatalf("Query(after invalidate) error = %v", err)
	}
	if resp.FromCache {
		t.Error("invalidated query served from cache")
	}

	if err := c.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache() error = %v", err)
	}
	if stats := c.Stats(ctx); stats.Cache.Entries != 0 {
		t.Errorf("Cache.Entries = %d after clear, want 0", stats.Cache.Entries)
	}
}

func TestClientCloseIdempotent(t *testing.T) {
	upstream := &stubProvider{name: "openai", model: "gpt-3.5-turbo", content: "ok"}
	c, err := New(
		WithProviderInstance(upstream),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestNewRequiresKnownProviderType(t *testing.T) {
	_, err := New(
		WithLogger(quietLogger()),
		WithProvider(ProviderConfig{Type: "smoke-signal"}),
	)
	if err == nil {
		t.Fatal("New() with unknown provider type should fail")
	}
	if !strings.Contains(err.Error(), "unknown provider type") {
		t.Errorf("error = %v, want unknown provider type", err)
	}
}

func TestNewRejectsUnknownStepAnchor(t *testing.T) {
	_, err := New(
		WithLogger(quietLogger()),
		WithStepAfter("no_such_step", Step{
			Name: "custom",
			Run:  func(context.Context, *State) error { return nil },
		}),
	)
	if err == nil {
		t.Fatal("New() with unknown anchor should fail")
	}
	if !strings.Contains(err.Error(), "anchor") {
		t.Errorf("error = %v, want anchor complaint", err)
	}
}
