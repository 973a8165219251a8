package embedding

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/blueberrycongee/semcache/internal/metrics"
)

// Cache is an LRU memoization layer over an Embedder. Repeated queries for
// the same text skip the upstream call entirely, which matters because the
// cache pipeline embeds every semantic lookup.
type Cache struct {
	inner        Embedder
	capacity     int
	maxItemBytes int
	keyPrefix    string

	mu    sync.Mutex
	ll    *list.List // front is most recently used
	items map[string]*list.Element

	hits   int64
	misses int64
}

// CacheConfig bounds the memoization layer.
type CacheConfig struct {
	// Capacity is the maximum number of cached vectors.
	Capacity int

	// MaxItemKB skips caching vectors larger than this many kilobytes.
	// Zero means no size cap.
	MaxItemKB int

	// Normalize must mirror the wrapped embedder's flag; it namespaces the
	// cache key so toggling the flag cannot serve stale vectors.
	Normalize bool
}

type cacheItem struct {
	key string
	vec []float32
}

// NewCache wraps inner with an LRU of at most cfg.Capacity vectors.
func NewCache(inner Embedder, cfg CacheConfig) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	return &Cache{
		inner:        inner,
		capacity:     cfg.Capacity,
		maxItemBytes: cfg.MaxItemKB * 1024,
		ll:           list.New(),
		items:        make(map[string]*list.Element),
		keyPrefix:    fmt.Sprintf("%s|%t|", inner.Model(), cfg.Normalize),
	}
}

// Embed returns the cached vector when present, otherwise asks the wrapped
// embedder and remembers the result.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	if vec, ok := c.get(key); ok {
		metrics.EmbedRequests.WithLabelValues("hit").Inc()
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		metrics.EmbedRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EmbedRequests.WithLabelValues("miss").Inc()
	c.put(key, vec)
	return vec, nil
}

// EmbedBatch serves what it can from cache and embeds only the misses.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vecs := make([][]float32, len(texts))
	missing := make([]string, 0, len(texts))
	missingIdx := make([]int, 0, len(texts))
	for i, text := range texts {
		if vec, ok := c.get(c.key(text)); ok {
			metrics.EmbedRequests.WithLabelValues("hit").Inc()
			vecs[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return vecs, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		metrics.EmbedRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	for j, idx := range missingIdx {
		metrics.EmbedRequests.WithLabelValues("miss").Inc()
		vecs[idx] = fresh[j]
		c.put(c.key(missing[j]), fresh[j])
	}
	return vecs, nil
}

// Dimension reports the wrapped embedder's vector width.
func (c *Cache) Dimension() int {
	return c.inner.Dimension()
}

// Model reports the wrapped embedder's model identifier.
func (c *Cache) Model() string {
	return c.inner.Model()
}

// HitRate reports the fraction of Embed calls served from cache.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Len reports the current number of cached vectors.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) key(text string) string {
	return c.keyPrefix + text
}

func (c *Cache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return el.Value.(*cacheItem).vec, true
}

func (c *Cache) put(key string, vec []float32) {
	if c.maxItemBytes > 0 && len(vec)*4 > c.maxItemBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheItem).vec = vec
		return
	}
	c.items[key] = c.ll.PushFront(&cacheItem{key: key, vec: vec})
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
	}
}
