package cache

import (
	"context"
	"sync"
	"time"

	"github.com/blueberrycongee/semcache/pkg/types"
)

// ExactStore persists cache entries keyed by fingerprint. It is the
// authoritative population for eviction scoring; the vector store mirrors
// entries for similarity search.
type ExactStore interface {
	// Get fetches an entry by fingerprint. Implementations return a copy;
	// expired entries may still be returned and are filtered by the caller.
	Get(ctx context.Context, fingerprint string) (*types.Entry, bool, error)

	// Put stores or replaces an entry.
	Put(ctx context.Context, entry *types.Entry) error

	// Delete removes entries by fingerprint. Missing fingerprints are not
	// an error.
	Delete(ctx context.Context, fingerprints ...string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Len reports the current population.
	Len(ctx context.Context) (int, error)

	// Snapshot returns copies of all live entries for eviction scoring.
	Snapshot(ctx context.Context) ([]*types.Entry, error)

	// Close releases store resources.
	Close() error
}

// MemoryStore is the default in-process exact tier. A janitor sweeps expired
// entries in the background; reads also expire lazily through the cache.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*types.Entry

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once

	now func() time.Time
}

// MemoryStoreConfig tunes the in-process exact tier.
type MemoryStoreConfig struct {
	// CleanupInterval is the janitor sweep cadence (default: 1 minute).
	CleanupInterval time.Duration
}

// NewMemoryStore creates an in-process exact tier and starts its janitor.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	s := &MemoryStore{
		entries:     make(map[string]*types.Entry),
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	s.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.evictExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for fp, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, fp)
		}
	}
}

// Get retrieves a copy of the entry.
func (s *MemoryStore) Get(_ context.Context, fingerprint string) (*types.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[fingerprint]
	if !ok {
		return nil, false, nil
	}
	cp := *entry
	return &cp, true, nil
}

// Put stores a copy of the entry.
func (s *MemoryStore) Put(_ context.Context, entry *types.Entry) error {
	cp := *entry

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Fingerprint] = &cp
	return nil
}

// Delete removes entries by fingerprint.
func (s *MemoryStore) Delete(_ context.Context, fingerprints ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fp := range fingerprints {
		delete(s.entries, fp)
	}
	return nil
}

// Clear removes every entry.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*types.Entry)
	return nil
}

// Len reports the current population.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Snapshot returns copies of all entries.
func (s *MemoryStore) Snapshot(_ context.Context) ([]*types.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		cp := *entry
		out = append(out, &cp)
	}
	return out, nil
}

// Close stops the janitor. Idempotent.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.cleanupTicker.Stop()
		close(s.stopCleanup)
	})
	return nil
}
