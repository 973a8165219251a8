package cache

import (
	"sort"
	"sync"
	"time"
)

// frequencyTracker counts how often each fingerprint has been looked up.
// Frequency drives TTL tiers and store admission. The map is bounded; once
// it exceeds the limit the stalest fingerprints are pruned, so counts for
// dormant queries reset rather than accumulate forever.
type frequencyTracker struct {
	mu    sync.Mutex
	limit int
	seen  map[string]*freqRecord
}

type freqRecord struct {
	count    int64
	lastSeen time.Time
}

func newFrequencyTracker(limit int) *frequencyTracker {
	if limit <= 0 {
		limit = 20000
	}
	return &frequencyTracker{
		limit: limit,
		seen:  make(map[string]*freqRecord),
	}
}

// Observe bumps the fingerprint's count and returns the new value.
func (f *frequencyTracker) Observe(fingerprint string, now time.Time) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.seen[fingerprint]
	if !ok {
		if len(f.seen) >= f.limit {
			f.pruneLocked()
		}
		rec = &freqRecord{}
		f.seen[fingerprint] = rec
	}
	rec.count++
	rec.lastSeen = now
	return rec.count
}

// Count reports the fingerprint's observed frequency without bumping it.
func (f *frequencyTracker) Count(fingerprint string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rec, ok := f.seen[fingerprint]; ok {
		return rec.count
	}
	return 0
}

// Len reports how many fingerprints are tracked.
func (f *frequencyTracker) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// pruneLocked drops the least recently seen eighth of the map. Caller holds mu.
func (f *frequencyTracker) pruneLocked() {
	type aged struct {
		fp       string
		lastSeen time.Time
	}
	all := make([]aged, 0, len(f.seen))
	for fp, rec := range f.seen {
		all = append(all, aged{fp: fp, lastSeen: rec.lastSeen})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastSeen.Before(all[j].lastSeen) })

	drop := len(all) / 8
	if drop < 1 {
		drop = 1
	}
	for _, a := range all[:drop] {
		delete(f.seen, a.fp)
	}
}
