package semcache

import (
	"sort"
	"sync"
	"time"

	"github.com/blueberrycongee/semcache/pkg/types"
)

// latencyWindowSize is how many recent end-to-end latencies Stats
// percentiles are computed over.
const latencyWindowSize = 1000

// latencyWindow is a fixed-size ring of the most recent query latencies.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

func newLatencyWindow() *latencyWindow {
	return &latencyWindow{samples: make([]time.Duration, latencyWindowSize)}
}

func (w *latencyWindow) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// Snapshot computes percentiles over a copy of the window so observation
// never blocks on sorting.
func (w *latencyWindow) Snapshot() types.LatencyStats {
	w.mu.Lock()
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return types.LatencyStats{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return types.LatencyStats{
		Count: n,
		P50MS: millis(percentile(sorted, 0.50)),
		P95MS: millis(percentile(sorted, 0.95)),
		P99MS: millis(percentile(sorted, 0.99)),
		AvgMS: millis(sum / time.Duration(n)),
	}
}

// percentile picks by nearest rank from an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
