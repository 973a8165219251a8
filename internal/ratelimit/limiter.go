// Package ratelimit implements the per-provider sliding-window request
// limiter. A full window makes callers wait until the oldest recorded
// timestamp ages out, so no provider ever sees more than its configured
// requests per minute.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/semcache/internal/metrics"
	"github.com/blueberrycongee/semcache/pkg/errors"
)

// DefaultRequestsPerMinute applies to providers with no explicit limit.
const DefaultRequestsPerMinute = 60

// Limiter tracks one sliding window per provider. Windows are created
// lazily on first acquire.
type Limiter struct {
	defaultRPM int
	perRPM     map[string]int
	logger     *slog.Logger

	mu      sync.RWMutex
	windows map[string]*window

	// test seams
	windowSize time.Duration
	now        func() time.Time
}

type window struct {
	mu     sync.Mutex
	limit  int
	stamps []time.Time
}

// New creates a limiter. perProvider overrides the default for named
// providers; zero or negative limits fall back to the default.
func New(defaultRPM int, perProvider map[string]int, logger *slog.Logger) *Limiter {
	if defaultRPM <= 0 {
		defaultRPM = DefaultRequestsPerMinute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		defaultRPM: defaultRPM,
		perRPM:     perProvider,
		logger:     logger.With("component", "ratelimit"),
		windows:    make(map[string]*window),
		windowSize: time.Minute,
		now:        time.Now,
	}
}

// Acquire blocks until the provider has a free slot in its rolling window.
// It records the grant timestamp before returning. Waits are context-aware:
// cancellation surfaces as Cancelled, and a wait that cannot finish before
// the context deadline fails fast with BudgetExceeded.
func (l *Limiter) Acquire(ctx context.Context, provider string) error {
	w := l.window(provider)
	start := l.now()

	for {
		w.mu.Lock()
		now := l.now()
		w.evict(now, l.windowSize)
		if len(w.stamps) < w.limit {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			metrics.RateLimitWait.WithLabelValues(provider).Observe(l.now().Sub(start).Seconds())
			return nil
		}
		oldest := w.stamps[0]
		wait := oldest.Add(l.windowSize).Sub(now)
		w.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if deadline, ok := ctx.Deadline(); ok && now.Add(wait).After(deadline) {
			l.logger.Warn("rate window full past request deadline",
				"provider", provider, "wait", wait)
			return errors.NewBudgetExceeded(provider, "rate limit window full until after deadline")
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.NewCancelled(ctx.Err())
		case <-timer.C:
		}
	}
}

// InWindow reports how many grants the provider holds in the current window.
func (l *Limiter) InWindow(provider string) int {
	w := l.window(provider)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(l.now(), l.windowSize)
	return len(w.stamps)
}

// Limit returns the provider's configured requests-per-minute cap.
func (l *Limiter) Limit(provider string) int {
	if rpm, ok := l.perRPM[provider]; ok && rpm > 0 {
		return rpm
	}
	return l.defaultRPM
}

func (l *Limiter) window(provider string) *window {
	l.mu.RLock()
	w, ok := l.windows[provider]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[provider]; ok {
		return w
	}
	w = &window{limit: l.Limit(provider)}
	l.windows[provider] = w
	return w
}

// evict drops timestamps older than the window. Caller holds w.mu.
func (w *window) evict(now time.Time, size time.Duration) {
	cutoff := now.Add(-size)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
