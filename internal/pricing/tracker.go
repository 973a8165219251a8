package pricing

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/blueberrycongee/semcache/internal/metrics"
	"github.com/blueberrycongee/semcache/pkg/types"
)

// Tracker prices provider calls and records them. The price table is swapped
// atomically on reload, so Track never blocks behind a reload and a reload
// never tears a lookup.
type Tracker struct {
	logger *slog.Logger
	prices atomic.Pointer[map[string]ModelPrice]

	mu      sync.Mutex
	entries []types.CostEntry

	watcher *fsnotify.Watcher

	now func() time.Time
}

// NewTracker creates a tracker over the embedded price table.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		logger: logger.With("component", "pricing"),
		now:    time.Now,
	}
	prices := defaultPrices()
	t.prices.Store(&prices)
	return t
}

// Cost prices a call without recording it. Unknown models cost zero.
func (t *Tracker) Cost(model string, promptTokens, completionTokens int) float64 {
	p, ok := lookup(*t.prices.Load(), model)
	if !ok {
		t.logger.Warn("no price for model, costing at zero", "model", model)
		return 0
	}
	return callCost(p, promptTokens, completionTokens)
}

// Track prices a completed call, appends it to the ledger, and returns the
// cost in USD. Unknown models are still recorded, at zero cost.
func (t *Tracker) Track(provider, model string, promptTokens, completionTokens int) float64 {
	usd := t.Cost(model, promptTokens, completionTokens)

	t.mu.Lock()
	t.entries = append(t.entries, types.CostEntry{
		Timestamp:        t.now(),
		Provider:         provider,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          usd,
	})
	t.mu.Unlock()

	metrics.PromptTokens.WithLabelValues(provider, model).Add(float64(promptTokens))
	metrics.CompletionTokens.WithLabelValues(provider, model).Add(float64(completionTokens))
	metrics.SpendUSD.WithLabelValues(provider, model).Add(usd)
	return usd
}

// Entries returns a copy of the ledger in recording order.
func (t *Tracker) Entries() []types.CostEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.CostEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Summary aggregates the ledger.
func (t *Tracker) Summary() types.CostSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := types.CostSummary{
		ByProvider: make(map[string]float64),
		ByModel:    make(map[string]float64),
	}
	for _, e := range t.entries {
		sum.Requests++
		sum.PromptTokens += int64(e.PromptTokens)
		sum.CompletionTokens += int64(e.CompletionTokens)
		sum.TotalUSD += e.CostUSD
		sum.ByProvider[e.Provider] += e.CostUSD
		sum.ByModel[e.Model] += e.CostUSD
	}
	return sum
}

// LoadFile swaps in the embedded table overlaid with entries from path. The
// ledger is untouched.
func (t *Tracker) LoadFile(path string) error {
	prices, err := loadFile(path)
	if err != nil {
		return err
	}
	t.prices.Store(&prices)
	t.logger.Info("price table loaded", "path", path, "models", len(prices))
	return nil
}

// Watch hot-reloads the price table whenever path changes. Reload failures
// keep the current table. Cancel ctx or Close the tracker to stop watching.
func (t *Tracker) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return err
	}
	t.watcher = watcher

	go t.watchLoop(ctx, path)
	return nil
}

func (t *Tracker) watchLoop(ctx context.Context, path string) {
	// Editors fire several events per save; reload once things settle.
	const debounceDelay = 500 * time.Millisecond
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			_ = t.watcher.Close()
			return

		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					if err := t.LoadFile(path); err != nil {
						t.logger.Error("price table reload failed, keeping current", "error", err)
					}
				})
			}

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error("price table watcher error", "error", err)
		}
	}
}

// Close stops the watcher if one is running.
func (t *Tracker) Close() error {
	if t.watcher != nil {
		return t.watcher.Close()
	}
	return nil
}
