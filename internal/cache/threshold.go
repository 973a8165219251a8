package cache

import (
	"log/slog"
	"sync"

	"github.com/blueberrycongee/semcache/internal/metrics"
	"github.com/blueberrycongee/semcache/pkg/types"
)

// Threshold tuning constants. The threshold reconsiders itself every
// adjustInterval lookups once adjustWarmup lookups have been observed, moving
// by adjustStep toward the target hit rate.
const (
	adjustInterval = 50
	adjustWarmup   = 100
	adjustStep     = 0.01
)

// TunerConfig bounds the adaptive similarity threshold.
type TunerConfig struct {
	Initial       float64
	Min           float64
	Max           float64
	TargetHitRate float64
	Tolerance     float64
}

// DefaultTunerConfig returns the standard tuning band.
func DefaultTunerConfig() TunerConfig {
	return TunerConfig{
		Initial:       0.85,
		Min:           0.70,
		Max:           0.95,
		TargetHitRate: 0.50,
		Tolerance:     0.05,
	}
}

// Tuner adjusts the semantic acceptance threshold from observed hit rates.
// A hit rate below target loosens the threshold so near misses start
// landing; a rate above target tightens it against false positives.
// Adjustments take effect on the next lookup.
type Tuner struct {
	cfg    TunerConfig
	logger *slog.Logger

	mu           sync.Mutex
	threshold    float64
	exactHits    int64
	semanticHits int64
	misses       int64
}

// NewTuner creates a tuner starting at cfg.Initial, clamped into [Min, Max].
func NewTuner(cfg TunerConfig, logger *slog.Logger) *Tuner {
	def := DefaultTunerConfig()
	if cfg.Min <= 0 {
		cfg.Min = def.Min
	}
	if cfg.Max <= 0 || cfg.Max > 1 {
		cfg.Max = def.Max
	}
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.TargetHitRate <= 0 {
		cfg.TargetHitRate = def.TargetHitRate
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.Initial < cfg.Min {
		cfg.Initial = cfg.Min
	}
	if cfg.Initial > cfg.Max {
		cfg.Initial = cfg.Max
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tuner{
		cfg:       cfg,
		logger:    logger.With("component", "threshold"),
		threshold: cfg.Initial,
	}
	metrics.SimilarityThreshold.Set(cfg.Initial)
	return t
}

// Threshold returns the current acceptance threshold.
func (t *Tuner) Threshold() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threshold
}

// Observe records one lookup outcome and adjusts the threshold on schedule.
func (t *Tuner) Observe(kind types.CacheKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch kind {
	case types.CacheKindExact:
		t.exactHits++
	case types.CacheKindSemantic:
		t.semanticHits++
	default:
		t.misses++
	}

	total := t.exactHits + t.semanticHits + t.misses
	if total < adjustWarmup || total%adjustInterval != 0 {
		return
	}

	hitRate := float64(t.exactHits+t.semanticHits) / float64(total)
	before := t.threshold
	switch {
	case hitRate < t.cfg.TargetHitRate-t.cfg.Tolerance:
		t.threshold -= adjustStep
		if t.threshold < t.cfg.Min {
			t.threshold = t.cfg.Min
		}
	case hitRate > t.cfg.TargetHitRate+t.cfg.Tolerance:
		t.threshold += adjustStep
		if t.threshold > t.cfg.Max {
			t.threshold = t.cfg.Max
		}
	}

	if t.threshold != before {
		metrics.SimilarityThreshold.Set(t.threshold)
		t.logger.Debug("similarity threshold adjusted",
			"from", before,
			"to", t.threshold,
			"hit_rate", hitRate,
			"lookups", total)
	}
}

// Counts returns the rolling lookup outcome counters.
func (t *Tuner) Counts() (exact, semantic, misses int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exactHits, t.semanticHits, t.misses
}
