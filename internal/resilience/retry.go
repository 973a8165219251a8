package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/blueberrycongee/semcache/pkg/errors"
)

// RetryConfig holds retry behavior configuration.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// Base is the exponential growth factor.
	Base float64
	// Jitter multiplies each delay by a uniform random factor in [0.5, 1.5).
	Jitter bool
}

// DefaultRetryConfig returns a sensible default configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Base:         2.0,
		Jitter:       true,
	}
}

// Retrier executes operations with exponential backoff. Only errors
// classified as retryable are attempted again; everything else fails
// immediately.
type Retrier struct {
	config RetryConfig
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier with the given configuration.
func NewRetrier(config RetryConfig, logger *slog.Logger) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultRetryConfig().InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if config.Base <= 1 {
		config.Base = DefaultRetryConfig().Base
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{
		config: config,
		logger: logger.With("component", "retry"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepContext,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. The backoff before retry i (0-indexed) is
// InitialDelay * Base^i, clamped to MaxDelay, then jittered. Scheduled
// delays count toward the accumulated backoff even when the context is
// cancelled mid-sleep.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	var backoffTotal time.Duration

	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt - 1)
			backoffTotal += delay
			if err := r.sleep(ctx, delay); err != nil {
				r.logger.Debug("retry cancelled during backoff",
					"op", op,
					"attempt", attempt,
					"backoff_total", backoffTotal,
				)
				return errors.NewCancelled(err)
			}
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Debug("operation succeeded after retry",
					"op", op,
					"attempts", attempt+1,
					"backoff_total", backoffTotal,
				)
			}
			return nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}
		if attempt < r.config.MaxAttempts-1 {
			r.logger.Warn("retryable error, backing off",
				"op", op,
				"attempt", attempt+1,
				"error", err,
			)
		}
	}

	r.logger.Warn("retry attempts exhausted",
		"op", op,
		"attempts", r.config.MaxAttempts,
		"backoff_total", backoffTotal,
		"error", lastErr,
	)
	return lastErr
}

// backoff computes the delay before the given 0-indexed retry.
func (r *Retrier) backoff(retry int) time.Duration {
	d := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.Base, float64(retry)))
	if d <= 0 || d > r.config.MaxDelay {
		d = r.config.MaxDelay
	}
	if r.config.Jitter {
		d = time.Duration(float64(d) * r.jitterFactor())
	}
	return d
}

func (r *Retrier) jitterFactor() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return 0.5 + r.rng.Float64()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
