// Package dispatch routes cache misses to upstream providers. Every call
// takes a rate-limit slot, runs through the provider's circuit breaker and
// the shared retry handler, and records cost on success. Recoverable
// failures walk the strategy-ordered provider list until the fallback
// budget is spent.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/semcache/internal/metrics"
	"github.com/blueberrycongee/semcache/internal/pricing"
	"github.com/blueberrycongee/semcache/internal/ratelimit"
	"github.com/blueberrycongee/semcache/internal/resilience"
	"github.com/blueberrycongee/semcache/pkg/errors"
	"github.com/blueberrycongee/semcache/pkg/provider"
)

// Config holds dispatcher settings.
type Config struct {
	// Strategy selects provider ordering: "preferred" or "round_robin".
	Strategy string
	// MaxFallbackAttempts caps how many providers a single dispatch may
	// try, the initial choice included.
	MaxFallbackAttempts int
	// RequestsPerMinute is the default per-provider rate limit.
	RequestsPerMinute int
	// ProviderRPM overrides the default limit for specific providers.
	ProviderRPM map[string]int
	// Retry configures the shared retry handler.
	Retry resilience.RetryConfig
	// Breaker configures every per-provider circuit breaker.
	Breaker resilience.BreakerConfig
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:            "preferred",
		MaxFallbackAttempts: 3,
		RequestsPerMinute:   600,
		Retry:               resilience.DefaultRetryConfig(),
		Breaker:             resilience.DefaultBreakerConfig(),
	}
}

// Request asks for one upstream completion. Provider names a preference,
// not a requirement; the strategy decides the actual walk order.
type Request struct {
	Query       string
	Provider    string
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Result is a successful dispatch: the provider answer plus the cost
// recorded for the call.
type Result struct {
	Content          string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Dispatcher owns the provider registry and the resilience stack around it.
// Providers share one rate limiter and retry handler; each provider gets
// its own circuit breaker.
type Dispatcher struct {
	logger   *slog.Logger
	strategy Strategy
	limiter  *ratelimit.Limiter
	retrier  *resilience.Retrier
	tracker  *pricing.Tracker

	maxFallback   int
	breakerConfig resilience.BreakerConfig

	mu        sync.RWMutex
	order     []string
	providers map[string]provider.Provider
	breakers  map[string]*resilience.CircuitBreaker
}

// New creates a dispatcher with no providers registered. The tracker is
// shared with whoever reports cost summaries; passing nil creates a
// private one.
func New(cfg Config, tracker *pricing.Tracker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFallbackAttempts <= 0 {
		cfg.MaxFallbackAttempts = DefaultConfig().MaxFallbackAttempts
	}
	if tracker == nil {
		tracker = pricing.NewTracker(logger)
	}
	return &Dispatcher{
		logger:        logger.With("component", "dispatch"),
		strategy:      strategyFor(cfg.Strategy),
		limiter:       ratelimit.New(cfg.RequestsPerMinute, cfg.ProviderRPM, logger),
		retrier:       resilience.NewRetrier(cfg.Retry, logger),
		tracker:       tracker,
		maxFallback:   cfg.MaxFallbackAttempts,
		breakerConfig: cfg.Breaker,
		providers:     make(map[string]provider.Provider),
		breakers:      make(map[string]*resilience.CircuitBreaker),
	}
}

// Register adds a provider. Registration order is the declared fallback
// order. Re-registering a name swaps the provider but keeps its breaker
// history.
func (d *Dispatcher) Register(p provider.Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := p.Name()
	if _, ok := d.providers[name]; !ok {
		d.order = append(d.order, name)
		d.breakers[name] = resilience.NewCircuitBreaker(name, d.breakerConfig, d.logger)
	}
	d.providers[name] = p
}

// Providers returns the registered provider names in declared order.
func (d *Dispatcher) Providers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Breaker returns the circuit breaker guarding the named provider.
func (d *Dispatcher) Breaker(name string) (*resilience.CircuitBreaker, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cb, ok := d.breakers[name]
	return cb, ok
}

// Tracker returns the cost tracker dispatches record into.
func (d *Dispatcher) Tracker() *pricing.Tracker {
	return d.tracker
}

// Dispatch sends the request to one provider chosen by the strategy,
// walking the remaining candidates on recoverable failures. At most
// MaxFallbackAttempts providers are tried; when all fail the last error
// is returned wrapped in an upstream fault.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	candidates := d.candidates(req.Provider)
	if len(candidates) == 0 {
		return nil, d.unavailableErr(req.Provider)
	}
	if len(candidates) > d.maxFallback {
		candidates = candidates[:d.maxFallback]
	}

	var lastErr error
	for i, name := range candidates {
		result, err := d.tryProvider(ctx, name, req)
		if err == nil {
			if i > 0 {
				d.logger.Info("fallback provider served request",
					"provider", name,
					"attempt", i+1,
				)
			}
			return result, nil
		}
		lastErr = err
		if !fallbackEligible(err) {
			return nil, err
		}
		if i < len(candidates)-1 {
			d.logger.Warn("provider failed, trying next",
				"provider", name,
				"error", err,
			)
		}
	}
	return nil, errors.Newf(errors.KindUpstreamFault,
		"dispatch failed after %d provider(s)", len(candidates)).WithCause(lastErr)
}

// candidates returns the strategy-ordered walk over providers whose
// breaker would admit a request.
func (d *Dispatcher) candidates(requested string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	available := make([]string, 0, len(d.order))
	for _, name := range d.order {
		if d.breakers[name].CanAttempt() {
			available = append(available, name)
		}
	}
	return d.strategy.Select(requested, available)
}

// unavailableErr distinguishes an empty registry from one where every
// breaker is refusing traffic.
func (d *Dispatcher) unavailableErr(requested string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.order) == 0 {
		return errors.New(errors.KindUpstreamFault, "no providers registered")
	}
	name := requested
	if _, ok := d.breakers[name]; !ok {
		name = d.order[0]
	}
	return errors.NewCircuitOpen(name)
}

// tryProvider runs one provider through the rate limiter, breaker, and
// retry handler. A breaker rejection inside the retry loop is not
// retryable, so it surfaces immediately and the walk moves on.
func (d *Dispatcher) tryProvider(ctx context.Context, name string, req *Request) (*Result, error) {
	d.mu.RLock()
	p := d.providers[name]
	breaker := d.breakers[name]
	d.mu.RUnlock()
	if p == nil {
		return nil, errors.Newf(errors.KindUpstreamFault, "provider %q not registered", name)
	}

	if err := d.limiter.Acquire(ctx, name); err != nil {
		return nil, err
	}

	creq := &provider.CompletionRequest{
		Query:       req.Query,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	start := time.Now()
	var res *provider.Result
	err := d.retrier.Do(ctx, "complete "+name, func(ctx context.Context) error {
		if err := breaker.Allow(); err != nil {
			return err
		}
		out, err := p.Complete(ctx, creq)
		if err != nil {
			breaker.RecordFailure()
			return err
		}
		breaker.RecordSuccess()
		res = out
		return nil
	})

	model := req.Model
	if res != nil && res.Model != "" {
		model = res.Model
	}
	metrics.DispatchLatency.WithLabelValues(name, model).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(name, model, "error").Inc()
		return nil, err
	}
	metrics.ProviderRequests.WithLabelValues(name, model, "success").Inc()

	usd := d.tracker.Track(name, res.Model, res.PromptTokens, res.CompletionTokens)
	return &Result{
		Content:          res.Content,
		Provider:         name,
		Model:            res.Model,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		CostUSD:          usd,
	}, nil
}

// fallbackEligible reports whether a failure should move the walk to the
// next provider. Caller mistakes, spent budgets, and cancellations fail
// the whole dispatch instead.
func fallbackEligible(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindValidationFault,
		errors.KindContextExceeded,
		errors.KindBudgetExceeded,
		errors.KindCancelled:
		return false
	default:
		return true
	}
}
