// Package pool provides a bounded connection pool for vector-store clients.
// Callers borrow a client for one operation and must release it on every exit
// path; they hold an opaque handle rather than a pool back-reference.
package pool

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/semcache/internal/metrics"
	"github.com/blueberrycongee/semcache/pkg/errors"
	"github.com/blueberrycongee/semcache/pkg/types"
)

// Client is the resource the pool manages. The vector-store client
// satisfies it; the pool itself never issues store operations.
type Client interface {
	Close() error
}

// Factory creates a new client when the pool grows.
type Factory func(ctx context.Context) (Client, error)

// Handle identifies a checked-out connection. It is an index into the
// pool's slot table and carries no pointer back to the pool.
type Handle int

// NoHandle is returned by a failed Acquire.
const NoHandle Handle = -1

// Config bounds the pool.
type Config struct {
	// MinSize is the floor the janitor respects when reaping idle
	// connections. Connections are still created lazily.
	MinSize int
	// MaxSize caps live connections.
	MaxSize int
	// IdleTimeout reaps connections unused for this long, down to MinSize.
	IdleTimeout time.Duration
	// MaxLifetime unconditionally retires connections older than this.
	MaxLifetime time.Duration
	// AcquireTimeout bounds how long Acquire may wait for a free slot.
	AcquireTimeout time.Duration
	// JanitorPeriod is the reap cadence.
	JanitorPeriod time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinSize:        1,
		MaxSize:        10,
		IdleTimeout:    5 * time.Minute,
		MaxLifetime:    30 * time.Minute,
		AcquireTimeout: 5 * time.Second,
		JanitorPeriod:  time.Minute,
	}
}

// conn is one pool slot. A slot is empty (client nil), idle, or checked out
// to exactly one caller.
type conn struct {
	client    Client
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
	inUse     bool
}

// Pool is a bounded lazy connection pool with a background janitor.
type Pool struct {
	factory Factory
	config  Config
	logger  *slog.Logger

	mu    sync.Mutex
	slots []*conn
	live  int
	shut  bool

	// free carries handles of idle slots. Handles may be stale after a
	// janitor reap; checkout validates them.
	free chan Handle
	done chan struct{}

	janitor     *time.Ticker
	janitorStop chan struct{}

	acquired     atomic.Int64
	timeouts     atomic.Int64
	closedConns  atomic.Int64
	shutdownOnce sync.Once

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a pool. Connections are created lazily on demand; the janitor
// starts immediately.
func New(factory Factory, config Config, logger *slog.Logger) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("pool: factory is required")
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultConfig().MaxSize
	}
	if config.MinSize < 0 {
		config.MinSize = 0
	}
	if config.MinSize > config.MaxSize {
		config.MinSize = config.MaxSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if config.MaxLifetime <= 0 {
		config.MaxLifetime = DefaultConfig().MaxLifetime
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if config.JanitorPeriod <= 0 {
		config.JanitorPeriod = DefaultConfig().JanitorPeriod
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		factory:     factory,
		config:      config,
		logger:      logger.With("component", "pool"),
		slots:       make([]*conn, config.MaxSize),
		free:        make(chan Handle, config.MaxSize),
		done:        make(chan struct{}),
		janitorStop: make(chan struct{}),
		now:         time.Now,
	}

	p.janitor = time.NewTicker(config.JanitorPeriod)
	go p.janitorLoop()

	return p, nil
}

// Acquire returns an idle connection, growing the pool if below MaxSize.
// It fails with PoolTimeout once AcquireTimeout elapses, or Cancelled if the
// caller's context ends first.
func (p *Pool) Acquire(ctx context.Context) (Handle, Client, error) {
	start := p.now()
	acquireCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	for {
		// Fast path: an idle handle is waiting.
		select {
		case h := <-p.free:
			if c := p.checkout(h); c != nil {
				p.finishAcquire(start)
				return h, c, nil
			}
			continue // stale handle, slot was reaped
		default:
		}

		h, c, grew, err := p.tryGrow(acquireCtx)
		if err != nil {
			return NoHandle, nil, err
		}
		if grew {
			p.finishAcquire(start)
			return h, c, nil
		}

		// Pool is full; wait for a release, a reap, or the budget.
		select {
		case h := <-p.free:
			if c := p.checkout(h); c != nil {
				p.finishAcquire(start)
				return h, c, nil
			}
		case <-p.done:
			return NoHandle, nil, errors.NewPoolTimeout("pool is shut down")
		case <-acquireCtx.Done():
			if ctx.Err() != nil {
				return NoHandle, nil, errors.NewCancelled(ctx.Err())
			}
			p.timeouts.Add(1)
			metrics.PoolTimeouts.Inc()
			return NoHandle, nil, errors.NewPoolTimeout(
				fmt.Sprintf("no connection within %s", p.config.AcquireTimeout))
		}
	}
}

// Release returns a checked-out connection to the pool. Releasing an
// already-released or reaped handle is a no-op.
func (p *Pool) Release(h Handle) {
	p.mu.Lock()
	if p.shut || h < 0 || int(h) >= len(p.slots) {
		p.mu.Unlock()
		return
	}
	slot := p.slots[h]
	if slot == nil || !slot.inUse {
		p.mu.Unlock()
		return
	}
	slot.inUse = false
	slot.lastUsed = p.now()
	p.updateGauges()
	p.mu.Unlock()

	select {
	case p.free <- h:
	default:
		// Buffer is MaxSize so this cannot trigger; guard anyway.
	}
}

// checkout validates a handle and marks its slot in use. It returns nil when
// the handle is stale (slot reaped, or already checked out via a newer
// handle).
func (p *Pool) checkout(h Handle) Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut || h < 0 || int(h) >= len(p.slots) {
		return nil
	}
	slot := p.slots[h]
	if slot == nil || slot.client == nil || slot.inUse {
		return nil
	}
	slot.inUse = true
	slot.useCount++
	slot.lastUsed = p.now()
	p.updateGauges()
	return slot.client
}

// tryGrow creates a connection when the pool is below MaxSize. The slot is
// reserved under the lock; the factory call runs outside it.
func (p *Pool) tryGrow(ctx context.Context) (Handle, Client, bool, error) {
	p.mu.Lock()
	if p.shut {
		p.mu.Unlock()
		return NoHandle, nil, false, errors.NewPoolTimeout("pool is shut down")
	}
	if p.live >= p.config.MaxSize {
		p.mu.Unlock()
		return NoHandle, nil, false, nil
	}
	idx := -1
	for i, slot := range p.slots {
		if slot == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return NoHandle, nil, false, nil
	}
	// Reserve the slot with a placeholder so concurrent growers skip it.
	now := p.now()
	p.slots[idx] = &conn{createdAt: now, lastUsed: now, inUse: true}
	p.live++
	p.mu.Unlock()

	client, err := p.factory(ctx)

	p.mu.Lock()
	if err != nil {
		p.slots[idx] = nil
		p.live--
		p.mu.Unlock()
		if goerrors.Is(err, context.Canceled) || goerrors.Is(err, context.DeadlineExceeded) {
			return NoHandle, nil, false, errors.NewCancelled(err)
		}
		return NoHandle, nil, false, fmt.Errorf("create connection: %w", err)
	}
	if p.shut {
		p.slots[idx] = nil
		p.live--
		p.mu.Unlock()
		_ = client.Close()
		return NoHandle, nil, false, errors.NewPoolTimeout("pool is shut down")
	}
	p.slots[idx].client = client
	p.slots[idx].useCount = 1
	p.updateGauges()
	p.mu.Unlock()

	return Handle(idx), client, true, nil
}

func (p *Pool) finishAcquire(start time.Time) {
	p.acquired.Add(1)
	metrics.PoolAcquireWait.Observe(p.now().Sub(start).Seconds())
}

func (p *Pool) janitorLoop() {
	for {
		select {
		case <-p.janitor.C:
			p.reap()
		case <-p.janitorStop:
			return
		}
	}
}

// reap closes idle connections past IdleTimeout (respecting the MinSize
// floor) and any idle connection past MaxLifetime. A connection still
// checked out is never closed under its caller; an over-age one is caught
// on the next pass after release.
func (p *Pool) reap() {
	now := p.now()
	var victims []Client

	p.mu.Lock()
	for i, slot := range p.slots {
		if slot == nil || slot.client == nil || slot.inUse {
			continue
		}
		age := now.Sub(slot.createdAt)
		idle := now.Sub(slot.lastUsed)

		switch {
		case age > p.config.MaxLifetime:
			victims = append(victims, slot.client)
			p.slots[i] = nil
			p.live--
		case idle > p.config.IdleTimeout && p.live > p.config.MinSize:
			victims = append(victims, slot.client)
			p.slots[i] = nil
			p.live--
		}
	}
	p.updateGauges()
	p.mu.Unlock()

	for _, c := range victims {
		if err := c.Close(); err != nil {
			p.logger.Warn("closing reaped connection", "error", err)
		}
		p.closedConns.Add(1)
	}
	if len(victims) > 0 {
		p.logger.Debug("janitor reaped connections", "count", len(victims))
	}
}

// Close shuts the pool down and closes every live connection, including any
// still checked out. It is idempotent.
func (p *Pool) Close() error {
	var errs []error
	p.shutdownOnce.Do(func() {
		p.janitor.Stop()
		close(p.janitorStop)

		p.mu.Lock()
		p.shut = true
		var victims []Client
		for i, slot := range p.slots {
			if slot != nil && slot.client != nil {
				victims = append(victims, slot.client)
			}
			p.slots[i] = nil
		}
		p.live = 0
		p.updateGauges()
		p.mu.Unlock()

		close(p.done)

		for _, c := range victims {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
			p.closedConns.Add(1)
		}
		p.logger.Info("pool closed", "connections_closed", len(victims))
	})
	return goerrors.Join(errs...)
}

// Stats snapshots the pool gauges and counters.
func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := types.PoolStats{
		Live:     p.live,
		Acquired: p.acquired.Load(),
		Timeouts: p.timeouts.Load(),
		Closed:   p.closedConns.Load(),
	}
	for _, slot := range p.slots {
		if slot == nil || slot.client == nil {
			continue
		}
		if slot.inUse {
			stats.InUse++
		} else {
			stats.Idle++
		}
	}
	return stats
}

// updateGauges refreshes the Prometheus pool gauges. Caller holds p.mu.
func (p *Pool) updateGauges() {
	idle, inUse := 0, 0
	for _, slot := range p.slots {
		if slot == nil || slot.client == nil {
			continue
		}
		if slot.inUse {
			inUse++
		} else {
			idle++
		}
	}
	metrics.PoolConnections.WithLabelValues("idle").Set(float64(idle))
	metrics.PoolConnections.WithLabelValues("in_use").Set(float64(inUse))
}
