package vector

import (
	"context"
	"log/slog"

	"github.com/blueberrycongee/semcache/internal/pool"
	"github.com/blueberrycongee/semcache/pkg/types"
)

// Factory builds one Store client per pooled connection.
type Factory func(ctx context.Context) (Store, error)

// Pool is a Store-typed facade over the connection pool. Callers borrow a
// client for one operation and must release the handle afterwards.
type Pool struct {
	inner *pool.Pool
}

// NewPool builds a bounded pool of Store clients.
func NewPool(factory Factory, cfg pool.Config, logger *slog.Logger) (*Pool, error) {
	inner, err := pool.New(func(ctx context.Context) (pool.Client, error) {
		return factory(ctx)
	}, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Pool{inner: inner}, nil
}

// Acquire borrows a client. The handle must be released exactly once.
func (p *Pool) Acquire(ctx context.Context) (pool.Handle, Store, error) {
	h, c, err := p.inner.Acquire(ctx)
	if err != nil {
		return pool.NoHandle, nil, err
	}
	return h, c.(Store), nil
}

// Release returns a handle to the pool.
func (p *Pool) Release(h pool.Handle) {
	p.inner.Release(h)
}

// Stats reports pool occupancy counters.
func (p *Pool) Stats() types.PoolStats {
	return p.inner.Stats()
}

// Close shuts the pool down and closes every client.
func (p *Pool) Close() error {
	return p.inner.Close()
}
