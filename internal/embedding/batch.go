package embedding

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/semcache/internal/metrics"
	"github.com/blueberrycongee/semcache/pkg/errors"
)

// Batcher coalesces concurrent Embed calls into one upstream batch. A batch
// dispatches when Size requests are queued or MaxWait has passed since the
// oldest pending request, whichever comes first. Waiters receive their vector
// by position, correlated through the upstream index field.
type Batcher struct {
	inner   Embedder
	size    int
	maxWait time.Duration
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending []*batchCall
	timer   *time.Timer
}

// BatcherConfig tunes request coalescing.
type BatcherConfig struct {
	// Size dispatches a batch as soon as this many requests are queued.
	Size int

	// MaxWait dispatches a partial batch this long after its first request.
	MaxWait time.Duration

	// Timeout bounds the upstream call for a dispatched batch. The batch
	// runs on its own context so one waiter's cancellation cannot fail the
	// rest.
	Timeout time.Duration
}

type batchCall struct {
	text string
	done chan struct{}
	vec  []float32
	err  error
}

// NewBatcher wraps inner with request coalescing.
func NewBatcher(inner Embedder, cfg BatcherConfig, logger *slog.Logger) *Batcher {
	if cfg.Size <= 0 {
		cfg.Size = 16
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 50 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		inner:   inner,
		size:    cfg.Size,
		maxWait: cfg.MaxWait,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "embed_batcher"),
	}
}

// Embed queues the text and blocks until its batch completes or ctx ends.
func (b *Batcher) Embed(ctx context.Context, text string) ([]float32, error) {
	call := &batchCall{text: text, done: make(chan struct{})}

	b.mu.Lock()
	b.pending = append(b.pending, call)
	if len(b.pending) >= b.size {
		batch := b.takeLocked()
		b.mu.Unlock()
		b.flush(batch)
	} else {
		if len(b.pending) == 1 {
			b.timer = time.AfterFunc(b.maxWait, b.flushPending)
		}
		b.mu.Unlock()
	}

	select {
	case <-call.done:
		return call.vec, call.err
	case <-ctx.Done():
		// The batch still completes for the other waiters.
		return nil, errors.NewCancelled(ctx.Err())
	}
}

// EmbedBatch passes explicit batches straight through.
func (b *Batcher) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	metrics.EmbedBatchSize.Observe(float64(len(texts)))
	return b.inner.EmbedBatch(ctx, texts)
}

// Dimension reports the wrapped embedder's vector width.
func (b *Batcher) Dimension() int {
	return b.inner.Dimension()
}

// Model reports the wrapped embedder's model identifier.
func (b *Batcher) Model() string {
	return b.inner.Model()
}

// Flush dispatches any pending partial batch immediately. Useful on
// shutdown so no waiter is stranded until MaxWait.
func (b *Batcher) Flush() {
	b.flushPending()
}

func (b *Batcher) flushPending() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	b.flush(batch)
}

// takeLocked claims the pending queue and disarms the timer. Caller holds mu.
func (b *Batcher) takeLocked() []*batchCall {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *Batcher) flush(batch []*batchCall) {
	if len(batch) == 0 {
		return
	}

	batchID := uuid.NewString()
	texts := make([]string, len(batch))
	for i, call := range batch {
		texts[i] = call.text
	}
	metrics.EmbedBatchSize.Observe(float64(len(texts)))

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	start := time.Now()
	vecs, err := b.inner.EmbedBatch(ctx, texts)
	if err == nil && len(vecs) != len(batch) {
		err = errors.NewEmbeddingFault("batch result count mismatch", nil)
	}

	for i, call := range batch {
		if err != nil {
			call.err = err
		} else {
			call.vec = vecs[i]
		}
		close(call.done)
	}

	if err != nil {
		b.logger.Warn("embedding batch failed",
			"batch_id", batchID,
			"size", len(batch),
			"duration", time.Since(start),
			"error", err)
		return
	}
	b.logger.Debug("embedding batch dispatched",
		"batch_id", batchID,
		"size", len(batch),
		"duration", time.Since(start))
}
