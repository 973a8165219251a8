// Package observability carries the per-request context, structured logging,
// and tracing plumbing shared by every component.
package observability

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader is the HTTP header consulted and set by the middleware.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

// requestKey is the context key for the per-request info record.
type requestKey struct{}

// RequestInfo travels with one pipeline invocation. Concurrent sibling tasks
// (parallel cache lookups, batched embeds) share the same record, so the
// metadata map is guarded.
type RequestInfo struct {
	ID        string
	StartedAt time.Time

	mu       sync.RWMutex
	metadata map[string]string
}

// NewRequestID returns a fresh 128-bit request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequest attaches a new request record to ctx and returns both. An id
// already present on ctx is kept so nested pipelines do not re-label work.
func WithRequest(ctx context.Context) (context.Context, *RequestInfo) {
	if info, ok := RequestFrom(ctx); ok {
		return ctx, info
	}
	info := &RequestInfo{
		ID:        NewRequestID(),
		StartedAt: time.Now(),
		metadata:  make(map[string]string),
	}
	return context.WithValue(ctx, requestKey{}, info), info
}

// RequestFrom extracts the request record from ctx.
func RequestFrom(ctx context.Context) (*RequestInfo, bool) {
	info, ok := ctx.Value(requestKey{}).(*RequestInfo)
	return info, ok
}

// RequestIDFromContext returns the request id on ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if info, ok := RequestFrom(ctx); ok {
		return info.ID
	}
	return ""
}

// SetMeta attaches a metadata key. Safe for concurrent siblings.
func (r *RequestInfo) SetMeta(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metadata == nil {
		r.metadata = make(map[string]string)
	}
	r.metadata[key] = value
}

// Meta reads a metadata key.
func (r *RequestInfo) Meta(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.metadata[key]
	return value, ok
}

// MetaSnapshot copies the metadata map for logging.
func (r *RequestInfo) MetaSnapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// Elapsed returns the time since the request entered the pipeline.
func (r *RequestInfo) Elapsed() time.Duration {
	return time.Since(r.StartedAt)
}

// DeadlineExpired reports whether ctx's deadline has already passed.
func DeadlineExpired(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return !time.Now().Before(deadline)
}

// RequestIDMiddleware stamps incoming HTTP requests with an id, honoring a
// well-formed caller-supplied header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if sanitized, ok := sanitizeRequestID(requestID); ok {
			requestID = sanitized
		} else {
			requestID = NewRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)

		info := &RequestInfo{
			ID:        requestID,
			StartedAt: time.Now(),
			metadata:  make(map[string]string),
		}
		ctx := context.WithValue(r.Context(), requestKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sanitizeRequestID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxRequestIDLen {
		return "", false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return "", false
		}
	}
	return value, true
}
