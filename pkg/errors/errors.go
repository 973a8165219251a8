// Package errors defines the typed fault taxonomy shared by all semcache
// components. Every failure crossing a component boundary is mapped to one of
// these kinds so that recovery decisions stay table-driven.
package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind tags an error with its place in the fault taxonomy. The set is closed:
// recovery logic switches on it exhaustively.
type Kind string

const (
	// Recovery-level kinds.
	KindCacheFault      Kind = "cache_fault"
	KindEmbeddingFault  Kind = "embedding_fault"
	KindUpstreamFault   Kind = "upstream_fault"
	KindCircuitOpen     Kind = "circuit_open"
	KindPoolTimeout     Kind = "pool_timeout"
	KindValidationFault Kind = "validation_fault"
	KindContextExceeded Kind = "context_exceeded"
	KindBudgetExceeded  Kind = "budget_exceeded"
	KindCancelled       Kind = "cancelled"

	// Transport-level kinds raised by provider and store adapters. All four
	// classify as retryable and recover like upstream faults.
	KindConnectionFailure  Kind = "connection_failure"
	KindTimeout            Kind = "timeout"
	KindServiceUnavailable Kind = "service_unavailable"
	KindTransientUpstream  Kind = "transient_upstream"
)

// retryableKinds are the kinds the retry handler may re-attempt.
var retryableKinds = map[Kind]bool{
	KindConnectionFailure:  true,
	KindTimeout:            true,
	KindServiceUnavailable: true,
	KindTransientUpstream:  true,
}

// retryableFragments is the fallback message heuristic for errors that reach
// us untyped (library errors, raw transport errors). Matching is
// case-insensitive.
var retryableFragments = []string{
	"timeout",
	"connection",
	"network",
	"unavailable",
	"temporary",
	"rate limit",
	"503",
	"502",
	"504",
}

// Error is the tagged error value used across the cache, dispatcher, and
// pipeline. Provider and Model are filled when the fault originated upstream.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Retryable bool   `json:"retriable_hint"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Provider != "" && e.Model != "":
		return fmt.Sprintf("[%s] %s (provider=%s, model=%s)", e.Kind, e.Message, e.Provider, e.Model)
	case e.Provider != "":
		return fmt.Sprintf("[%s] %s (provider=%s)", e.Kind, e.Message, e.Provider)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
}

// Unwrap exposes the cause chain to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches the underlying error and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// HTTPStatus maps the kind to an HTTP status code. The mapping is a
// convenience for serving layers; the core never depends on it.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidationFault:
		return http.StatusBadRequest
	case KindContextExceeded:
		return http.StatusRequestEntityTooLarge
	case KindBudgetExceeded:
		return http.StatusTooManyRequests
	case KindCancelled:
		return 499 // client closed request
	case KindCircuitOpen, KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout, KindPoolTimeout:
		return http.StatusGatewayTimeout
	case KindConnectionFailure, KindTransientUpstream, KindUpstreamFault:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error with an explicit kind. Prefer the typed constructors.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryableKinds[kind]}
}

// Newf creates an error with an explicit kind and a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// NewCacheFault creates a cache-tier fault. Cache faults are recovered
// locally (the tier is skipped), never retried as a whole request.
func NewCacheFault(message string, cause error) *Error {
	return &Error{Kind: KindCacheFault, Message: message, cause: cause}
}

// NewEmbeddingFault creates an embedder fault. The semantic tier downgrades
// to exact-only when it sees one.
func NewEmbeddingFault(message string, cause error) *Error {
	return &Error{Kind: KindEmbeddingFault, Message: message, cause: cause}
}

// NewUpstreamFault creates a non-retryable provider fault.
func NewUpstreamFault(provider, model, message string) *Error {
	return &Error{Kind: KindUpstreamFault, Message: message, Provider: provider, Model: model}
}

// NewConnectionFailure creates a retryable connection-level fault.
func NewConnectionFailure(provider, model, message string) *Error {
	return &Error{Kind: KindConnectionFailure, Message: message, Provider: provider, Model: model, Retryable: true}
}

// NewTimeout creates a retryable upstream timeout.
func NewTimeout(provider, model, message string) *Error {
	return &Error{Kind: KindTimeout, Message: message, Provider: provider, Model: model, Retryable: true}
}

// NewServiceUnavailable creates a retryable 503-class fault.
func NewServiceUnavailable(provider, model, message string) *Error {
	return &Error{Kind: KindServiceUnavailable, Message: message, Provider: provider, Model: model, Retryable: true}
}

// NewTransientUpstream creates a retryable fault for 429/502/504-class
// conditions the provider is expected to recover from on its own.
func NewTransientUpstream(provider, model, message string) *Error {
	return &Error{Kind: KindTransientUpstream, Message: message, Provider: provider, Model: model, Retryable: true}
}

// NewCircuitOpen signals that the provider's breaker rejected the call.
func NewCircuitOpen(provider string) *Error {
	return &Error{Kind: KindCircuitOpen, Message: "circuit breaker is open", Provider: provider}
}

// NewPoolTimeout signals that no pooled connection became available within
// the acquire budget.
func NewPoolTimeout(message string) *Error {
	return &Error{Kind: KindPoolTimeout, Message: message}
}

// NewValidationFault rejects malformed caller input. Never retried.
func NewValidationFault(message string) *Error {
	return &Error{Kind: KindValidationFault, Message: message}
}

// NewContextExceeded signals that prompt plus completion budget does not fit
// the model window. Never retried.
func NewContextExceeded(model, message string) *Error {
	return &Error{Kind: KindContextExceeded, Message: message, Model: model}
}

// NewBudgetExceeded signals a caller-side rate or cost budget violation.
func NewBudgetExceeded(provider, message string) *Error {
	return &Error{Kind: KindBudgetExceeded, Message: message, Provider: provider}
}

// NewCancelled wraps a caller cancellation or deadline expiry.
func NewCancelled(cause error) *Error {
	return &Error{Kind: KindCancelled, Message: "request cancelled", cause: cause}
}

// FromStatusCode maps an upstream HTTP status to a typed error. Adapters use
// it for responses that carry no structured error body.
func FromStatusCode(provider, model string, status int, message string) *Error {
	switch {
	case status == http.StatusRequestTimeout:
		return NewTimeout(provider, model, message)
	case status == http.StatusTooManyRequests:
		if message == "" {
			message = "rate limit exceeded"
		}
		return NewTransientUpstream(provider, model, message)
	case status == http.StatusServiceUnavailable:
		return NewServiceUnavailable(provider, model, message)
	case status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		return NewTransientUpstream(provider, model, message)
	case status == http.StatusRequestEntityTooLarge:
		return NewContextExceeded(model, message)
	default:
		return NewUpstreamFault(provider, model, message)
	}
}

// As unwraps err to a typed *Error if one is anywhere on the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if goerrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies an arbitrary error. Typed errors win; context sentinels
// map to Cancelled; otherwise the message heuristics decide. The zero Kind is
// returned when nothing matches, leaving the default to the call site.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	if goerrors.Is(err, context.Canceled) || goerrors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return KindConnectionFailure
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "503"):
		return KindServiceUnavailable
	case strings.Contains(msg, "temporary") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "504"):
		return KindTransientUpstream
	default:
		return ""
	}
}

// IsRetryable reports whether the retry handler may re-attempt after err.
// Typed classification wins; the message fragments are the fallback for
// untyped errors. Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if goerrors.Is(err, context.Canceled) || goerrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if e, ok := As(err); ok {
		return e.Retryable || retryableKinds[e.Kind]
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// IsKind reports whether err carries the given kind anywhere on its chain.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
