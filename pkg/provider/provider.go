// Package provider defines the contract upstream LLM adapters implement.
// The dispatcher treats providers as opaque completion services; everything
// transport-specific stays inside the adapter.
package provider

import (
	"context"
	"time"
)

// CompletionRequest is the narrowed request a provider receives after the
// pipeline has normalized, validated, and missed the cache. Temperature is
// nil when the caller did not set one.
type CompletionRequest struct {
	Query       string
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Result is a provider's successful answer. Model reports what actually
// served the request, which may differ from the requested alias.
type Result struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider is implemented by every upstream adapter. Complete returns a
// typed *errors.Error on failure so retry and fallback classification can
// stay table-driven.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Complete performs one completion call. It must observe ctx deadlines
	// and return promptly on cancellation.
	Complete(ctx context.Context, req *CompletionRequest) (*Result, error)
}

// Config carries the settings shared by the bundled HTTP adapters. Type
// selects the adapter in the registry; Name overrides the registry name
// for compatible endpoints served under a different identity.
type Config struct {
	Name         string
	Type         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	Headers      map[string]string
}

// Factory builds a provider instance from configuration.
type Factory func(cfg Config) (Provider, error)
