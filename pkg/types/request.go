// Package types defines the core data structures exchanged between the query
// pipeline, the similarity cache, and provider adapters.
package types

// Request limits enforced by the pipeline validator.
const (
	MaxQueryLength = 10000
	MaxMaxTokens   = 4000
	MaxTemperature = 2.0
)

// Request is the caller-facing query shape. Cache flags default to enabled;
// pointer fields distinguish "absent" from an explicit false/zero.
type Request struct {
	Query       string   `json:"query"`
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	UseExact    *bool    `json:"use_exact,omitempty"`
	UseSemantic *bool    `json:"use_semantic,omitempty"`
}

// ExactEnabled reports whether the exact cache tier should be consulted.
func (r *Request) ExactEnabled() bool {
	return r.UseExact == nil || *r.UseExact
}

// SemanticEnabled reports whether the semantic cache tier should be consulted.
func (r *Request) SemanticEnabled() bool {
	return r.UseSemantic == nil || *r.UseSemantic
}

// TemperatureValue returns the requested temperature or def when unset.
func (r *Request) TemperatureValue(def float64) float64 {
	if r.Temperature == nil {
		return def
	}
	return *r.Temperature
}

// Bool returns a pointer to b, for building requests with explicit flags.
func Bool(b bool) *bool { return &b }

// Float64 returns a pointer to f, for building requests with explicit
// temperatures.
func Float64(f float64) *float64 { return &f }
