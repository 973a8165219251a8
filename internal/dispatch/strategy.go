package dispatch

import "sync/atomic"

// Strategy orders the candidate providers for a single dispatch. available
// holds the providers whose breaker would currently admit a request, in
// registration order; the returned slice is the fallback walk order.
type Strategy interface {
	Name() string
	Select(requested string, available []string) []string
}

// Preferred serves the requested provider first when it is available, then
// the remaining providers in registration order. With no preference it is
// plain registration order.
type Preferred struct{}

// Name returns the strategy identifier.
func (Preferred) Name() string { return "preferred" }

// Select moves the requested provider to the front of the walk order.
func (Preferred) Select(requested string, available []string) []string {
	if requested == "" {
		return available
	}
	ordered := make([]string, 0, len(available))
	for _, name := range available {
		if name == requested {
			ordered = append(ordered, name)
			break
		}
	}
	for _, name := range available {
		if name != requested {
			ordered = append(ordered, name)
		}
	}
	return ordered
}

// RoundRobin cycles through the available providers, advancing the start
// position by one on every dispatch. The request preference is ignored.
type RoundRobin struct {
	counter atomic.Uint64
}

// NewRoundRobin creates a round-robin strategy starting at the first
// available provider.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Name returns the strategy identifier.
func (r *RoundRobin) Name() string { return "round_robin" }

// Select rotates the available providers so each call starts one past the
// previous call's start.
func (r *RoundRobin) Select(_ string, available []string) []string {
	if len(available) == 0 {
		return nil
	}
	next := r.counter.Add(1) - 1
	start := int(next % uint64(len(available)))
	ordered := make([]string, 0, len(available))
	for i := range available {
		ordered = append(ordered, available[(start+i)%len(available)])
	}
	return ordered
}

// strategyFor maps a configured name to a strategy. Unknown names fall back
// to preferred ordering.
func strategyFor(name string) Strategy {
	switch name {
	case "round_robin", "roundrobin":
		return NewRoundRobin()
	default:
		return Preferred{}
	}
}
