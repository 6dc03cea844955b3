// Package selector implements deterministic backend selection given a
// config snapshot, a request context, and the set of backends already
// tried this request.
package selector

import (
	"github.com/gobalance/corelb/internal/backend"
)

// PickContext carries the request-derived signals a steering algorithm
// may need beyond the candidate set (client IP for ip_hash, region tag
// for geographic pre-filtering).
type PickContext struct {
	ClientIP  string
	RegionTag string
}

// Strategy is a steering algorithm. Pick receives the already-filtered
// candidate set for one pool (enabled, effectively healthy, not
// excluded) and returns the chosen backend, or nil if candidates is
// empty.
type Strategy interface {
	Name() string
	Pick(pool *backend.Pool, candidates []*backend.Backend, pc PickContext) *backend.Backend
}

// Registry resolves a steering-policy name to its Strategy
// implementation, with round_robin as the fallback for unknown names.
type Registry struct {
	strategies map[string]Strategy
	fallback   Strategy
}

// NewRegistry builds the standard set of steering algorithms.
func NewRegistry() *Registry {
	rr := NewRoundRobin()
	reg := &Registry{
		strategies: map[string]Strategy{
			"round_robin":          rr,
			"weighted_round_robin": NewWeightedRoundRobin(),
			"least_connections":    NewLeastConnections(),
			"ip_hash":              NewIPHash(),
			"random":               NewRandom(),
			"geographic":           NewGeographic(rr),
		},
		fallback: rr,
	}
	return reg
}

// Resolve returns the named strategy, or the round-robin fallback if
// the name is empty or unrecognized.
func (r *Registry) Resolve(name string) Strategy {
	if s, ok := r.strategies[name]; ok {
		return s
	}
	return r.fallback
}
