package selector

import (
	"github.com/gobalance/corelb/internal/backend"
)

// RoundRobin advances the pool's own RR cursor modulo the candidate
// count. Ties on weight use candidate
// (insertion) order.
type RoundRobin struct{}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (rr *RoundRobin) Name() string { return "round_robin" }

func (rr *RoundRobin) Pick(pool *backend.Pool, candidates []*backend.Backend, _ PickContext) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}
	cursor := pool.NextRRCursor()
	index := int(cursor % uint64(len(candidates)))
	return candidates[index]
}
