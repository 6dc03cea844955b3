package selector

import (
	"github.com/gobalance/corelb/internal/backend"
)

// LeastConnections picks the candidate with the fewest in-flight
// connections, tie-breaking by weight desc then id lex.
type LeastConnections struct{}

// NewLeastConnections creates a least-connections strategy.
func NewLeastConnections() *LeastConnections { return &LeastConnections{} }

func (lc *LeastConnections) Name() string { return "least_connections" }

func (lc *LeastConnections) Pick(pool *backend.Pool, candidates []*backend.Backend, _ PickContext) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}
	selected := candidates[0]
	for _, c := range candidates[1:] {
		if c.Inflight() < selected.Inflight() {
			selected = c
			continue
		}
		if c.Inflight() == selected.Inflight() {
			if c.Weight() > selected.Weight() {
				selected = c
			} else if c.Weight() == selected.Weight() && c.ID < selected.ID {
				selected = c
			}
		}
	}
	return selected
}
