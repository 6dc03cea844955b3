package selector

import (
	"github.com/gobalance/corelb/internal/backend"
)

// Geographic restricts candidates to those declaring a matching region
// before delegating to a fallback algorithm, round_robin by default.
// If the request carries no region tag, or no candidate declares a
// matching region, it falls through to the fallback over the full
// candidate set.
type Geographic struct {
	Fallback Strategy
}

// NewGeographic creates a geographic strategy falling back to
// round_robin.
func NewGeographic(fallback Strategy) *Geographic {
	if fallback == nil {
		fallback = NewRoundRobin()
	}
	return &Geographic{Fallback: fallback}
}

func (g *Geographic) Name() string { return "geographic" }

func (g *Geographic) Pick(pool *backend.Pool, candidates []*backend.Backend, pc PickContext) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}
	if pc.RegionTag != "" {
		var matching []*backend.Backend
		for _, c := range candidates {
			for _, r := range c.Regions {
				if r == pc.RegionTag {
					matching = append(matching, c)
					break
				}
			}
		}
		if len(matching) > 0 {
			return g.Fallback.Pick(pool, matching, pc)
		}
	}
	return g.Fallback.Pick(pool, candidates, pc)
}
