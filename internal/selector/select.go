package selector

import (
	"github.com/gobalance/corelb/internal/backend"
)

// PoolSteering pairs a pool with the steering-policy name effective
// for it (the pool's own endpoint_steering, or the service's
// steering_policy when the pool leaves it unset).
type PoolSteering struct {
	Pool     *backend.Pool
	Steering string
}

// Selector walks pools in order, builds
// each pool's candidate set, resolves session affinity, and applies
// the pool's steering algorithm.
type Selector struct {
	registry *Registry
}

// New creates a Selector with the standard steering-algorithm registry.
func New() *Selector {
	return &Selector{registry: NewRegistry()}
}

// Select returns the chosen backend and true, or (nil, false) when no
// pool yields an eligible candidate (nil, false iff the
// candidate set is empty). affinityBackendID, when non-empty, is the
// backend id a prior selection bound to this request's affinity key;
// if it is present in a pool's candidate set it is returned directly
// for that pool without consulting the steering algorithm.
func (s *Selector) Select(
	pools []PoolSteering,
	excluded map[string]struct{},
	activeHCEnabled bool,
	pc PickContext,
	affinityBackendID string,
) (*backend.Backend, bool) {
	for _, ps := range pools {
		if ps.Pool.Disabled {
			continue
		}
		minOrigins := ps.Pool.MinimumOrigins
		if minOrigins < 1 {
			minOrigins = 1
		}
		eligible := ps.Pool.Candidates(map[string]struct{}{}, activeHCEnabled)
		if len(eligible) < minOrigins {
			continue
		}

		candidates := ps.Pool.Candidates(excluded, activeHCEnabled)
		if len(candidates) == 0 {
			continue
		}

		if affinityBackendID != "" {
			for _, c := range candidates {
				if c.ID == affinityBackendID {
					return c, true
				}
			}
		}

		strategy := s.registry.Resolve(ps.Steering)
		if chosen := strategy.Pick(ps.Pool, candidates, pc); chosen != nil {
			return chosen, true
		}
	}
	return nil, false
}
