package selector

import (
	"math"
	"sync"

	"github.com/gobalance/corelb/internal/backend"
)

// wrrEntry tracks the smooth-weighted-round-robin current weight for
// one backend within one pool.
type wrrEntry struct {
	weight        int
	currentWeight int
}

// WeightedRoundRobin implements the Nginx-style smooth weighted
// round-robin: each candidate's current weight
// grows by its configured weight every pick, the maximum is chosen,
// then that winner's current weight is reduced by the total weight.
// State is kept per (pool, backend) so multiple pools/services never
// share a cursor.
type WeightedRoundRobin struct {
	mu    sync.Mutex
	state map[string]map[string]*wrrEntry // poolID -> backendID -> entry
}

// NewWeightedRoundRobin creates a smooth weighted round-robin strategy.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{state: make(map[string]map[string]*wrrEntry)}
}

func (w *WeightedRoundRobin) Name() string { return "weighted_round_robin" }

func (w *WeightedRoundRobin) Pick(pool *backend.Pool, candidates []*backend.Backend, _ PickContext) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	poolState, ok := w.state[pool.ID]
	if !ok {
		poolState = make(map[string]*wrrEntry)
		w.state[pool.ID] = poolState
	}

	present := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		present[c.ID] = struct{}{}
		weight := c.Weight()
		entry, ok := poolState[c.ID]
		if !ok {
			poolState[c.ID] = &wrrEntry{weight: weight}
		} else {
			entry.weight = weight
		}
	}
	for id := range poolState {
		if _, ok := present[id]; !ok {
			delete(poolState, id)
		}
	}

	totalWeight := 0
	var selectedID string
	maxCurrent := math.MinInt
	for id, entry := range poolState {
		entry.currentWeight += entry.weight
		totalWeight += entry.weight
		if entry.currentWeight > maxCurrent {
			maxCurrent = entry.currentWeight
			selectedID = id
		}
	}
	if selectedID == "" {
		return candidates[0]
	}
	poolState[selectedID].currentWeight -= totalWeight

	for _, c := range candidates {
		if c.ID == selectedID {
			return c
		}
	}
	return candidates[0]
}
