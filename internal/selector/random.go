package selector

import (
	"math/rand"

	"github.com/gobalance/corelb/internal/backend"
)

// Random performs weighted random selection over candidate weights,
// uniform when all weights are equal.
type Random struct{}

// NewRandom creates a random strategy.
func NewRandom() *Random { return &Random{} }

func (r *Random) Name() string { return "random" }

func (r *Random) Pick(pool *backend.Pool, candidates []*backend.Backend, _ PickContext) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}
	total := 0
	for _, c := range candidates {
		w := c.Weight()
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total == 0 {
		return candidates[rand.Intn(len(candidates))]
	}
	pick := rand.Intn(total)
	cursor := 0
	for _, c := range candidates {
		w := c.Weight()
		if w <= 0 {
			w = 1
		}
		cursor += w
		if pick < cursor {
			return c
		}
	}
	return candidates[len(candidates)-1]
}
