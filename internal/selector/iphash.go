package selector

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/gobalance/corelb/internal/backend"
)

// IPHash maps hash(client_ip) mod sum(weights) into weighted buckets
// built over the candidate set in a stable (id-sorted) order. The
// mapping is stable across requests from the same IP while the
// candidate set is unchanged; it changes only when membership or
// weights change.
type IPHash struct{}

// NewIPHash creates an ip_hash strategy.
func NewIPHash() *IPHash { return &IPHash{} }

func (h *IPHash) Name() string { return "ip_hash" }

func (h *IPHash) Pick(pool *backend.Pool, candidates []*backend.Backend, pc PickContext) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}

	ordered := make([]*backend.Backend, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	totalWeight := 0
	for _, c := range ordered {
		w := c.Weight()
		if w <= 0 {
			w = 1 // a candidate is only present if eligible; give it a minimal bucket
		}
		totalWeight += w
	}
	if totalWeight == 0 {
		return ordered[0]
	}

	sum := xxhash.Sum64String(pc.ClientIP)
	bucket := int(sum % uint64(totalWeight))

	cursor := 0
	for _, c := range ordered {
		w := c.Weight()
		if w <= 0 {
			w = 1
		}
		cursor += w
		if bucket < cursor {
			return c
		}
	}
	return ordered[len(ordered)-1]
}
