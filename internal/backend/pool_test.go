package backend

import (
	"testing"
)

func newEnabledBackend(t *testing.T, poolID, id string) *Backend {
	t.Helper()
	b := NewBackend(poolID, id, mustURL(t, "http://10.0.0.1:8080"), 1, 0)
	b.SetEnabled(true)
	return b
}

func TestPoolAddGetRemoveBackend(t *testing.T) {
	p := NewPool("pool-a")
	b1 := newEnabledBackend(t, "pool-a", "b1")
	b2 := newEnabledBackend(t, "pool-a", "b2")
	p.AddBackend(b1)
	p.AddBackend(b2)

	if p.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", p.Size())
	}
	got, ok := p.GetBackend("b1")
	if !ok || got != b1 {
		t.Fatal("GetBackend(b1) should return b1")
	}

	if !p.RemoveBackend("b1") {
		t.Fatal("RemoveBackend(b1) should report true")
	}
	if _, ok := p.GetBackend("b1"); ok {
		t.Fatal("b1 should no longer be present")
	}
	if p.RemoveBackend("missing") {
		t.Fatal("RemoveBackend of a missing id should report false")
	}
}

func TestPoolBackendsReturnsDefensiveCopy(t *testing.T) {
	p := NewPool("pool-a")
	p.AddBackend(newEnabledBackend(t, "pool-a", "b1"))

	snapshot := p.Backends()
	snapshot[0] = nil

	if p.Backends()[0] == nil {
		t.Fatal("mutating the returned slice must not affect the pool's internal state")
	}
}

func TestPoolCandidatesFiltersDisabledUnhealthyAndExcluded(t *testing.T) {
	p := NewPool("pool-a")
	healthy := newEnabledBackend(t, "pool-a", "healthy")
	disabled := newEnabledBackend(t, "pool-a", "disabled")
	disabled.SetEnabled(false)
	unhealthy := newEnabledBackend(t, "pool-a", "unhealthy")
	unhealthy.SetHealthy(false)
	excluded := newEnabledBackend(t, "pool-a", "excluded")

	p.AddBackend(healthy)
	p.AddBackend(disabled)
	p.AddBackend(unhealthy)
	p.AddBackend(excluded)

	candidates := p.Candidates(map[string]struct{}{"excluded": {}}, true)
	if len(candidates) != 1 || candidates[0].ID != "healthy" {
		t.Fatalf("expected only 'healthy' as a candidate, got %v", idsOf(candidates))
	}
}

func TestPoolCandidatesIgnoresHealthyFlagWhenActiveHCDisabled(t *testing.T) {
	p := NewPool("pool-a")
	unhealthy := newEnabledBackend(t, "pool-a", "unhealthy")
	unhealthy.SetHealthy(false)
	p.AddBackend(unhealthy)

	candidates := p.Candidates(nil, false)
	if len(candidates) != 1 {
		t.Fatalf("expected the unhealthy backend to remain a candidate with active health checks off, got %v", idsOf(candidates))
	}
}

func TestPoolNextRRCursorIsMonotonicAndUnique(t *testing.T) {
	p := NewPool("pool-a")
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		v := p.NextRRCursor()
		if seen[v] {
			t.Fatalf("cursor value %d repeated", v)
		}
		seen[v] = true
	}
}

func idsOf(backends []*Backend) []string {
	out := make([]string, len(backends))
	for i, b := range backends {
		out[i] = b.ID
	}
	return out
}
