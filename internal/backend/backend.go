package backend

import (
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Backend represents a single upstream origin within a pool, identified
// by (pool_id, backend_id).
type Backend struct {
	PoolID string
	ID     string
	URL    *url.URL

	// Regions is the optional set of geographic region tags this
	// backend declares, consulted by the "geographic" steering
	// algorithm.
	Regions []string

	weight   int32 // atomic: >= 0
	priority int32 // atomic: lower = preferred

	mux                  sync.RWMutex
	enabled              bool
	healthy              bool
	metrics              HealthMetrics
	cbState              CircuitState
	cbOpenedAt           time.Time
	lastFailures         []FailureRecord

	inflightConnections int64 // atomic

	requestsTotal    int64 // atomic
	requestsOK       int64 // atomic
	requestsFailed   int64 // atomic
	rtMillisTotal    int64 // atomic, sum of observed round-trip times
}

// NewBackend creates a backend with the default runtime state:
// enabled, healthy, circuit closed, zero streaks.
func NewBackend(poolID, id string, u *url.URL, weight, priority int) *Backend {
	if weight < 0 {
		weight = 0
	}
	return &Backend{
		PoolID:   poolID,
		ID:       id,
		URL:      u,
		weight:   int32(weight),
		priority: int32(priority),
		enabled:  true,
		healthy:  true,
		cbState:  CircuitClosed,
	}
}

// Weight returns the current routing weight.
func (b *Backend) Weight() int { return int(atomic.LoadInt32(&b.weight)) }

// SetWeight updates the routing weight (weight must be >= 0).
func (b *Backend) SetWeight(weight int) {
	if weight < 0 {
		weight = 0
	}
	atomic.StoreInt32(&b.weight, int32(weight))
}

// Priority returns the backend's preference rank (lower = preferred).
func (b *Backend) Priority() int { return int(atomic.LoadInt32(&b.priority)) }

// SetPriority updates the preference rank.
func (b *Backend) SetPriority(p int) { atomic.StoreInt32(&b.priority, int32(p)) }

// Enabled reports the admin-controlled enable/disable toggle.
func (b *Backend) Enabled() bool {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return b.enabled
}

// SetEnabled flips the admin enable/disable toggle.
func (b *Backend) SetEnabled(enabled bool) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.enabled = enabled
}

// Healthy reports the active-probe-derived health flag, independent of
// circuit-breaker state.
func (b *Backend) Healthy() bool {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return b.healthy
}

// SetHealthy sets the active-probe-derived health flag directly; used
// by the health tracker after a consecutive-threshold transition.
func (b *Backend) SetHealthy(healthy bool) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.healthy = healthy
}

// EffectiveHealthy reports whether the backend is usable right now:
// enabled ∧ ¬cb_open ∧
// (active_hc.enabled ⇒ healthy_flag).
func (b *Backend) EffectiveHealthy(activeHCEnabled bool) bool {
	b.mux.RLock()
	defer b.mux.RUnlock()
	if !b.enabled {
		return false
	}
	if b.cbState == CircuitOpen {
		return false
	}
	if activeHCEnabled && !b.healthy {
		return false
	}
	return true
}

// RecordProbeSuccess records a successful health signal (active probe
// or passive live-request outcome) and resets the failure streak.
func (b *Backend) RecordProbeSuccess() HealthMetrics {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.metrics.ConsecutiveSuccesses++
	b.metrics.ConsecutiveFailures = 0
	b.metrics.LastCheck = time.Now()
	b.metrics.LastSuccess = time.Now()
	return b.metrics
}

// RecordProbeFailure records a failed health signal and resets the
// success streak.
func (b *Backend) RecordProbeFailure(reason string) HealthMetrics {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.metrics.ConsecutiveFailures++
	b.metrics.ConsecutiveSuccesses = 0
	b.metrics.LastCheck = time.Now()
	b.metrics.LastFailure = time.Now()
	b.metrics.LastFailureReason = reason
	return b.metrics
}

// HealthMetrics returns a copy of the current streak/timestamp state.
func (b *Backend) HealthMetrics() HealthMetrics {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return b.metrics
}

// ResetHealth restores the default healthy state, used by the admin
// "health/reset" action.
func (b *Backend) ResetHealth() {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.healthy = true
	b.metrics = HealthMetrics{}
	b.cbState = CircuitClosed
	b.cbOpenedAt = time.Time{}
}

// AdoptRuntimeState copies health, circuit-breaker, and lifetime
// request-counter state from prev into b. Used when a config reload
// rebuilds backend objects for (pool_id, id) pairs that already
// existed, so an unrelated config change (e.g. disabling a sibling
// backend) does not reset this backend's health or metrics. b must not
// yet be visible to any reader when this is called; in-flight
// connection count is intentionally not carried over, since in-flight
// requests against prev keep referencing prev until they complete.
func (b *Backend) AdoptRuntimeState(prev *Backend) {
	prev.mux.RLock()
	healthy := prev.healthy
	metrics := prev.metrics
	cbState := prev.cbState
	cbOpenedAt := prev.cbOpenedAt
	lastFailures := make([]FailureRecord, len(prev.lastFailures))
	copy(lastFailures, prev.lastFailures)
	prev.mux.RUnlock()

	b.healthy = healthy
	b.metrics = metrics
	b.cbState = cbState
	b.cbOpenedAt = cbOpenedAt
	b.lastFailures = lastFailures

	atomic.StoreInt64(&b.requestsTotal, atomic.LoadInt64(&prev.requestsTotal))
	atomic.StoreInt64(&b.requestsOK, atomic.LoadInt64(&prev.requestsOK))
	atomic.StoreInt64(&b.requestsFailed, atomic.LoadInt64(&prev.requestsFailed))
	atomic.StoreInt64(&b.rtMillisTotal, atomic.LoadInt64(&prev.rtMillisTotal))
}

// CBState returns the current circuit-breaker state.
func (b *Backend) CBState() CircuitState {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return b.cbState
}

// SetCBState transitions the circuit-breaker state, stamping
// cb_opened_at when transitioning into the open state.
func (b *Backend) SetCBState(state CircuitState) {
	b.mux.Lock()
	defer b.mux.Unlock()
	if state == CircuitOpen && b.cbState != CircuitOpen {
		b.cbOpenedAt = time.Now()
	}
	b.cbState = state
}

// CBOpenedAt returns when the circuit last transitioned to open.
func (b *Backend) CBOpenedAt() time.Time {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return b.cbOpenedAt
}

// IncInflight atomically increments the in-flight connection count.
// Callers must pair every IncInflight with exactly one DecInflight on
// every exit path.
func (b *Backend) IncInflight() { atomic.AddInt64(&b.inflightConnections, 1) }

// DecInflight atomically decrements the in-flight connection count.
func (b *Backend) DecInflight() { atomic.AddInt64(&b.inflightConnections, -1) }

// Inflight atomically reads the in-flight connection count.
func (b *Backend) Inflight() int64 { return atomic.LoadInt64(&b.inflightConnections) }

// RecordRequestOutcome updates the lifetime request counters consulted
// by the admin metrics endpoint. It is independent of the
// consecutive-streak bookkeeping in RecordProbeSuccess/Failure, which
// drives health transitions rather than reporting.
func (b *Backend) RecordRequestOutcome(success bool, rt time.Duration, reason string) {
	atomic.AddInt64(&b.requestsTotal, 1)
	atomic.AddInt64(&b.rtMillisTotal, rt.Milliseconds())
	if success {
		atomic.AddInt64(&b.requestsOK, 1)
		return
	}
	atomic.AddInt64(&b.requestsFailed, 1)

	b.mux.Lock()
	defer b.mux.Unlock()
	b.lastFailures = append(b.lastFailures, FailureRecord{At: time.Now(), Reason: reason})
	if len(b.lastFailures) > maxLastFailures {
		b.lastFailures = b.lastFailures[len(b.lastFailures)-maxLastFailures:]
	}
}

// RequestStats returns a point-in-time copy of the lifetime request
// counters and the recent-failures ring.
func (b *Backend) RequestStats() RequestStats {
	total := atomic.LoadInt64(&b.requestsTotal)
	ok := atomic.LoadInt64(&b.requestsOK)
	failed := atomic.LoadInt64(&b.requestsFailed)
	rtSum := atomic.LoadInt64(&b.rtMillisTotal)

	avg := 0.0
	if total > 0 {
		avg = float64(rtSum) / float64(total)
	}

	b.mux.RLock()
	defer b.mux.RUnlock()
	failures := make([]FailureRecord, len(b.lastFailures))
	copy(failures, b.lastFailures)

	return RequestStats{
		Requests:     total,
		Successes:    ok,
		Failures:     failed,
		AvgRTMillis:  avg,
		LastFailures: failures,
	}
}
