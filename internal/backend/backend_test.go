package backend

import (
	"net/url"
	"testing"
	"time"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u
}

func TestNewBackendDefaults(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 5, 1)

	if !b.Enabled() {
		t.Error("new backend should be enabled")
	}
	if !b.Healthy() {
		t.Error("new backend should be healthy")
	}
	if b.CBState() != CircuitClosed {
		t.Errorf("new backend should have a closed circuit, got %v", b.CBState())
	}
	if b.Weight() != 5 {
		t.Errorf("Weight() = %d, want 5", b.Weight())
	}
	if b.Priority() != 1 {
		t.Errorf("Priority() = %d, want 1", b.Priority())
	}
}

func TestNewBackendClampsNegativeWeight(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), -3, 0)
	if b.Weight() != 0 {
		t.Errorf("Weight() = %d, want 0 for a negative input", b.Weight())
	}
	b.SetWeight(-7)
	if b.Weight() != 0 {
		t.Errorf("SetWeight(-7) left Weight() = %d, want 0", b.Weight())
	}
}

func TestEffectiveHealthyRequiresEnabled(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 1, 0)
	b.SetEnabled(false)
	if b.EffectiveHealthy(false) {
		t.Error("a disabled backend must never be effectively healthy")
	}
}

func TestEffectiveHealthyRequiresClosedCircuit(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 1, 0)
	b.SetCBState(CircuitOpen)
	if b.EffectiveHealthy(false) {
		t.Error("a backend with an open circuit must never be effectively healthy")
	}
}

func TestEffectiveHealthyIgnoresHealthyFlagWhenActiveHCDisabled(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 1, 0)
	b.SetHealthy(false)
	if !b.EffectiveHealthy(false) {
		t.Error("healthy_flag should be ignored when active health checks are disabled")
	}
	if b.EffectiveHealthy(true) {
		t.Error("healthy_flag should gate effective health when active health checks are enabled")
	}
}

func TestRecordProbeSuccessAndFailureResetStreaks(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 1, 0)

	b.RecordProbeSuccess()
	b.RecordProbeSuccess()
	m := b.HealthMetrics()
	if m.ConsecutiveSuccesses != 2 || m.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected metrics after two successes: %+v", m)
	}

	m = b.RecordProbeFailure("probe_timeout")
	if m.ConsecutiveFailures != 1 || m.ConsecutiveSuccesses != 0 {
		t.Fatalf("a failure should reset the success streak: %+v", m)
	}
	if m.LastFailureReason != "probe_timeout" {
		t.Errorf("LastFailureReason = %q, want probe_timeout", m.LastFailureReason)
	}
}

func TestSetCBStateStampsOpenedAtOnlyOnTransitionIntoOpen(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 1, 0)

	b.SetCBState(CircuitOpen)
	first := b.CBOpenedAt()
	if first.IsZero() {
		t.Fatal("cb_opened_at should be stamped on transition into open")
	}

	b.SetCBState(CircuitOpen)
	if b.CBOpenedAt() != first {
		t.Error("cb_opened_at must not change while the circuit stays open")
	}

	b.SetCBState(CircuitHalfOpen)
	b.SetCBState(CircuitOpen)
	if !b.CBOpenedAt().After(first) {
		t.Error("cb_opened_at should advance on a fresh transition into open")
	}
}

func TestResetHealthRestoresDefaults(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 1, 0)
	b.SetHealthy(false)
	b.RecordProbeFailure("probe_timeout")
	b.SetCBState(CircuitOpen)

	b.ResetHealth()

	if !b.Healthy() {
		t.Error("ResetHealth should restore healthy=true")
	}
	if b.CBState() != CircuitClosed {
		t.Error("ResetHealth should restore a closed circuit")
	}
	if m := b.HealthMetrics(); m.ConsecutiveFailures != 0 {
		t.Errorf("ResetHealth should zero the failure streak, got %+v", m)
	}
}

func TestInflightCounting(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 1, 0)
	b.IncInflight()
	b.IncInflight()
	b.DecInflight()
	if got := b.Inflight(); got != 1 {
		t.Errorf("Inflight() = %d, want 1", got)
	}
}

func TestRecordRequestOutcomeTracksLifetimeCounters(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 1, 0)

	b.RecordRequestOutcome(true, 10*time.Millisecond, "")
	b.RecordRequestOutcome(false, 20*time.Millisecond, "upstream_error")
	b.RecordRequestOutcome(true, 30*time.Millisecond, "")

	stats := b.RequestStats()
	if stats.Requests != 3 {
		t.Errorf("Requests = %d, want 3", stats.Requests)
	}
	if stats.Successes != 2 {
		t.Errorf("Successes = %d, want 2", stats.Successes)
	}
	if stats.Failures != 1 {
		t.Errorf("Failures = %d, want 1", stats.Failures)
	}
}

func TestRecordRequestOutcomeComputesAverageRoundTrip(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 1, 0)

	b.RecordRequestOutcome(true, 10*time.Millisecond, "")
	b.RecordRequestOutcome(true, 20*time.Millisecond, "")
	b.RecordRequestOutcome(true, 30*time.Millisecond, "")

	stats := b.RequestStats()
	if stats.AvgRTMillis != 20 {
		t.Errorf("AvgRTMillis = %v, want 20", stats.AvgRTMillis)
	}
}

func TestRequestStatsAvgRTMillisZeroWithNoRequests(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 1, 0)
	stats := b.RequestStats()
	if stats.AvgRTMillis != 0 {
		t.Errorf("AvgRTMillis = %v, want 0 with no recorded requests", stats.AvgRTMillis)
	}
	if stats.Requests != 0 || len(stats.LastFailures) != 0 {
		t.Errorf("expected zero-value stats, got %+v", stats)
	}
}

func TestRecordRequestOutcomeBoundsLastFailuresRing(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 1, 0)

	for i := 0; i < 25; i++ {
		b.RecordRequestOutcome(false, time.Millisecond, "transport_error")
	}

	stats := b.RequestStats()
	if stats.Failures != 25 {
		t.Errorf("Failures = %d, want 25", stats.Failures)
	}
	if len(stats.LastFailures) != maxLastFailures {
		t.Errorf("LastFailures length = %d, want %d", len(stats.LastFailures), maxLastFailures)
	}
}

func TestRequestStatsReturnsDefensiveCopyOfLastFailures(t *testing.T) {
	b := NewBackend("pool-a", "b1", mustURL(t, "http://10.0.0.1:8080"), 1, 0)
	b.RecordRequestOutcome(false, time.Millisecond, "transport_error")

	stats := b.RequestStats()
	stats.LastFailures[0].Reason = "mutated"

	again := b.RequestStats()
	if again.LastFailures[0].Reason != "transport_error" {
		t.Error("mutating a returned RequestStats must not affect backend state")
	}
}
