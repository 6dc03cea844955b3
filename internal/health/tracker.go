// Package health implements the health tracker: active
// probes, passive signal ingestion, and the per-backend circuit
// breaker.
package health

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/gobalance/corelb/internal/backend"
	"github.com/gobalance/corelb/internal/logging"
	"github.com/gobalance/corelb/internal/notify"
)

// ActiveConfig configures the active-probe scheduler for one service.
type ActiveConfig struct {
	Enabled         bool
	Interval        time.Duration
	Timeout         time.Duration
	Method          string
	Path            string
	ExpectedStatus  []int
	ExpectedBody    string // substring match, empty disables the check
	ConsecutiveUp   int
	ConsecutiveDown int
}

// CircuitConfig configures the per-backend circuit breaker.
type CircuitConfig struct {
	FailureThreshold   uint32
	ErrorRateThreshold float64
	MinSamples         uint32
	RecoveryTimeout    time.Duration
	WindowSize         time.Duration
}

// Tracker owns the circuit breakers for every backend of one service
// and drives consecutive-threshold health transitions.
type Tracker struct {
	serviceName string
	active      ActiveConfig
	circuit     CircuitConfig
	notifier    notify.Sink
	logger      *logging.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// NewTracker creates a Tracker for one service.
func NewTracker(serviceName string, active ActiveConfig, circuit CircuitConfig, notifier notify.Sink, logger *logging.Logger) *Tracker {
	if notifier == nil {
		notifier = notify.NoOp{}
	}
	return &Tracker{
		serviceName: serviceName,
		active:      active,
		circuit:     circuit,
		notifier:    notifier,
		logger:      logger,
		breakers:    make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// Reconfigure swaps the active/circuit config atomically for subsequent
// probes and breaker creations. Existing breakers keep their prior
// settings until DropBackend discards them and the backend is seen
// again; ApplyConfig drops only backends removed from the config.
func (t *Tracker) Reconfigure(active ActiveConfig, circuit CircuitConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = active
	t.circuit = circuit
}

func (t *Tracker) breakerFor(b *backend.Backend) *gobreaker.TwoStepCircuitBreaker {
	t.mu.RLock()
	cb, ok := t.breakers[b.ID]
	t.mu.RUnlock()
	if ok {
		return cb
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok := t.breakers[b.ID]; ok {
		return cb
	}

	circuit := t.circuit
	cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        t.serviceName + "/" + b.ID,
		MaxRequests: 1, // half-open: allow exactly one probe attempt through
		Interval:    circuit.WindowSize,
		Timeout:     circuit.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if circuit.FailureThreshold > 0 && counts.ConsecutiveFailures >= circuit.FailureThreshold {
				return true
			}
			if circuit.ErrorRateThreshold > 0 && counts.Requests >= maxu32(circuit.MinSamples, 1) {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				if failureRatio >= circuit.ErrorRateThreshold {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.onStateChange(b, from, to)
		},
	})
	t.breakers[b.ID] = cb
	return cb
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func (t *Tracker) onStateChange(b *backend.Backend, from, to gobreaker.State) {
	b.SetCBState(mapState(to))
	if t.logger != nil {
		t.logger.Info("circuit_breaker_transition",
			"service", t.serviceName, "backend", b.ID,
			"from", from.String(), "to", to.String())
	}
	t.notifier.Notify(notify.Event{
		Service:   t.serviceName,
		BackendID: b.ID,
		Kind:      notify.KindCircuitBreaker,
		State:     mapState(to).String(),
		At:        time.Now(),
	})
}

func mapState(s gobreaker.State) backend.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return backend.CircuitOpen
	case gobreaker.StateHalfOpen:
		return backend.CircuitHalfOpen
	default:
		return backend.CircuitClosed
	}
}

// Allow decides whether a request may be attempted against b, mirroring
// the circuit-breaker gating policy (closed: always; open: never;
// half_open: exactly one in flight). done must be invoked exactly once
// with the outcome of the attempt, on every exit path.
func (t *Tracker) Allow(b *backend.Backend) (done func(success bool), permitted bool) {
	cb := t.breakerFor(b)
	d, err := cb.Allow()
	if err != nil {
		return func(bool) {}, false
	}
	return d, true
}

// RecordOutcome updates the shared consecutive-success/failure streak
// used for the active_hc.enabled healthy_flag,
// regardless of whether the outcome came from an active probe or a
// passive live-request signal. Threshold crossings emit a
// NotificationSink event.
func (t *Tracker) RecordOutcome(b *backend.Backend, success bool, reason string) {
	t.mu.RLock()
	active := t.active
	t.mu.RUnlock()

	wasHealthy := b.Healthy()
	var metrics backend.HealthMetrics
	if success {
		metrics = b.RecordProbeSuccess()
	} else {
		metrics = b.RecordProbeFailure(reason)
	}

	consecutiveUp := active.ConsecutiveUp
	if consecutiveUp < 1 {
		consecutiveUp = 1
	}
	consecutiveDown := active.ConsecutiveDown
	if consecutiveDown < 1 {
		consecutiveDown = 1
	}

	if wasHealthy && metrics.ConsecutiveFailures >= consecutiveDown {
		b.SetHealthy(false)
		t.transitionNotify(b, false, reason)
	} else if !wasHealthy && metrics.ConsecutiveSuccesses >= consecutiveUp {
		b.SetHealthy(true)
		t.transitionNotify(b, true, "")
	}
}

func (t *Tracker) transitionNotify(b *backend.Backend, healthy bool, reason string) {
	state := "unhealthy"
	if healthy {
		state = "healthy"
	}
	if t.logger != nil {
		t.logger.Info("backend_health_transition",
			"service", t.serviceName, "backend", b.ID, "state", state, "reason", reason)
	}
	t.notifier.Notify(notify.Event{
		Service:   t.serviceName,
		BackendID: b.ID,
		Kind:      notify.KindHealth,
		State:     state,
		Reason:    reason,
		At:        time.Now(),
	})
}

// DropBackend removes cached breaker state for a backend id that no
// longer exists in the service's configuration.
func (t *Tracker) DropBackend(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.breakers, id)
}
