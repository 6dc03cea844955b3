package backend

import "time"

// CircuitState mirrors the three circuit-breaker states.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the lower_snake wire form used in admin/metrics JSON.
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// HealthMetrics tracks the active/passive health-check streak state
// on every Backend.
type HealthMetrics struct {
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	LastCheck            time.Time
	LastSuccess          time.Time
	LastFailure          time.Time
	LastFailureReason    string
}

// FailureRecord is one entry in a backend's bounded recent-failures
// ring, surfaced verbatim in the admin metrics JSON.
type FailureRecord struct {
	At     time.Time `json:"ts"`
	Reason string    `json:"reason"`
}

// maxLastFailures bounds the ring so metrics payloads stay small even
// under sustained backend failure.
const maxLastFailures = 20

// RequestStats is a point-in-time copy of a backend's lifetime request
// counters, for the admin metrics endpoint.
type RequestStats struct {
	Requests     int64
	Successes    int64
	Failures     int64
	AvgRTMillis  float64
	LastFailures []FailureRecord
}
