// Package metrics builds the admin-facing JSON/HTML metrics views and
// the Prometheus collector/exporter consulted for scraping.
package metrics

import (
	"time"

	"github.com/gobalance/corelb/internal/backend"
)

// BackendMetrics is the per-backend entry of a service's metrics
// payload.
type BackendMetrics struct {
	ID           string                   `json:"id"`
	PoolID       string                   `json:"pool_id"`
	URL          string                   `json:"url"`
	Enabled      bool                     `json:"enabled"`
	Healthy      bool                     `json:"healthy"`
	CBState      string                   `json:"cb_state"`
	Inflight     int64                    `json:"inflight"`
	Requests     int64                    `json:"requests"`
	Successes    int64                    `json:"successes"`
	Failures     int64                    `json:"failures"`
	AvgRTMillis  float64                  `json:"avg_rt_ms"`
	LastFailures []backend.FailureRecord `json:"last_failures"`
}

// Totals aggregates request counters across every backend of a
// service.
type Totals struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// ServiceMetrics is the full wire shape returned by the admin metrics
// endpoint for one hostname.
type ServiceMetrics struct {
	Service   string           `json:"service"`
	StartedAt time.Time        `json:"started_at"`
	Backends  []BackendMetrics `json:"backends"`
	Totals    Totals           `json:"totals"`
}

// Snapshot builds a ServiceMetrics view from a service's live pools.
func Snapshot(hostname string, startedAt time.Time, pools []*backend.Pool) ServiceMetrics {
	sm := ServiceMetrics{Service: hostname, StartedAt: startedAt}
	for _, pool := range pools {
		for _, b := range pool.Backends() {
			stats := b.RequestStats()
			sm.Backends = append(sm.Backends, BackendMetrics{
				ID:           b.ID,
				PoolID:       pool.ID,
				URL:          b.URL.String(),
				Enabled:      b.Enabled(),
				Healthy:      b.Healthy(),
				CBState:      b.CBState().String(),
				Inflight:     b.Inflight(),
				Requests:     stats.Requests,
				Successes:    stats.Successes,
				Failures:     stats.Failures,
				AvgRTMillis:  stats.AvgRTMillis,
				LastFailures: stats.LastFailures,
			})
			sm.Totals.Requests += stats.Requests
			sm.Totals.Successes += stats.Successes
			sm.Totals.Failures += stats.Failures
		}
	}
	return sm
}
