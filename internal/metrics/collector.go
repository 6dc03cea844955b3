package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every Prometheus metric exported by the proxy,
// labeled by tenant service and, where applicable, backend.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  *prometheus.GaugeVec

	BackendState        *prometheus.GaugeVec
	BackendConnections  *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec

	HealthCheckTotal    *prometheus.CounterVec
	HealthCheckDuration *prometheus.HistogramVec

	RetriesTotal      *prometheus.CounterVec
	RetryBudgetTokens *prometheus.GaugeVec
}

// NewCollector creates and registers every metric against the default
// Prometheus registry.
func NewCollector() *Collector {
	return &Collector{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gobalance_requests_total",
				Help: "Total number of proxied requests",
			},
			[]string{"service", "backend", "method", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gobalance_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "backend"},
		),

		ActiveRequests: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gobalance_active_requests",
				Help: "Number of in-flight requests per service",
			},
			[]string{"service"},
		),

		BackendState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gobalance_backend_state",
				Help: "Backend effective health (0=unhealthy, 1=healthy)",
			},
			[]string{"service", "backend"},
		),

		BackendConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gobalance_backend_connections",
				Help: "In-flight connections per backend",
			},
			[]string{"service", "backend"},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gobalance_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"service", "backend"},
		),

		HealthCheckTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gobalance_health_checks_total",
				Help: "Total number of active health check probes",
			},
			[]string{"service", "backend", "result"},
		),

		HealthCheckDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gobalance_health_check_duration_seconds",
				Help:    "Active health check probe duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "backend"},
		),

		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gobalance_retries_total",
				Help: "Total number of retried attempts",
			},
			[]string{"service", "reason"},
		),

		RetryBudgetTokens: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gobalance_retry_budget_tokens",
				Help: "Available retry budget tokens per service",
			},
			[]string{"service"},
		),
	}
}

// ObserveRequest records one completed upstream attempt against a
// specific backend. Satisfies forwarder.MetricsRecorder.
func (c *Collector) ObserveRequest(service, backendID, method string, status int, d time.Duration) {
	c.RequestsTotal.WithLabelValues(service, backendID, method, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(service, backendID).Observe(d.Seconds())
}

// ObserveRetry records one retry decision being taken. Satisfies
// forwarder.MetricsRecorder.
func (c *Collector) ObserveRetry(service, reason string) {
	c.RetriesTotal.WithLabelValues(service, reason).Inc()
}

// cbStateValue maps a circuit state to the numeric gauge value the
// dashboards expect.
func cbStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
