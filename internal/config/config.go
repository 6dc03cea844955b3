package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gobalance/corelb/internal/affinity"
	"github.com/gobalance/corelb/internal/health"
	"github.com/gobalance/corelb/internal/retry"
)

// BackendSpec is the wire/storage representation of one backend.
type BackendSpec struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Weight   int    `json:"weight"`
	Priority int    `json:"priority,omitempty"`
	Regions  []string `json:"regions,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"` // nil defaults to true
}

// PoolSpec is one ordered group of backends sharing a steering policy.
type PoolSpec struct {
	ID               string        `json:"id"`
	EndpointSteering string        `json:"endpoint_steering,omitempty"` // "" inherits SteeringPolicy
	MinimumOrigins   int           `json:"minimum_origins,omitempty"`
	Disabled         bool          `json:"disabled,omitempty"`
	Backends         []BackendSpec `json:"backends"`
}

// RetryPolicySpec is the JSON-friendly mirror of retry.Policy.
type RetryPolicySpec struct {
	MaxRetries                      int           `json:"max_retries"`
	AttemptTimeout                  time.Duration `json:"attempt_timeout"`
	OverallDeadline                 time.Duration `json:"overall_deadline"`
	RetryableStatusCodes            []int         `json:"retryable_status_codes,omitempty"`
	NonIdempotentMethods            []string      `json:"non_idempotent_methods,omitempty"`
	RetryNonIdempotentOnConnectFail bool          `json:"retry_non_idempotent_on_connect_failure,omitempty"`
	Backoff                         string        `json:"backoff,omitempty"`
	BackoffBase                     time.Duration `json:"backoff_base,omitempty"`
	BackoffCap                      time.Duration `json:"backoff_cap,omitempty"`
	MaxBodyBytesForRetry            int64         `json:"max_body_bytes_for_retry,omitempty"`
	BudgetPercent                   int           `json:"budget_percent,omitempty"`
}

// ToPolicy builds a retry.Policy from the spec, applying defaults.
func (s RetryPolicySpec) ToPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	if s.MaxRetries > 0 {
		p.MaxRetries = s.MaxRetries
	}
	if s.AttemptTimeout > 0 {
		p.AttemptTimeout = s.AttemptTimeout
	}
	if s.OverallDeadline > 0 {
		p.OverallDeadline = s.OverallDeadline
	}
	if len(s.RetryableStatusCodes) > 0 {
		p.RetryableStatusCodes = s.RetryableStatusCodes
	}
	if len(s.NonIdempotentMethods) > 0 {
		p.NonIdempotentMethods = s.NonIdempotentMethods
	}
	p.RetryNonIdempotentOnConnectFail = s.RetryNonIdempotentOnConnectFail
	if s.Backoff != "" {
		p.Backoff = retry.Backoff(s.Backoff)
	}
	if s.BackoffBase > 0 {
		p.BackoffBase = s.BackoffBase
	}
	if s.BackoffCap > 0 {
		p.BackoffCap = s.BackoffCap
	}
	if s.MaxBodyBytesForRetry > 0 {
		p.MaxBodyBytesForRetry = s.MaxBodyBytesForRetry
	}
	if s.BudgetPercent > 0 {
		p = p.WithBudget(s.BudgetPercent)
	}
	return p
}

// ObservabilitySpec names the response headers the forwarder sets.
type ObservabilitySpec struct {
	BackendUsedHeader string `json:"backend_used_header,omitempty"`
	AttemptsHeader    string `json:"attempts_header,omitempty"`
	RequestIDHeader   string `json:"request_id_header,omitempty"`
	RegionHeader      string `json:"region_header,omitempty"`
	TrustedIPHeader   string `json:"trusted_ip_header,omitempty"`
	AppendForwardedFor bool  `json:"append_forwarded_for"`
}

func (o ObservabilitySpec) withDefaults() ObservabilitySpec {
	if o.BackendUsedHeader == "" {
		o.BackendUsedHeader = "X-Backend-Used"
	}
	if o.AttemptsHeader == "" {
		o.AttemptsHeader = "X-Attempts"
	}
	if o.RequestIDHeader == "" {
		o.RequestIDHeader = "X-Request-Id"
	}
	if o.RegionHeader == "" {
		o.RegionHeader = "X-Client-Region"
	}
	return o
}

// ServiceConfig is the full per-hostname configuration tree.
type ServiceConfig struct {
	Hostname         string              `json:"hostname"`
	Pools            []PoolSpec          `json:"pools"`
	SteeringPolicy   string              `json:"steering_policy"`
	SessionAffinity  affinity.Config     `json:"session_affinity"`
	PassiveHCEnabled bool                `json:"passive_hc_enabled"`
	ActiveHC         health.ActiveConfig `json:"active_hc"`
	CircuitBreaker   health.CircuitConfig `json:"circuit_breaker"`
	RetryPolicy      RetryPolicySpec     `json:"retry_policy"`
	HostHeaderPolicy string              `json:"host_header_policy"` // "preserve" | "backend_hostname" | literal
	Observability    ObservabilitySpec   `json:"observability"`
}

// ApplyDefaults fills in zero-valued fields with their documented
// defaults. It never mutates a field the caller explicitly set.
func (c *ServiceConfig) ApplyDefaults() {
	if c.SteeringPolicy == "" {
		c.SteeringPolicy = "round_robin"
	}
	if c.HostHeaderPolicy == "" {
		c.HostHeaderPolicy = "preserve"
	}
	if c.SessionAffinity.Type == "" {
		c.SessionAffinity.Type = affinity.TypeNone
	}
	if c.ActiveHC.ConsecutiveDown == 0 {
		c.ActiveHC.ConsecutiveDown = 3
	}
	if c.ActiveHC.ConsecutiveUp == 0 {
		c.ActiveHC.ConsecutiveUp = 2
	}
	if c.ActiveHC.Interval == 0 {
		c.ActiveHC.Interval = 10 * time.Second
	}
	if c.ActiveHC.Timeout == 0 {
		c.ActiveHC.Timeout = 3 * time.Second
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.RecoveryTimeout == 0 {
		c.CircuitBreaker.RecoveryTimeout = 30 * time.Second
	}
	if c.CircuitBreaker.WindowSize == 0 {
		c.CircuitBreaker.WindowSize = 10 * time.Second
	}
	if c.RetryPolicy.AttemptTimeout == 0 {
		c.RetryPolicy.AttemptTimeout = 5 * time.Second
	}
	if c.RetryPolicy.OverallDeadline == 0 {
		c.RetryPolicy.OverallDeadline = 15 * time.Second
	}
	if c.RetryPolicy.Backoff == "" {
		c.RetryPolicy.Backoff = "exponential_with_jitter"
	}
	c.Observability = c.Observability.withDefaults()
	for i := range c.Pools {
		if c.Pools[i].MinimumOrigins == 0 {
			c.Pools[i].MinimumOrigins = 1
		}
		for j := range c.Pools[i].Backends {
			if c.Pools[i].Backends[j].Weight == 0 {
				c.Pools[i].Backends[j].Weight = 1
			}
		}
	}
}

// Validate enforces the invariants a config must satisfy before it is
// accepted on write. Violations return a non-nil error whose text is
// suitable for a bad_request envelope.
func (c *ServiceConfig) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if !validHostnamePattern(c.Hostname) {
		return fmt.Errorf("hostname %q must be an exact FQDN or a single-label wildcard *.suffix", c.Hostname)
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool is required")
	}

	seenIDs := make(map[string]struct{})
	anyPositiveWeight := false
	for _, pool := range c.Pools {
		if pool.ID == "" {
			return fmt.Errorf("every pool requires an id")
		}
		for _, b := range pool.Backends {
			if b.ID == "" {
				return fmt.Errorf("pool %q: every backend requires an id", pool.ID)
			}
			key := pool.ID + "/" + b.ID
			if _, dup := seenIDs[key]; dup {
				return fmt.Errorf("pool %q: duplicate backend id %q", pool.ID, b.ID)
			}
			seenIDs[key] = struct{}{}

			u, err := url.Parse(b.URL)
			if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("pool %q backend %q: url must be an absolute http/https URL", pool.ID, b.ID)
			}
			if b.Weight < 0 {
				return fmt.Errorf("pool %q backend %q: weight must be >= 0", pool.ID, b.ID)
			}
			if b.Weight > 0 {
				anyPositiveWeight = true
			}
		}
	}
	if !anyPositiveWeight {
		return fmt.Errorf("at least one backend must have weight > 0")
	}

	if c.ActiveHC.Enabled {
		if c.ActiveHC.Interval < time.Second {
			return fmt.Errorf("active_hc.interval must be >= 1s")
		}
		if c.ActiveHC.Timeout >= c.ActiveHC.Interval {
			return fmt.Errorf("active_hc.timeout must be less than active_hc.interval")
		}
	}

	if c.RetryPolicy.MaxRetries < 0 {
		return fmt.Errorf("retry_policy.max_retries must be >= 0")
	}
	if c.RetryPolicy.OverallDeadline > 0 && c.RetryPolicy.AttemptTimeout > 0 &&
		c.RetryPolicy.OverallDeadline < c.RetryPolicy.AttemptTimeout {
		return fmt.Errorf("retry_policy.overall_deadline must be >= attempt_timeout")
	}

	if c.SessionAffinity.Type == affinity.TypeCookie && c.SessionAffinity.TTL < 0 {
		return fmt.Errorf("session_affinity.ttl must be >= 0")
	}
	if c.SessionAffinity.Type == affinity.TypeJWT && c.SessionAffinity.JWTSecret == "" {
		return fmt.Errorf("session_affinity.jwt_secret is required when type=jwt")
	}

	return nil
}

func validHostnamePattern(h string) bool {
	if strings.HasPrefix(h, "*.") {
		return len(h) > 2 && !strings.Contains(h[2:], "*")
	}
	return !strings.Contains(h, "*") && strings.Contains(h, ".")
}

// MergePatch checks that every key of patch names a top-level
// ServiceConfig field eligible for a partial update, returning an error
// for the first key that does not. It does not apply the patch: on
// success it returns base unchanged, and no caller in this repository
// uses it.
func MergePatch(base ServiceConfig, patch map[string]interface{}) (ServiceConfig, error) {
	merged := base
	for key := range patch {
		switch key {
		case "pools", "steering_policy", "session_affinity", "passive_hc_enabled",
			"active_hc", "circuit_breaker", "retry_policy", "host_header_policy", "observability":
		default:
			return merged, fmt.Errorf("unknown config field %q", key)
		}
	}
	return merged, nil
}

// ExpandBackreferences replaces "$1" in template with label. Only its
// own test calls it: ParseDefaultBackends, the router and the forwarder
// use a wildcard service's backend URLs exactly as configured.
func ExpandBackreferences(template, label string) string {
	return strings.ReplaceAll(template, "$1", label)
}
