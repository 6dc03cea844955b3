package retry

import (
	"bytes"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// Backoff names the delay curve applied between retry attempts.
type Backoff string

const (
	BackoffConstant               Backoff = "constant"
	BackoffLinear                 Backoff = "linear"
	BackoffExponential             Backoff = "exponential"
	BackoffExponentialWithJitter  Backoff = "exponential_with_jitter"
)

// Policy is a service's retry/failover configuration.
type Policy struct {
	MaxRetries                       int
	AttemptTimeout                   time.Duration
	OverallDeadline                  time.Duration
	RetryableStatusCodes             []int
	NonIdempotentMethods             []string
	RetryNonIdempotentOnConnectFail  bool
	Backoff                          Backoff
	BackoffBase                      time.Duration
	BackoffCap                       time.Duration
	MaxBodyBytesForRetry             int64

	budget *Budget
}

// DefaultPolicy returns a conservative retry policy matching the
// common case: idempotent methods only, exponential backoff with
// jitter, three retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:            3,
		AttemptTimeout:        5 * time.Second,
		OverallDeadline:       15 * time.Second,
		RetryableStatusCodes:  []int{502, 503, 504},
		NonIdempotentMethods:  []string{http.MethodPost, http.MethodPatch},
		Backoff:               BackoffExponentialWithJitter,
		BackoffBase:           100 * time.Millisecond,
		BackoffCap:            2 * time.Second,
		MaxBodyBytesForRetry:  1 << 20,
	}
}

// WithBudget attaches a global retry budget (percentage of traffic
// that may be consumed as retries) to the policy.
func (p Policy) WithBudget(percent int) Policy {
	p.budget = NewBudget(percent)
	return p
}

// Budget returns the attached retry budget, or nil if none was set.
func (p Policy) Budget() *Budget { return p.budget }

// WithExistingBudget attaches a budget created earlier, so a budget's
// token state carries across requests instead of resetting on every
// policy built from the same config.
func (p Policy) WithExistingBudget(b *Budget) Policy {
	p.budget = b
	return p
}

// IsIdempotent reports whether method is safe to retry without an
// explicit connect-failure allowance.
func (p Policy) IsIdempotent(method string) bool {
	for _, m := range p.NonIdempotentMethods {
		if strings.EqualFold(m, method) {
			return false
		}
	}
	return true
}

// RetryableStatus reports whether status is in the configured
// retryable set.
func (p Policy) RetryableStatus(status int) bool {
	for _, s := range p.RetryableStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

// ShouldRetry decides whether attempt (1-indexed, the attempt that just
// failed) may be followed by another, given the method, whether any
// response bytes have reached the client, and elapsed wall-clock time
// since the request started.
func (p Policy) ShouldRetry(method string, bytesSentToClient bool, connectFailure bool, attempt int, elapsed time.Duration) bool {
	if attempt > p.MaxRetries {
		return false
	}
	if p.OverallDeadline > 0 && elapsed >= p.OverallDeadline {
		return false
	}
	if bytesSentToClient {
		return false
	}
	if !p.IsIdempotent(method) {
		if !(connectFailure && p.RetryNonIdempotentOnConnectFail) {
			return false
		}
	}
	if p.budget != nil {
		p.budget.TrackRequest()
		if !p.budget.TryConsume() {
			return false
		}
	}
	return true
}

// Delay computes the backoff delay before attempt (1-indexed, the
// attempt about to be made).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	capDur := p.BackoffCap
	if capDur <= 0 {
		capDur = 2 * time.Second
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = base * time.Duration(attempt)
	case BackoffExponential, BackoffExponentialWithJitter:
		d = time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	default: // constant
		d = base
	}
	if d > capDur {
		d = capDur
	}
	if p.Backoff == BackoffExponentialWithJitter {
		jitter := float64(d) * 0.10
		d = d + time.Duration((rand.Float64()*2-1)*jitter)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// IsTransportRetryable classifies a transport-level error (as opposed
// to an HTTP status code) as retryable.
func IsTransportRetryable(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"no route to host",
		"i/o timeout",
		"eof",
		"deadline exceeded",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// BufferRequestBody reads and buffers the request body up to limit
// bytes for replay across retry attempts. A body larger than limit is
// left unbuffered (nil, false) and must be streamed directly without
// retries.
func BufferRequestBody(req *http.Request, limit int64) ([]byte, bool, error) {
	if req.Body == nil {
		return nil, true, nil
	}
	limited := io.LimitReader(req.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	req.Body.Close()
	if int64(len(body)) > limit {
		req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), req.Body))
		return nil, false, nil
	}
	return body, true, nil
}

// RestoreRequestBody rewinds a previously buffered body for the next
// attempt.
func RestoreRequestBody(req *http.Request, body []byte) {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}
