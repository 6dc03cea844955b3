// Package reqctx builds the per-request derived context: a stable
// request id, the resolved client IP, and the running list of
// backends already tried during retry/failover.
package reqctx

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Context carries the per-request state threaded through selection,
// forwarding, and health recording. A new Context is created once per
// inbound request and mutated in place as attempts are made.
type Context struct {
	RequestID     string
	ClientIP      string
	Method        string
	URL           string
	Hostname      string
	AffinityKey   string
	TrustedHeader string

	mu             sync.Mutex
	attemptNumber  int
	backendsTried  map[string]struct{}
	backendsOrder  []string
}

// New derives a Context from an inbound HTTP request. trustedIPHeader
// is the header name (e.g. "X-Forwarded-For") consulted before
// falling back to RemoteAddr; pass "" to always use RemoteAddr.
func New(r *http.Request, trustedIPHeader string) *Context {
	return &Context{
		RequestID:     uuid.NewString(),
		ClientIP:      resolveClientIP(r, trustedIPHeader),
		Method:        r.Method,
		URL:           r.URL.String(),
		Hostname:      r.Host,
		TrustedHeader: trustedIPHeader,
		backendsTried: make(map[string]struct{}),
	}
}

// resolveClientIP prefers the trusted header (first hop of a
// comma-separated list) and falls back to the TCP remote address.
func resolveClientIP(r *http.Request, trustedIPHeader string) string {
	if trustedIPHeader != "" {
		if v := r.Header.Get(trustedIPHeader); v != "" {
			parts := strings.Split(v, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NextAttempt increments and returns the attempt counter (1-based).
func (c *Context) NextAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attemptNumber++
	return c.attemptNumber
}

// AttemptNumber returns the current attempt count.
func (c *Context) AttemptNumber() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attemptNumber
}

// MarkTried records a backend id as already attempted for this
// request so the selector excludes it on the next pick.
func (c *Context) MarkTried(backendID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.backendsTried[backendID]; !ok {
		c.backendsTried[backendID] = struct{}{}
		c.backendsOrder = append(c.backendsOrder, backendID)
	}
}

// Excluded returns a snapshot of the backend ids already tried.
func (c *Context) Excluded() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.backendsTried))
	for k := range c.backendsTried {
		out[k] = struct{}{}
	}
	return out
}

// BackendsTried returns the ordered list of backend ids tried so far.
func (c *Context) BackendsTried() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.backendsOrder))
	copy(out, c.backendsOrder)
	return out
}
