// Package router dispatches an inbound request by hostname to its
// ServiceInstance, or to the admin/metrics branch. Each ServiceInstance
// drives its own active-probe tick independently.
package router

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/gobalance/corelb/internal/logging"
)

// ProxyHandler is the subset of ServiceInstance the router dispatches
// requests to.
type ProxyHandler interface {
	http.Handler
	Hostname() string
}

// Router owns the hostname -> ServiceInstance map. Reads take a shared
// lock; writes (service create/delete) take an exclusive lock.
type Router struct {
	mu       sync.RWMutex
	exact    map[string]ProxyHandler
	wildcard map[string]ProxyHandler // keyed by suffix, e.g. "example.com" for "*.example.com"

	admin  http.Handler
	logger *logging.Logger
}

// New creates an empty Router. admin serves the /admin and
// /__lb_admin__ / /__lb_metrics__ prefixes.
func New(admin http.Handler, logger *logging.Logger) *Router {
	return &Router{
		exact:    make(map[string]ProxyHandler),
		wildcard: make(map[string]ProxyHandler),
		admin:    admin,
		logger:   logger,
	}
}

// SetAdmin attaches the admin/metrics handler after construction,
// breaking the New(admin, router) construction cycle: the admin
// handler needs a Registrar (the Router) to address services by host,
// so the Router itself must exist first.
func (r *Router) SetAdmin(admin http.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admin = admin
}

// Register adds or replaces the handler for a hostname pattern (exact
// FQDN or "*.suffix").
func (r *Router) Register(hostPattern string, h ProxyHandler) {
	hostPattern = strings.ToLower(hostPattern)
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.HasPrefix(hostPattern, "*.") {
		r.wildcard[hostPattern[2:]] = h
	} else {
		r.exact[hostPattern] = h
	}
}

// Unregister removes a hostname pattern's handler.
func (r *Router) Unregister(hostPattern string) {
	hostPattern = strings.ToLower(hostPattern)
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.HasPrefix(hostPattern, "*.") {
		delete(r.wildcard, hostPattern[2:])
	} else {
		delete(r.exact, hostPattern)
	}
}

// Lookup resolves a request Host header to its ProxyHandler, preferring
// an exact match over a wildcard suffix match, and the longest
// matching wildcard suffix when more than one could apply.
func (r *Router) Lookup(host string) (ProxyHandler, bool) {
	host = strings.ToLower(stripPort(host))
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.exact[host]; ok {
		return h, true
	}

	var best ProxyHandler
	bestLen := -1
	for suffix, h := range r.wildcard {
		if (host == suffix || strings.HasSuffix(host, "."+suffix)) && len(suffix) > bestLen {
			best = h
			bestLen = len(suffix)
		}
	}
	if best != nil {
		return best, true
	}
	return nil, false
}

// Get resolves an exact registered hostname pattern (as passed to
// Register, including the "*." prefix for a wildcard), without the
// request-host matching Lookup performs. Used by the admin API, which
// addresses services by their registered pattern rather than an
// inbound Host header.
func (r *Router) Get(hostPattern string) (ProxyHandler, bool) {
	hostPattern = strings.ToLower(hostPattern)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if strings.HasPrefix(hostPattern, "*.") {
		h, ok := r.wildcard[hostPattern[2:]]
		return h, ok
	}
	h, ok := r.exact[hostPattern]
	return h, ok
}

// Services returns a snapshot of every registered hostname pattern.
func (r *Router) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.exact)+len(r.wildcard))
	for host := range r.exact {
		out = append(out, host)
	}
	for suffix := range r.wildcard {
		out = append(out, "*."+suffix)
	}
	return out
}

// ServeHTTP dispatches to the admin branch for the reserved prefixes,
// otherwise to the hostname's ServiceInstance.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			if r.logger != nil {
				r.logger.Error("panic_recovered", "path", req.URL.Path, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			}
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}()

	if isAdminPath(req.URL.Path) {
		r.mu.RLock()
		admin := r.admin
		r.mu.RUnlock()
		if admin != nil {
			admin.ServeHTTP(w, req)
			return
		}
		http.NotFound(w, req)
		return
	}

	h, ok := r.Lookup(req.Host)
	if !ok {
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}
	h.ServeHTTP(w, req)
}

func isAdminPath(path string) bool {
	for _, prefix := range []string{"/__lb_admin__", "/__lb_metrics__", "/admin"} {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
