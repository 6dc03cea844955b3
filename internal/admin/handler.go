// Package admin implements the secured administrative API: CRUD over
// tenant services and their backends, forced health checks, the
// metrics and session-affinity inspection endpoints, and the bearer
// auth + per-client token-bucket rate limit gating every request.
package admin

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/gobalance/corelb/internal/apierr"
	"github.com/gobalance/corelb/internal/config"
	"github.com/gobalance/corelb/internal/logging"
	"github.com/gobalance/corelb/internal/router"
	"github.com/gobalance/corelb/internal/service"
)

// Factory builds a new ServiceInstance from a validated config, wiring
// in whatever collaborators (store, notifier, metrics recorder) the
// process bootstrap configured.
type Factory func(cfg config.ServiceConfig) *service.ServiceInstance

// Registrar is the subset of Router the admin handler mutates.
type Registrar interface {
	Get(hostPattern string) (router.ProxyHandler, bool)
	Register(hostPattern string, h router.ProxyHandler)
	Unregister(hostPattern string)
	Services() []string
}

// Handler implements the admin/metrics API described in the routing
// table below, gated by bearer auth and a per-client-IP rate limit.
type Handler struct {
	router  Registrar
	store   config.Store
	factory Factory
	secret  atomic.Pointer[string]
	logger  *logging.Logger
	mux     *chi.Mux

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	burst     int
}

// New creates an admin Handler. secret is the bearer token every
// request must present; an empty secret disables authentication
// (intended for local development only).
func New(reg Registrar, store config.Store, factory Factory, secret string, logger *logging.Logger) *Handler {
	h := &Handler{
		router:    reg,
		store:     store,
		factory:   factory,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: rate.Every(time.Minute / 100),
		burst:     200,
	}
	h.secret.Store(&secret)
	h.mux = h.buildMux()
	return h
}

// SetSecret rotates the bearer token accepted by the admin API without
// restarting the process, consulted on a bootstrap-file reload.
func (h *Handler) SetSecret(secret string) {
	h.secret.Store(&secret)
}

// ServeHTTP strips whichever of the three equivalent admin path
// prefixes (spec.md §4.1) the request used and dispatches to the
// underlying chi mux, which is mounted at the root.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, prefix := range []string{"/__lb_admin__", "/__lb_metrics__", "/admin"} {
		if strings.HasPrefix(r.URL.Path, prefix) {
			rest := strings.TrimPrefix(r.URL.Path, prefix)
			if rest == "" {
				rest = "/"
			}
			r2 := r.Clone(r.Context())
			r2.URL.Path = rest
			h.mux.ServeHTTP(w, r2)
			return
		}
	}
	apierr.WriteError(w, apierr.NotFound, "unrecognized admin path")
}

func (h *Handler) buildMux() *chi.Mux {
	m := chi.NewRouter()
	m.Use(h.authenticate)
	m.Use(h.enforceRateLimit)

	m.Get("/list", h.listServices)
	m.Route("/services/{host}", func(r chi.Router) {
		r.Get("/config", h.getConfig)
		r.Put("/config", h.putConfig)
		r.Delete("/config", h.deleteService)

		r.Post("/backends", h.addBackend)
		r.Put("/backends/{id}", h.updateBackend)
		r.Delete("/backends/{id}", h.removeBackend)
		r.Post("/backends/{id}/enable", h.enableBackend)
		r.Post("/backends/{id}/disable", h.disableBackend)
		r.Post("/backends/{id}/health/reset", h.resetBackendHealth)

		r.Post("/health/check", h.forceHealthCheck)
		r.Get("/metrics", h.getMetrics)
		r.Get("/sessions", h.getSessions)
		r.Delete("/sessions", h.clearSessions)
	})
	return m
}

// authenticate enforces the bearer token described in spec.md §4.7.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := *h.secret.Load()
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			apierr.WriteError(w, apierr.Unauthorized, "missing or invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// enforceRateLimit applies a token-bucket limiter keyed by client IP,
// default 100 req/min with a burst of 200 (spec.md §4.7).
func (h *Handler) enforceRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !h.limiterFor(ip).Allow() {
			apierr.WriteError(w, apierr.RateLimited, "admin API rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) limiterFor(ip string) *rate.Limiter {
	h.limiterMu.Lock()
	defer h.limiterMu.Unlock()
	l, ok := h.limiters[ip]
	if !ok {
		l = rate.NewLimiter(h.rateLimit, h.burst)
		h.limiters[ip] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// lookup resolves {host} to its live ServiceInstance.
func (h *Handler) lookup(r *http.Request) (*service.ServiceInstance, bool) {
	host := chi.URLParam(r, "host")
	ph, ok := h.router.Get(host)
	if !ok {
		return nil, false
	}
	inst, ok := ph.(*service.ServiceInstance)
	return inst, ok
}
