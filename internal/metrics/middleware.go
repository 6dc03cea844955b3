package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Middleware records aggregate per-service request counters and
// in-flight gauges around the whole router dispatch (admin traffic
// included, under the literal service label "admin"). Per-backend
// counters are recorded directly by the forwarder via Collector's
// Recorder methods, since only it knows which backend served an
// attempt.
type Middleware struct {
	collector *Collector
	next      http.Handler
}

// NewMiddleware wraps next with request-counting instrumentation.
func NewMiddleware(collector *Collector, next http.Handler) *Middleware {
	return &Middleware{collector: collector, next: next}
}

func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service := serviceLabel(r)
	m.collector.ActiveRequests.WithLabelValues(service).Inc()
	defer m.collector.ActiveRequests.WithLabelValues(service).Dec()

	start := time.Now()
	crw := &captureResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
	m.next.ServeHTTP(crw, r)

	m.collector.RequestsTotal.WithLabelValues(service, "", r.Method, strconv.Itoa(crw.statusCode)).Inc()
	m.collector.RequestDuration.WithLabelValues(service, "").Observe(time.Since(start).Seconds())
}

func serviceLabel(r *http.Request) string {
	if isAdminPath(r.URL.Path) {
		return "admin"
	}
	host := r.Host
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.ToLower(host)
}

func isAdminPath(path string) bool {
	return strings.HasPrefix(path, "/__lb_admin__/") ||
		strings.HasPrefix(path, "/__lb_metrics__/") ||
		strings.HasPrefix(path, "/admin/")
}

// captureResponseWriter records the status code written by the
// wrapped handler so it can be attached to the request counter.
type captureResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (crw *captureResponseWriter) WriteHeader(code int) {
	crw.statusCode = code
	crw.ResponseWriter.WriteHeader(code)
}

// Hijack hands the wrapped connection to a handler that takes it over,
// such as the forwarder's WebSocket passthrough.
func (crw *captureResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := crw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
