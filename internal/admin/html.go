package admin

import (
	"fmt"
	"html"
	"net/http"

	"github.com/gobalance/corelb/internal/metrics"
)

// writeMetricsHTML renders a minimal, dependency-free HTML table for
// operators who'd rather eyeball a service's metrics in a browser than
// parse JSON. This is the one format=html escape hatch the metrics
// endpoint supports; it is not a dashboard.
func writeMetricsHTML(w http.ResponseWriter, sm metrics.ServiceMetrics) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "<!doctype html><html><head><title>%s metrics</title></head><body>",
		html.EscapeString(sm.Service))
	fmt.Fprintf(w, "<h1>%s</h1><p>started %s</p>",
		html.EscapeString(sm.Service), html.EscapeString(sm.StartedAt.Format("2006-01-02T15:04:05Z07:00")))
	fmt.Fprintf(w, "<p>total requests: %d, successes: %d, failures: %d</p>",
		sm.Totals.Requests, sm.Totals.Successes, sm.Totals.Failures)

	fmt.Fprint(w, "<table border=\"1\" cellpadding=\"4\"><tr>")
	fmt.Fprint(w, "<th>pool</th><th>backend</th><th>url</th><th>enabled</th><th>healthy</th>")
	fmt.Fprint(w, "<th>circuit</th><th>inflight</th><th>requests</th><th>successes</th>")
	fmt.Fprint(w, "<th>failures</th><th>avg rt (ms)</th></tr>")
	for _, b := range sm.Backends {
		fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%v</td><td>%v</td><td>%s</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%.1f</td></tr>",
			html.EscapeString(b.PoolID), html.EscapeString(b.ID), html.EscapeString(b.URL),
			b.Enabled, b.Healthy, html.EscapeString(b.CBState), b.Inflight,
			b.Requests, b.Successes, b.Failures, b.AvgRTMillis)
	}
	fmt.Fprint(w, "</table></body></html>")
}
