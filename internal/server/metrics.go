package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/warden/internal/telemetry"
)

// unmatchedRoute labels requests no route matched, keeping scanner traffic
// from minting one series per probed path.
const unmatchedRoute = "unmatched"

// statusText maps HTTP status codes to pre-allocated label strings.
var statusText [600]string

func init() {
	for i := range statusText {
		statusText[i] = strconv.Itoa(i)
	}
}

// metricsMiddleware records request duration, status, and active count.
// Probe endpoints are counted but kept out of the latency histogram.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()
			start := time.Now()

			sw := acquireStatusWriter(w)
			next.ServeHTTP(sw, r)
			status := sw.release()

			pattern := routePattern(r)
			var code string
			if status >= 0 && status < len(statusText) {
				code = statusText[status]
			} else {
				code = strconv.Itoa(status)
			}
			m.RequestsTotal.WithLabelValues(r.Method, pattern, code).Inc()
			if !isProbe(pattern) {
				m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
			}
		})
	}
}

func isProbe(pattern string) bool {
	switch pattern {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

// routePattern returns the chi route pattern for bounded cardinality.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatchedRoute
}
