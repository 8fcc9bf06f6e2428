package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Authentication attempts by path and outcome.",
		},
		[]string{"path", "outcome"},
	)

	roleSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "role_sync_total",
			Help: "Role synchronization runs by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)

	directoryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directory_provider_errors_total",
		Help: "Failed calls to the external identity provider.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginAttempts, roleSyncs, directoryErrors,
	)
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin records an authentication attempt. path is "external" or
// "local", outcome e.g. "ok", "invalid", "inactive".
func ObserveLogin(path, outcome string) {
	loginAttempts.WithLabelValues(path, outcome).Inc()
}

// ObserveRoleSync records a role synchronization run.
func ObserveRoleSync(trigger, outcome string) {
	roleSyncs.WithLabelValues(trigger, outcome).Inc()
}

// ObserveDirectoryError records a failed external identity provider call.
func ObserveDirectoryError() {
	directoryErrors.Inc()
}

// Instrument wraps a handler with request counting, latency and in-flight
// tracking.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-entity path segments so metric cardinality stays
// bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "staff" && parts[2] != "login":
		return "/v1/staff/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "restaurants" && parts[3] == "staff":
		return "/v1/restaurants/:id/staff"
	}
	return path
}

// statusWriter captures the response code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
