package obs

import (
	"bufio"
	"net"
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "accesscore_ready",
		Help: "1 when the service is ready to serve traffic.",
	})

	onlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "accesscore_online_users",
		Help: "Users currently marked online.",
	})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "accesscore_active_sessions",
		Help: "Live transport sessions.",
	})

	auditRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accesscore_audit_entries_total",
			Help: "Audit entries recorded.",
		},
		[]string{"resource", "action"},
	)

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accesscore_audit_dropped_total",
		Help: "Audit entries lost to append failures.",
	})

	logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accesscore_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
		ready, onlineUsers, activeSessions, auditRecorded, auditDropped, logins)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func SetReady(v bool) {
	if v {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func SetOnlineUsers(n int)    { onlineUsers.Set(float64(n)) }
func SetActiveSessions(n int) { activeSessions.Set(float64(n)) }

func IncAuditRecorded(resource, action string) {
	auditRecorded.WithLabelValues(resource, action).Inc()
}

func IncAuditDropped() { auditDropped.Inc() }

func IncLogin(outcome string) { logins.WithLabelValues(outcome).Inc() }

// Instrument wraps a handler with in-flight, count and latency measurement.
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

// CanonicalPath collapses entity ids to placeholders so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// /v1/<collection>/<id>[/<sub>]
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "users", "roles", "permissions", "sessions":
			if len(parts) == 3 {
				return "/v1/" + parts[1] + "/:id"
			}
			if len(parts) == 4 {
				return "/v1/" + parts[1] + "/:id/" + parts[3]
			}
		}
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
