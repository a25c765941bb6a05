package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
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
)

// Метрики auth/tenant подсистемы
var (
	authEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_events_total",
			Help: "Authentication events by kind and outcome.",
		},
		[]string{"event", "outcome"},
	)

	tenantBindsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tenant_binds_in_flight",
		Help: "Tenant-bound transactions currently checked out.",
	})

	tenantBindDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tenant_bind_duration_seconds",
		Help:    "Lifetime of a tenant-bound transaction.",
		Buckets: prometheus.DefBuckets,
	})

	auditFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_fallback_total",
		Help: "Audit events that could not be persisted and went to the fallback log.",
	})

	sessionsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_swept_total",
		Help: "Expired or revoked sessions deleted by the sweeper.",
	})
)

var initOnce sync.Once

// Init registers the collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authEventsTotal, tenantBindsInFlight, tenantBindDuration,
			auditFallbackTotal, sessionsSweptTotal,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AuthEvent counts an authentication event (login, refresh, authenticate) with its outcome.
func AuthEvent(event, outcome string) {
	authEventsTotal.WithLabelValues(event, outcome).Inc()
}

// TenantBindStarted tracks a checked-out tenant transaction; call the returned func on release.
func TenantBindStarted() func() {
	tenantBindsInFlight.Inc()
	start := time.Now()
	return func() {
		tenantBindsInFlight.Dec()
		tenantBindDuration.Observe(time.Since(start).Seconds())
	}
}

// AuditFallback counts an audit event that was diverted to the fallback log.
func AuditFallback() {
	auditFallbackTotal.Inc()
}

// SessionsSwept adds n to the swept sessions counter.
func SessionsSwept(n int64) {
	if n > 0 {
		sessionsSweptTotal.Add(float64(n))
	}
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	const grants = "/v1/admin/tenant-access/"
	if strings.HasPrefix(p, grants) {
		rest := strings.TrimPrefix(p, grants)
		if rest != "" && !strings.Contains(rest, "/") {
			return grants + ":id"
		}
	}
	return p
}

// statusWriter records the response code for the request metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
