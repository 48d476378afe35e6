package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics collectors (low-cardinality labels)
var (
	reqCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenbucket_requests_total",
			Help: "Total number of HTTP requests handled by the proxy",
		},
		[]string{"method", "route", "status"},
	)

	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokenbucket_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	rateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenbucket_ratelimit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter (429)",
		},
	)

	rateLimitAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenbucket_ratelimit_admitted_total",
			Help: "Total number of requests admitted by the rate limiter",
		},
	)

	rateLimitWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tokenbucket_ratelimit_wait_seconds",
			Help:    "Time admitted requests were held back waiting for tokens",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
)

// Register adds the collectors to reg. Already-registered collectors are
// skipped so tests and reloads can call it more than once.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{reqCounter, reqDuration, rateLimitHits, rateLimitAdmitted, rateLimitWait}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler returns the prometheus HTTP handler to mount at /metrics
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routeLabelForRequest returns a stable, low-cardinality route label.
// It prefers the chi route pattern (e.g. "/users/{id}") when present,
// otherwise falls back to the actual URL path.
func routeLabelForRequest(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// Middleware instruments requests: counts and measures duration.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		method := r.Method
		route := routeLabelForRequest(r)
		status := strconv.Itoa(rec.status)

		reqCounter.WithLabelValues(method, route, status).Inc()
		reqDuration.WithLabelValues(method, route).Observe(duration)
	})
}

// IncRateLimitHit should be called by the rate limiter when it rejects a request
func IncRateLimitHit() {
	rateLimitHits.Inc()
}

func IncAdmitted() {
	rateLimitAdmitted.Inc()
}

// ObserveWait records how long an admitted request had to wait for its tokens.
func ObserveWait(d time.Duration) {
	rateLimitWait.Observe(d.Seconds())
}

// statusRecorder copies minimal behaviour to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
