package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIMetrics covers the submission API: request traffic, submission
// outcomes and requests shed before reaching a handler.
type APIMetrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	inFlight    prometheus.Gauge
	submissions *prometheus.CounterVec
	shed        *prometheus.CounterVec
}

func NewAPIMetrics(service string) *APIMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	svc := prometheus.Labels{"service": service}

	return &APIMetrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.", ConstLabels: svc,
		}, []string{"method", "route", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request latency.", ConstLabels: svc,
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "in_flight_requests",
			Help: "Requests currently being served.", ConstLabels: svc,
		}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingress", Name: "submissions_total",
			Help: "Invoice submissions by outcome.", ConstLabels: svc,
		}, []string{"outcome"}),
		shed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "shed_requests_total",
			Help: "Requests refused by rate limiting or backpressure.", ConstLabels: svc,
		}, []string{"reason"}),
	}
}

func (m *APIMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *APIMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := routeLabel(r.URL.Path)
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.latency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses invoice ids and unknown paths so label cardinality
// stays bounded.
func routeLabel(path string) string {
	const invoices = "/v1/invoices/"
	switch {
	case strings.HasPrefix(path, invoices):
		rest := path[len(invoices):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return invoices + "{id}" + rest[i:]
		}
		return invoices + "{id}"
	case path == "/v1/invoices", strings.HasPrefix(path, "/v1/jobs/"), path == "/healthz", path == "/metrics":
		return path
	default:
		return "other"
	}
}

// RecordSubmission counts one ingress result: accepted, duplicate,
// invalid or error.
func (m *APIMetrics) RecordSubmission(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *APIMetrics) RecordShed(reason string) {
	m.shed.WithLabelValues(reason).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
