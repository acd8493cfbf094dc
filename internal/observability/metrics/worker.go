package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fepy"

// WorkerMetrics records job outcomes per queue and pipeline stage timings.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsInFlight  *prometheus.GaugeVec
	queueLag      *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	jobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total handled job deliveries by queue and outcome.",
		},
		[]string{"service", "queue", "outcome"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Job attempt duration in seconds by queue and outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service", "queue", "outcome"},
	)
	jobsInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently executing.",
		},
		[]string{"service", "queue"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between job publication and its first attempt.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "queue"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Processing pipeline stage duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "stage", "status"},
	)

	registry.MustRegister(jobsTotal, jobDuration, jobsInFlight, queueLag, stageDuration)

	return &WorkerMetrics{
		registry:      registry,
		service:       service,
		jobsTotal:     jobsTotal,
		jobDuration:   jobDuration,
		jobsInFlight:  jobsInFlight,
		queueLag:      queueLag,
		stageDuration: stageDuration,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartJob(queue string) {
	m.jobsInFlight.WithLabelValues(m.service, queue).Inc()
}

func (m *WorkerMetrics) FinishJob(queue, outcome string, duration time.Duration) {
	m.jobsInFlight.WithLabelValues(m.service, queue).Dec()
	m.jobsTotal.WithLabelValues(m.service, queue, outcome).Inc()
	m.jobDuration.WithLabelValues(m.service, queue, outcome).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(queue string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service, queue).Observe(lag.Seconds())
}

func (m *WorkerMetrics) ObserveStage(stage string, seconds float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.stageDuration.WithLabelValues(m.service, stage, status).Observe(seconds)
}
