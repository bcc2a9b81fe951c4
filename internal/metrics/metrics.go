package metrics

import (
	"net/http"
	"sync"
	"time"

	"ingest-queue/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks queue metrics. Each instance owns its registry so several
// can live in one process (tests, embedded use).
type Metrics struct {
	mu sync.RWMutex

	enqueuedJobs  int64
	completedJobs int64
	failedJobs    int64
	deferredJobs  int64
	skippedJobs   int64
	retriedJobs   int64

	registry *prometheus.Registry
	enqueued prometheus.Counter
	outcomes *prometheus.CounterVec
	retried  prometheus.Counter
	duration *prometheus.HistogramVec
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_enqueued_total",
			Help: "The total number of enqueued jobs.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_jobs_processed_total",
			Help: "The total number of processing attempts by outcome.",
		}, []string{"outcome"}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_retried_total",
			Help: "The total number of attempts on jobs that had failed before.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_job_duration_seconds",
			Help:    "Duration of processor calls.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"path"}),
	}

	m.registry.MustRegister(
		m.enqueued,
		m.outcomes,
		m.retried,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// IncrementEnqueuedJobs increments the enqueued jobs counter
func (m *Metrics) IncrementEnqueuedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueuedJobs++
	m.enqueued.Inc()
}

// RecordOutcome counts one ProcessOne result.
func (m *Metrics) RecordOutcome(outcome models.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch outcome {
	case models.OutcomeCompleted:
		m.completedJobs++
	case models.OutcomeFailed:
		m.failedJobs++
	case models.OutcomeDeferred:
		m.deferredJobs++
	case models.OutcomeSkipped:
		m.skippedJobs++
	default:
		return
	}
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}

// IncrementRetriedJobs increments the retried jobs counter
func (m *Metrics) IncrementRetriedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retriedJobs++
	m.retried.Inc()
}

// ObserveProcessing records how long a processor call took on the given path.
func (m *Metrics) ObserveProcessing(path string, d time.Duration) {
	m.duration.WithLabelValues(path).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"enqueued_jobs":  m.enqueuedJobs,
		"completed_jobs": m.completedJobs,
		"failed_jobs":    m.failedJobs,
		"deferred_jobs":  m.deferredJobs,
		"skipped_jobs":   m.skippedJobs,
		"retried_jobs":   m.retriedJobs,
	}
}
