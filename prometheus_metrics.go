package invsync

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance.
// If registry is nil, a fresh registry is created.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers the standard synchronizer metric families
func (p *PrometheusMetrics) registerDefaultMetrics() {
	p.counters[MetricWebhookAccepted] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "webhook",
			Name:      "accepted_total",
			Help:      "Webhook requests accepted and enqueued",
		},
		[]string{"source"},
	)

	p.counters[MetricWebhookRejected] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "webhook",
			Name:      "rejected_total",
			Help:      "Webhook requests rejected before enqueue",
		},
		[]string{"source", "reason"},
	)

	p.counters[MetricJobsEnqueued] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Jobs added to the queue",
		},
		[]string{"source"},
	)

	p.counters[MetricJobsCompleted] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "queue",
			Name:      "completed_total",
			Help:      "Jobs that reached the completed state",
		},
		[]string{"source"},
	)

	p.counters[MetricJobsFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "queue",
			Name:      "failed_total",
			Help:      "Jobs that reached the terminal failed state",
		},
		[]string{"source"},
	)

	p.counters[MetricJobsRetried] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "queue",
			Name:      "retried_total",
			Help:      "Jobs re-enqueued with backoff after a retryable failure",
		},
		[]string{"source"},
	)

	p.counters[MetricJobsStalled] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "queue",
			Name:      "stalled_total",
			Help:      "Active jobs returned to waiting by the stall reaper",
		},
		[]string{},
	)

	p.gauges[MetricQueueDepth] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "invsync",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs per queue state",
		},
		[]string{"state"},
	)

	p.histograms[MetricJobDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "invsync",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time from dequeue to ack",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	p.counters[MetricLockAcquired] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Distributed locks acquired",
		},
		[]string{},
	)

	p.counters[MetricLockFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "lock",
			Name:      "failed_total",
			Help:      "Lock acquisitions that exhausted retries",
		},
		[]string{},
	)

	p.histograms[MetricLockWaitTime] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "invsync",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting to acquire a lock",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{},
	)

	p.counters[MetricLockExtended] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "lock",
			Name:      "extended_total",
			Help:      "Lock TTL auto-extensions",
		},
		[]string{},
	)

	p.counters[MetricUpsertSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "repo",
			Name:      "upsert_success_total",
			Help:      "Transactional upserts committed",
		},
		[]string{"source"},
	)

	p.counters[MetricUpsertError] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "repo",
			Name:      "upsert_error_total",
			Help:      "Transactional upserts that failed",
		},
		[]string{"source"},
	)

	p.histograms[MetricUpsertDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "invsync",
			Subsystem: "repo",
			Name:      "upsert_duration_seconds",
			Help:      "Transactional upsert duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"source"},
	)

	p.counters[MetricPollSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Successful poll cycles",
		},
		[]string{},
	)

	p.counters[MetricPollFailure] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "poller",
			Name:      "failures_total",
			Help:      "Poll cycles that failed upstream",
		},
		[]string{},
	)

	p.counters[MetricPollSkipped] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "poller",
			Name:      "skipped_total",
			Help:      "Poll cycles skipped (circuit open or already running)",
		},
		[]string{"reason"},
	)

	p.histograms[MetricPollItems] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "invsync",
			Subsystem: "poller",
			Name:      "items",
			Help:      "Items fetched per poll cycle",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		},
		[]string{},
	)

	p.counters[MetricArchiveRows] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "archive",
			Name:      "passes_total",
			Help:      "Audit archive passes that exported rows",
		},
		[]string{},
	)

	p.counters[MetricArchiveErrors] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invsync",
			Subsystem: "archive",
			Name:      "errors_total",
			Help:      "Audit archive passes that failed",
		},
		[]string{},
	)
}

// promName makes an internal dotted metric name legal for Prometheus.
func promName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "invsync",
				Name:      promName(name),
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}

	counter.With(p.extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "invsync",
				Name:      promName(name),
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}

	gauge.With(p.extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "invsync",
				Name:      promName(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}

	histogram.With(p.extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
