package invsync

import "time"

// Metrics provides observability for synchronizer operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.Timings[name] = append(m.Timings[name], duration)
}

// Common metric names
const (
	MetricWebhookAccepted  = "invsync.webhook.accepted"
	MetricWebhookRejected  = "invsync.webhook.rejected"
	MetricJobsEnqueued     = "invsync.queue.enqueued"
	MetricJobsCompleted    = "invsync.queue.completed"
	MetricJobsFailed       = "invsync.queue.failed"
	MetricJobsRetried      = "invsync.queue.retried"
	MetricJobsStalled      = "invsync.queue.stalled"
	MetricQueueDepth       = "invsync.queue.depth"
	MetricJobDuration      = "invsync.job.duration"
	MetricLockAcquired     = "invsync.lock.acquired"
	MetricLockFailed       = "invsync.lock.failed"
	MetricLockWaitTime     = "invsync.lock.wait_duration"
	MetricLockExtended     = "invsync.lock.extended"
	MetricUpsertSuccess    = "invsync.repo.upsert.success"
	MetricUpsertError      = "invsync.repo.upsert.error"
	MetricUpsertDuration   = "invsync.repo.upsert.duration"
	MetricPollSuccess      = "invsync.poll.success"
	MetricPollFailure      = "invsync.poll.failure"
	MetricPollSkipped      = "invsync.poll.skipped"
	MetricPollItems        = "invsync.poll.items"
	MetricArchiveRows      = "invsync.archive.rows"
	MetricArchiveErrors    = "invsync.archive.errors"
)
