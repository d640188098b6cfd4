// Package metrics provides Prometheus metrics for the ability engine service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns all Prometheus collectors for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	constLabels      map[string]string
	registry         prometheus.Registerer

	// Ability updates
	responsesProcessed   prometheus.Counter
	responsesDuplicate   prometheus.Counter
	abilityUpdateLatency prometheus.Histogram
	abilityUpdateErrors  *prometheus.CounterVec

	// Item selection
	selections           *prometheus.CounterVec
	selectionRelaxations *prometheus.CounterVec

	// Test scoring
	testsScored prometheus.Counter

	// Batch recompute
	recomputeStudents *prometheus.CounterVec
	recomputeDuration prometheus.Histogram
	queueSize         prometheus.Gauge
	workerCount       prometheus.Gauge

	// Storage and idempotency
	storeLatency *prometheus.HistogramVec
	storeErrors  *prometheus.CounterVec
	dedupeSize   prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorsByComponent *prometheus.CounterVec
}

var globalManager *Manager //nolint:gochecknoglobals // singleton used by the package-level recorders

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // registry served on /metrics

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "irt",
		subsystem:        "engine",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		constLabels:      map[string]string{},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels}
}

func (m *Manager) histogramOpts(name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels, Buckets: m.histogramBuckets}
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.responsesProcessed = auto.NewCounter(m.counterOpts("responses_processed_total", "Responses applied to a topic ability estimate"))
	m.responsesDuplicate = auto.NewCounter(m.counterOpts("responses_duplicate_total", "Responses ignored because their id was already applied"))
	m.abilityUpdateLatency = auto.NewHistogram(m.histogramOpts("ability_update_latency_milliseconds", "Read-modify-write latency of a response submission"))
	m.abilityUpdateErrors = auto.NewCounterVec(m.counterOpts("ability_update_errors_total", "Failed response submissions by reason"), []string{"reason"})

	m.selections = auto.NewCounterVec(m.counterOpts("selections_total", "Next-item selections by outcome"), []string{"outcome"})
	m.selectionRelaxations = auto.NewCounterVec(m.counterOpts("selection_relaxations_total", "Selector relaxation steps taken"), []string{"step"})

	m.testsScored = auto.NewCounter(m.counterOpts("tests_scored_total", "Completed tests scored"))

	m.recomputeStudents = auto.NewCounterVec(m.counterOpts("recompute_students_total", "Students processed by batch recompute"), []string{"status"})
	m.recomputeDuration = auto.NewHistogram(m.histogramOpts("recompute_duration_milliseconds", "Per-student recompute latency"))
	m.queueSize = auto.NewGauge(m.gaugeOpts("recompute_queue_size", "Pending recompute jobs"))
	m.workerCount = auto.NewGauge(m.gaugeOpts("recompute_worker_count", "Recompute workers running"))

	m.storeLatency = auto.NewHistogramVec(m.histogramOpts("store_latency_milliseconds", "Repository call latency"), []string{"op"})
	m.storeErrors = auto.NewCounterVec(m.counterOpts("store_errors_total", "Repository call failures"), []string{"op"})
	m.dedupeSize = auto.NewGauge(m.gaugeOpts("dedupe_size", "Response ids tracked by the in-memory deduper"))

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total", "HTTP requests by endpoint and method"), []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds", "HTTP request duration in milliseconds"), []string{"endpoint", "method", "status_code"})

	m.errorsByComponent = auto.NewCounterVec(m.counterOpts("errors_total", "Errors by component and type"), []string{"component", "type"})
}

// Package-level recorders operate on the global manager.

func RecordResponseProcessed() {
	if globalManager.enabled {
		globalManager.responsesProcessed.Inc()
	}
}

func RecordResponseDuplicate() {
	if globalManager.enabled {
		globalManager.responsesDuplicate.Inc()
	}
}

func RecordAbilityUpdateLatency(latencyMs float64) {
	if globalManager.enabled {
		globalManager.abilityUpdateLatency.Observe(latencyMs)
	}
}

func RecordAbilityUpdateError(reason string) {
	if globalManager.enabled {
		globalManager.abilityUpdateErrors.WithLabelValues(reason).Inc()
	}
}

// RecordSelection counts a next-item outcome: selected, fallback or no_candidate.
func RecordSelection(outcome string) {
	if globalManager.enabled {
		globalManager.selections.WithLabelValues(outcome).Inc()
	}
}

func RecordSelectionRelaxation(step string) {
	if globalManager.enabled {
		globalManager.selectionRelaxations.WithLabelValues(step).Inc()
	}
}

func RecordTestScored() {
	if globalManager.enabled {
		globalManager.testsScored.Inc()
	}
}

// RecordRecomputeStudent counts a student processed by recompute with status ok or failed.
func RecordRecomputeStudent(status string, latencyMs float64) {
	if globalManager.enabled {
		globalManager.recomputeStudents.WithLabelValues(status).Inc()
		globalManager.recomputeDuration.Observe(latencyMs)
	}
}

func UpdateQueueSize(size int) {
	if globalManager.enabled {
		globalManager.queueSize.Set(float64(size))
	}
}

func UpdateWorkerCount(count int) {
	if globalManager.enabled {
		globalManager.workerCount.Set(float64(count))
	}
}

func RecordStoreLatency(op string, latencyMs float64) {
	if globalManager.enabled {
		globalManager.storeLatency.WithLabelValues(op).Observe(latencyMs)
	}
}

func RecordStoreError(op string) {
	if globalManager.enabled {
		globalManager.storeErrors.WithLabelValues(op).Inc()
	}
}

func UpdateDedupeSize(size int64) {
	if globalManager.enabled {
		globalManager.dedupeSize.Set(float64(size))
	}
}

func RecordHTTPRequest(endpoint, method, statusCode string, durationMs float64) {
	if globalManager.enabled {
		globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
		globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
	}
}

func RecordErrorByComponent(component, errorType string) {
	if globalManager.enabled {
		globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
	}
}

// GetRegistry returns the registry the global manager writes to.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
