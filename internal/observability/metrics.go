package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yungbote/omop-automapper/internal/platform/envutil"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

// Metrics holds the process-wide Prometheus collectors. A nil *Metrics is a
// valid no-op receiver.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests  *prometheus.CounterVec
	apiLatency   *prometheus.HistogramVec
	stepTotal    *prometheus.CounterVec
	stepLatency  *prometheus.HistogramVec
	llmRequests  *prometheus.CounterVec
	llmLatency   *prometheus.HistogramVec
	aggregateOps *prometheus.CounterVec
	aggregateLat *prometheus.HistogramVec
	conflicts    *prometheus.CounterVec
	retries      *prometheus.CounterVec
	embedded     *prometheus.CounterVec
	batchOutcome *prometheus.CounterVec
	vectorOps    *prometheus.CounterVec
	vectorLat    *prometheus.HistogramVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", true)
}

func Current() *Metrics {
	return instance
}

// Init builds and registers the collectors once. It returns nil when
// METRICS_ENABLED is off.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		m, err := NewMetrics(prometheus.NewRegistry())
		if err != nil {
			if log != nil {
				log.Warn("metrics init failed (continuing without metrics)", "error", err)
			}
			return
		}
		instance = m
		if log != nil {
			log.Info("prometheus metrics initialized")
		}
	})
	return instance
}

// NewMetrics creates the collectors and registers them on registry.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	latency := prometheus.ExponentialBuckets(0.005, 2, 14)
	m := &Metrics{
		registry: registry,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automapper_api_requests_total",
			Help: "Total API requests by method/route/status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automapper_api_request_duration_seconds",
			Help:    "API request latency in seconds by method/route.",
			Buckets: latency,
		}, []string{"method", "route"}),
		stepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automapper_pipeline_steps_total",
			Help: "Pipeline step executions by step and outcome.",
		}, []string{"step", "outcome"}),
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automapper_pipeline_step_duration_seconds",
			Help:    "Pipeline step latency in seconds.",
			Buckets: latency,
		}, []string{"step"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automapper_llm_requests_total",
			Help: "Provider requests by model, path and status.",
		}, []string{"model", "path", "status"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automapper_llm_request_duration_seconds",
			Help:    "Provider request latency in seconds.",
			Buckets: latency,
		}, []string{"model", "path"}),
		aggregateOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automapper_aggregate_operations_total",
			Help: "Transactional write operations by op and outcome code.",
		}, []string{"op", "outcome"}),
		aggregateLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automapper_aggregate_operation_duration_seconds",
			Help:    "Transactional write latency in seconds.",
			Buckets: latency,
		}, []string{"op"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automapper_aggregate_conflicts_total",
			Help: "Write conflicts detected by op.",
		}, []string{"op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automapper_aggregate_retries_total",
			Help: "Write retries by op and reason.",
		}, []string{"op", "reason"}),
		embedded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automapper_embedded_concepts_total",
			Help: "Concepts newly embedded by collection and concept type.",
		}, []string{"collection", "concept_type"}),
		batchOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automapper_batch_outcomes_total",
			Help: "Per-source outcomes of batch auto-mapping runs.",
		}, []string{"outcome"}),
		vectorOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automapper_vector_store_operations_total",
			Help: "Vector store operations by operation and status.",
		}, []string{"operation", "status"}),
		vectorLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automapper_vector_store_operation_duration_seconds",
			Help:    "Vector store operation latency in seconds.",
			Buckets: latency,
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{
		m.apiRequests, m.apiLatency, m.stepTotal, m.stepLatency, m.llmRequests, m.llmLatency,
		m.aggregateOps, m.aggregateLat, m.conflicts, m.retries, m.embedded, m.batchOutcome,
		m.vectorOps, m.vectorLat,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route).Observe(dur.Seconds())
}

func (m *Metrics) ObserveStep(step, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stepTotal.WithLabelValues(step, outcome).Inc()
	m.stepLatency.WithLabelValues(step).Observe(dur.Seconds())
}

func (m *Metrics) ObserveLLMRequest(model, path, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(model, path, status).Inc()
	m.llmLatency.WithLabelValues(model, path).Observe(dur.Seconds())
}

func (m *Metrics) ObserveAggregate(op, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.aggregateOps.WithLabelValues(op, outcome).Inc()
	m.aggregateLat.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *Metrics) IncConflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) IncRetry(op, reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op, reason).Inc()
}

func (m *Metrics) IncEmbedded(collection, conceptType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.embedded.WithLabelValues(collection, conceptType).Add(float64(n))
}

func (m *Metrics) IncBatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.batchOutcome.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveVectorOperation(operation, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.vectorOps.WithLabelValues(operation, status).Inc()
	m.vectorLat.WithLabelValues(operation).Observe(dur.Seconds())
}
