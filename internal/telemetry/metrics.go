package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestrator. A nil *Metrics
// records nothing.
type Metrics struct {
	RequestTotal        *prometheus.CounterVec
	RequestDurationMs   *prometheus.HistogramVec
	ProviderLatencyMs   *prometheus.HistogramVec
	FallbackTotal       *prometheus.CounterVec
	ClassificationTotal *prometheus.CounterVec
	TokensTotal         *prometheus.CounterVec
	RateLimitHitsTotal  *prometheus.CounterVec
	CircuitState        *prometheus.GaugeVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_request_total",
			Help: "Total number of orchestrated requests.",
		}, []string{"platform", "task_type", "status"}),

		RequestDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_request_duration_ms",
			Help:    "End-to-end request duration in milliseconds, including fallback hops.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"platform", "task_type"}),

		ProviderLatencyMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_provider_latency_ms",
			Help:    "Latency of single provider calls in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"platform", "outcome"}),

		FallbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_fallback_total",
			Help: "Fallback hops from a failed platform to the next candidate.",
		}, []string{"from", "to"}),

		ClassificationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_classification_total",
			Help: "Task classifications by deciding stage.",
		}, []string{"path", "task_type"}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_tokens_total",
			Help: "Total tokens reported by providers.",
		}, []string{"platform", "direction"}),

		RateLimitHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_rate_limit_hits_total",
			Help: "Requests that hit a rate or budget limit.",
		}, []string{"limit"}),

		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aegis_circuit_state",
			Help: "Circuit breaker state per platform (0 closed, 1 open, 2 half-open).",
		}, []string{"platform"}),
	}
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Platform         string
	TaskType         string
	Status           string
	DurationMs       float64
	PromptTokens     int
	CompletionTokens int
}

// RecordRequest records metrics for a completed request. Negative token
// counts mean unknown and are not recorded.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	if m == nil {
		return
	}
	m.RequestTotal.WithLabelValues(labels.Platform, labels.TaskType, labels.Status).Inc()
	m.RequestDurationMs.WithLabelValues(labels.Platform, labels.TaskType).Observe(labels.DurationMs)

	if labels.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Platform, "prompt").Add(float64(labels.PromptTokens))
	}
	if labels.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Platform, "completion").Add(float64(labels.CompletionTokens))
	}
}

func (m *Metrics) RecordProviderCall(platform, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderLatencyMs.WithLabelValues(platform, outcome).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) RecordFallback(from, to string) {
	if m == nil {
		return
	}
	m.FallbackTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordClassification(path, taskType string) {
	if m == nil {
		return
	}
	m.ClassificationTotal.WithLabelValues(path, taskType).Inc()
}

func (m *Metrics) RecordRateLimitHit(limit string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limit).Inc()
}

func (m *Metrics) SetCircuitState(platform string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(platform).Set(float64(state))
}
