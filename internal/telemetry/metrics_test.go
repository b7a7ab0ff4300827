package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestNewMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	if m.RequestTotal == nil {
		t.Error("RequestTotal should not be nil")
	}
	if m.ProviderLatencyMs == nil {
		t.Error("ProviderLatencyMs should not be nil")
	}
	if m.FallbackTotal == nil {
		t.Error("FallbackTotal should not be nil")
	}
	if m.ClassificationTotal == nil {
		t.Error("ClassificationTotal should not be nil")
	}
	if m.CircuitState == nil {
		t.Error("CircuitState should not be nil")
	}
}

func TestRecordRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRequest(RequestLabels{
		Platform:         "code",
		TaskType:         "code",
		Status:           "ok",
		DurationMs:       150,
		PromptTokens:     100,
		CompletionTokens: 50,
	})

	if v := counterValue(t, m.RequestTotal, "code", "code", "ok"); v != 1 {
		t.Errorf("expected request count 1, got %v", v)
	}
	if v := counterValue(t, m.TokensTotal, "code", "prompt"); v != 100 {
		t.Errorf("expected 100 prompt tokens, got %v", v)
	}
	if v := counterValue(t, m.TokensTotal, "code", "completion"); v != 50 {
		t.Errorf("expected 50 completion tokens, got %v", v)
	}
}

func TestRecordRequest_UnknownTokensSkipped(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordRequest(RequestLabels{Platform: "chat", TaskType: "general", Status: "ok", PromptTokens: -1, CompletionTokens: -1})

	if v := counterValue(t, m.TokensTotal, "chat", "prompt"); v != 0 {
		t.Errorf("expected unknown tokens to be skipped, got %v", v)
	}
}

func TestRecordFallbackAndClassification(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordFallback("code", "reasoning")
	m.RecordFallback("code", "reasoning")
	m.RecordClassification("rules", "code")
	m.RecordRateLimitHit("rpm")
	m.RecordProviderCall("code", "error", 20*time.Millisecond)

	if v := counterValue(t, m.FallbackTotal, "code", "reasoning"); v != 2 {
		t.Errorf("expected 2 fallback hops, got %v", v)
	}
	if v := counterValue(t, m.ClassificationTotal, "rules", "code"); v != 1 {
		t.Errorf("expected 1 classification, got %v", v)
	}
	if v := counterValue(t, m.RateLimitHitsTotal, "rpm"); v != 1 {
		t.Errorf("expected 1 rate limit hit, got %v", v)
	}
}

func TestSetCircuitState(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetCircuitState("chat", 1)

	gauge, err := m.CircuitState.GetMetricWithLabelValues("chat")
	if err != nil {
		t.Fatal(err)
	}
	var metric dto.Metric
	gauge.Write(&metric)
	if metric.GetGauge().GetValue() != 1 {
		t.Errorf("expected state 1, got %v", metric.GetGauge().GetValue())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRequest(RequestLabels{})
	m.RecordFallback("a", "b")
	m.RecordClassification("rules", "general")
	m.RecordRateLimitHit("rpm")
	m.RecordProviderCall("a", "ok", time.Millisecond)
	m.SetCircuitState("a", 0)
}
