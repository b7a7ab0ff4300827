package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/af-corp/aegis-orchestrator/internal/auth"
	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/telemetry"
)

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

// fixedBudget reports users in over as over budget.
type fixedBudget struct {
	over   map[string]bool
	budget int64
}

func (f *fixedBudget) OverBudget(_ context.Context, userID string, budget int64) bool {
	f.budget = budget
	return f.over[userID]
}

func defaultLimits() config.LimitsConfig { return config.DefaultConfig().Limits }

func serve(t *testing.T, mw func(http.Handler) http.Handler, info *auth.AuthInfo) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	var costOptimized bool
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		costOptimized = CostOptimized(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	if info != nil {
		req = req.WithContext(auth.ContextWithAuth(req.Context(), info))
	}
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-1")
	handler.ServeHTTP(rec, req)
	return rec, costOptimized
}

func TestMiddleware_AllowsRequest(t *testing.T) {
	mw := Middleware(NewLimiter(nil, discard()), &fixedBudget{}, defaultLimits, nil, discard())
	rec, _ := serve(t, mw, &auth.AuthInfo{KeyID: "key-1", UserID: "u1", RPMLimit: intPtr(100)})

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if h := rec.Header().Get(headerRateLimitRequests); h != "100" {
		t.Errorf("expected X-RateLimit-Limit-Requests=100, got %s", h)
	}
	for _, h := range []string{headerRateLimitRemainingRequests, headerRateLimitReset} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing header: %s", h)
		}
	}
}

func TestMiddleware_DefaultRPM(t *testing.T) {
	mw := Middleware(NewLimiter(nil, discard()), &fixedBudget{}, defaultLimits, nil, discard())
	rec, _ := serve(t, mw, &auth.AuthInfo{KeyID: "key-2", UserID: "u1"})

	if h := rec.Header().Get(headerRateLimitRequests); h != "60" {
		t.Errorf("expected default RPM=60, got %s", h)
	}
}

func TestMiddleware_NoAuth_PassThrough(t *testing.T) {
	mw := Middleware(NewLimiter(nil, discard()), &fixedBudget{}, defaultLimits, nil, discard())
	rec, _ := serve(t, mw, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected pass through, got %d", rec.Code)
	}
	if rec.Header().Get(headerRateLimitRequests) != "" {
		t.Error("unauthenticated requests should not get rate limit headers")
	}
}

func TestMiddleware_CostOptimization(t *testing.T) {
	tests := []struct {
		name       string
		info       *auth.AuthInfo
		wantBudget int64
		want       bool
	}{
		{"under budget", &auth.AuthInfo{KeyID: "k", UserID: "fresh"}, 200_000, false},
		{"over budget", &auth.AuthInfo{KeyID: "k", UserID: "heavy"}, 200_000, true},
		{"key budget overrides default", &auth.AuthInfo{KeyID: "k", UserID: "heavy", DailyTokenBudget: int64Ptr(5)}, 5, true},
		{"premium is never optimized", &auth.AuthInfo{KeyID: "k", UserID: "heavy", Premium: true}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			budget := &fixedBudget{over: map[string]bool{"heavy": true}}
			metrics := telemetry.NewMetrics(prometheus.NewRegistry())
			mw := Middleware(NewLimiter(nil, discard()), budget, defaultLimits, metrics, discard())

			rec, got := serve(t, mw, tt.info)
			if got != tt.want {
				t.Errorf("CostOptimized = %v, want %v", got, tt.want)
			}
			if budget.budget != tt.wantBudget {
				t.Errorf("checked budget %d, want %d", budget.budget, tt.wantBudget)
			}
			if (rec.Header().Get(headerCostOptimized) == "true") != tt.want {
				t.Errorf("unexpected %s header %q", headerCostOptimized, rec.Header().Get(headerCostOptimized))
			}

			counter, err := metrics.RateLimitHitsTotal.GetMetricWithLabelValues("daily_tokens")
			if err != nil {
				t.Fatal(err)
			}
			var m dto.Metric
			if err := counter.Write(&m); err != nil {
				t.Fatal(err)
			}
			wantHits := 0.0
			if tt.want {
				wantHits = 1
			}
			if m.GetCounter().GetValue() != wantHits {
				t.Errorf("expected %v budget hits, got %v", wantHits, m.GetCounter().GetValue())
			}
		})
	}
}
