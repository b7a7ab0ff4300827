package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/auth"
	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/httputil"
	"github.com/af-corp/aegis-orchestrator/internal/telemetry"
)

const (
	headerRateLimitRequests          = "X-RateLimit-Limit-Requests"
	headerRateLimitRemainingRequests = "X-RateLimit-Remaining-Requests"
	headerRateLimitReset             = "X-RateLimit-Reset-Requests"
	headerRetryAfter                 = "Retry-After"
	headerCostOptimized              = "X-Aegis-Cost-Optimized"
)

type contextKey string

const costOptimizeKey contextKey = "aegis_cost_optimize"

// CostOptimized reports whether the request was marked for cost-optimized
// routing because the caller exhausted the daily token budget.
func CostOptimized(ctx context.Context) bool {
	v, _ := ctx.Value(costOptimizeKey).(bool)
	return v
}

// BudgetChecker reports whether a user exhausted a daily token budget.
type BudgetChecker interface {
	OverBudget(ctx context.Context, userID string, budget int64) bool
}

// Middleware enforces per-key RPM limits and marks non-premium callers over
// their daily token budget for cost-optimized routing. Requests without auth
// info pass through.
func Middleware(limiter *Limiter, usage BudgetChecker, limits func() config.LimitsConfig, metrics *telemetry.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			info, ok := auth.AuthFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			cfg := limits()

			rpm := cfg.DefaultRPM
			if info.RPMLimit != nil {
				rpm = *info.RPMLimit
			}
			result := limiter.Check(r.Context(), "rpm:"+info.KeyID, int64(rpm), time.Minute)

			w.Header().Set(headerRateLimitRequests, strconv.Itoa(rpm))
			w.Header().Set(headerRateLimitRemainingRequests, strconv.FormatInt(result.Remaining, 10))
			w.Header().Set(headerRateLimitReset, result.ResetAt.Format(time.RFC3339))

			if !result.Allowed {
				logger.Warn("rate limit exceeded",
					"request_id", reqID,
					"key_id", info.KeyID,
					"user_id", info.UserID,
					"limit", rpm,
				)
				metrics.RecordRateLimitHit("rpm")
				w.Header().Set(headerRetryAfter, strconv.Itoa(int(result.RetryAfter.Seconds())))
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Rate limit exceeded: %d requests per minute. Retry after %s", rpm, result.ResetAt.Format(time.RFC3339)))
				return
			}

			budget := cfg.DailyTokenBudget
			if info.DailyTokenBudget != nil {
				budget = *info.DailyTokenBudget
			}
			if !info.Premium && usage.OverBudget(r.Context(), info.UserID, budget) {
				logger.Info("daily token budget exhausted, routing cost-optimized",
					"request_id", reqID,
					"user_id", info.UserID,
					"budget", budget,
				)
				metrics.RecordRateLimitHit("daily_tokens")
				w.Header().Set(headerCostOptimized, "true")
				r = r.WithContext(context.WithValue(r.Context(), costOptimizeKey, true))
			}

			next.ServeHTTP(w, r)
		})
	}
}
