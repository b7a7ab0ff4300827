package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/af-corp/aegis-orchestrator/internal/httputil"
)

// Middleware authenticates requests by Bearer API key and attaches an
// AuthInfo to the request context.
func Middleware(store KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteAuthError(w, reqID, "Missing Authorization header. Use: Authorization: Bearer <api-key>")
				return
			}
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				httputil.WriteAuthError(w, reqID, "Invalid Authorization format. Use: Authorization: Bearer <api-key>")
				return
			}
			if token == "" {
				httputil.WriteAuthError(w, reqID, "Empty API key")
				return
			}

			meta, err := store.Lookup(r.Context(), HashKey(token))
			if err != nil {
				logger.Error("key lookup failed", "error", err, "key_prefix", KeyPrefix(token), "request_id", reqID)
				httputil.WriteInternalError(w, reqID, "Internal error during authentication")
				return
			}
			if meta == nil {
				logger.Warn("auth failed: key not found", "key_prefix", KeyPrefix(token), "request_id", reqID)
				httputil.WriteAuthError(w, reqID, "Invalid API key")
				return
			}

			info := &AuthInfo{
				KeyID:            meta.ID,
				UserID:           meta.UserID,
				Premium:          meta.Premium,
				AllowedPlatforms: meta.AllowedPlatforms,
				RPMLimit:         meta.RPMLimit,
				DailyTokenBudget: meta.DailyTokenBudget,
			}
			next.ServeHTTP(w, r.WithContext(ContextWithAuth(r.Context(), info)))
		})
	}
}
