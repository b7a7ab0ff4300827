package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/aegis-orchestrator/internal/auth"
	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/httputil"
	"github.com/af-corp/aegis-orchestrator/internal/memory"
	"github.com/af-corp/aegis-orchestrator/internal/orchestrator"
	"github.com/af-corp/aegis-orchestrator/internal/ratelimit"
	"github.com/af-corp/aegis-orchestrator/internal/router"
	"github.com/af-corp/aegis-orchestrator/internal/synth"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

const maxBodyBytes = 1 << 20

// UsageRecorder accumulates the tokens a user consumed.
type UsageRecorder interface {
	Record(ctx context.Context, userID string, tokens int64) error
}

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	core     *orchestrator.Core
	selector *router.Selector
	store    memory.Store
	usage    UsageRecorder
	cfg      func() *config.Config
	logger   *slog.Logger
}

// NewHandler wires the handlers. usage may be nil.
func NewHandler(core *orchestrator.Core, selector *router.Selector, store memory.Store, usage UsageRecorder, cfg func() *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		core:     core,
		selector: selector,
		store:    store,
		usage:    usage,
		cfg:      cfg,
		logger:   logger,
	}
}

// Routes mounts the authenticated API.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/chat", h.Chat)
	r.Post("/v1/chat/multi", h.ChatMulti)
	r.Post("/v1/chat/stream", h.ChatStream)
	r.Get("/v1/platforms", h.ListPlatforms)
	r.Delete("/v1/conversations", h.ClearConversations)
}

type chatOptions struct {
	Platform        string   `json:"platform"`
	TaskType        string   `json:"task_type"`
	Format          string   `json:"format"`
	ShowThinking    bool     `json:"show_thinking"`
	DisableThinking bool     `json:"disable_thinking"`
	CostOptimize    bool     `json:"cost_optimize"`
	DisableFallback bool     `json:"disable_fallback"`
	MaxTokens       int      `json:"max_tokens"`
	Temperature     *float64 `json:"temperature"`
	MergeStrategy   string   `json:"merge_strategy"`
	Domain          string   `json:"domain"`
}

type chatRequest struct {
	Message   string      `json:"message"`
	UserID    string      `json:"user_id"`
	Platforms []string    `json:"platforms"`
	Options   chatOptions `json:"options"`
}

// requestContext is a decoded, validated chat request.
type requestContext struct {
	reqID  string
	userID string
	info   *auth.AuthInfo
	body   chatRequest
	opts   orchestrator.Options
}

// resolveUserID picks the conversation owner: the key's user, then the
// caller-supplied id for keys without one, then the key itself.
func resolveUserID(info *auth.AuthInfo, requested string) string {
	if info.UserID != "" {
		return info.UserID
	}
	if requested != "" {
		return requested
	}
	return info.KeyID
}

// decode parses and validates a chat request, writing the error response
// itself when it returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*requestContext, bool) {
	reqID := w.Header().Get("X-Request-ID")
	info, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return nil, false
	}

	var body chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return nil, false
	}
	if body.Message == "" {
		httputil.WriteBadRequestError(w, reqID, "message is required")
		return nil, false
	}

	rc := &requestContext{reqID: reqID, info: info, body: body, userID: resolveUserID(info, body.UserID)}

	o := body.Options
	opts := orchestrator.Options{
		RequestID:       reqID,
		Platform:        o.Platform,
		ShowThinking:    o.ShowThinking,
		DisableThinking: o.DisableThinking,
		CostOptimize:    o.CostOptimize || ratelimit.CostOptimized(r.Context()),
		Premium:         info.Premium,
		DisableFallback: o.DisableFallback,
		MaxTokens:       o.MaxTokens,
		Temperature:     o.Temperature,
		Domain:          o.Domain,
		MergeStrategy:   synth.MergeStrategy(o.MergeStrategy),
	}
	if o.TaskType != "" {
		tt, ok := types.ParseTaskType(o.TaskType)
		if !ok {
			httputil.WriteBadRequestError(w, reqID, fmt.Sprintf("unknown task_type %q", o.TaskType))
			return nil, false
		}
		opts.TaskType = tt
	}
	if o.Format != "" {
		f, ok := types.ParseResponseFormat(o.Format)
		if !ok {
			httputil.WriteBadRequestError(w, reqID, fmt.Sprintf("unknown format %q", o.Format))
			return nil, false
		}
		opts.Format = f
	}
	if o.MaxTokens < 0 {
		httputil.WriteBadRequestError(w, reqID, "max_tokens must not be negative")
		return nil, false
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		httputil.WriteBadRequestError(w, reqID, "temperature must be between 0 and 2")
		return nil, false
	}
	if o.Platform != "" && !h.checkPlatform(w, reqID, info, o.Platform) {
		return nil, false
	}
	rc.opts = opts
	return rc, true
}

// checkPlatform rejects platforms that are unregistered or not allowed for
// the caller's key.
func (h *Handler) checkPlatform(w http.ResponseWriter, reqID string, info *auth.AuthInfo, platform string) bool {
	if _, ok := h.selector.Registry().Get(platform); !ok {
		httputil.WriteBadRequestError(w, reqID, fmt.Sprintf("unknown platform %q", platform))
		return false
	}
	if !info.AllowsPlatform(platform) {
		httputil.WriteForbiddenError(w, reqID, fmt.Sprintf("platform %q is not allowed for this key", platform))
		return false
	}
	return true
}

// Chat handles POST /v1/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.decode(w, r)
	if !ok {
		return
	}
	start := time.Now()
	resp := h.core.ProcessRequest(r.Context(), rc.body.Message, rc.userID, rc.opts)
	h.complete(r.Context(), rc, resp, start, "single")
	h.writeResponse(w, rc.reqID, resp)
}

// ChatMulti handles POST /v1/chat/multi.
func (h *Handler) ChatMulti(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.decode(w, r)
	if !ok {
		return
	}
	if len(rc.body.Platforms) == 0 && rc.opts.Domain == "" {
		httputil.WriteBadRequestError(w, rc.reqID, "platforms or options.domain is required")
		return
	}
	for _, p := range rc.body.Platforms {
		if !h.checkPlatform(w, rc.reqID, rc.info, p) {
			return
		}
	}
	if rc.opts.MergeStrategy == "" {
		rc.opts.MergeStrategy = synth.MergeStrategy(h.cfg().Response.MergeStrategy)
	}

	start := time.Now()
	resp := h.core.ProcessMultiPlatform(r.Context(), rc.body.Message, rc.userID, rc.body.Platforms, rc.opts)
	h.complete(r.Context(), rc, resp, start, "multi")
	h.writeResponse(w, rc.reqID, resp)
}

// ListPlatforms handles GET /v1/platforms.
func (h *Handler) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	info, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	all := h.selector.Platforms(r.Context(), router.SelectOptions{UserID: info.UserID, Premium: info.Premium})
	platforms := make([]router.PlatformInfo, 0, len(all))
	for _, p := range all {
		if info.AllowsPlatform(p.Name) {
			platforms = append(platforms, p)
		}
	}
	httputil.WriteJSON(w, reqID, http.StatusOK, platformListResponse{Object: "list", Data: platforms})
}

type platformListResponse struct {
	Object string                `json:"object"`
	Data   []router.PlatformInfo `json:"data"`
}

// ClearConversations handles DELETE /v1/conversations. Keys without a user
// pass the same user_id as their chat requests as a query parameter.
func (h *Handler) ClearConversations(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	info, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}
	userID := resolveUserID(info, r.URL.Query().Get("user_id"))
	if h.store == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.store.ClearUserConversations(r.Context(), userID); err != nil {
		h.logger.Error("clear conversations failed", "request_id", reqID, "user_id", userID, "error", err)
		httputil.WriteInternalError(w, reqID, "Failed to clear conversation history")
		return
	}
	h.logger.Info("conversations cleared", "request_id", reqID, "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}

// complete logs the request outcome and records token usage.
func (h *Handler) complete(ctx context.Context, rc *requestContext, resp *types.ProcessedResponse, start time.Time, mode string) {
	if resp.Failed() {
		h.logger.Warn("request failed",
			"request_id", rc.reqID,
			"user_id", rc.userID,
			"mode", mode,
			"attempted", resp.AttemptedPlatforms,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}

	h.logger.Info("request completed",
		"request_id", rc.reqID,
		"user_id", rc.userID,
		"mode", mode,
		"platform", resp.Platform,
		"task_type", string(resp.TaskType),
		"fallback", resp.IsFallback,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	h.recordUsage(ctx, rc, resp.Usage.TotalTokens)
}

func (h *Handler) recordUsage(ctx context.Context, rc *requestContext, tokens int) {
	if h.usage == nil || tokens <= 0 {
		return
	}
	if err := h.usage.Record(ctx, rc.userID, int64(tokens)); err != nil {
		h.logger.Warn("record token usage failed", "request_id", rc.reqID, "error", err)
	}
}

func (h *Handler) writeResponse(w http.ResponseWriter, reqID string, resp *types.ProcessedResponse) {
	if resp.Failed() {
		httputil.WriteUpstreamError(w, reqID, resp.Error)
		return
	}
	httputil.WriteJSON(w, reqID, http.StatusOK, resp)
}
