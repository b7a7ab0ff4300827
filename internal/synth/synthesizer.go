package synth

import (
	"log/slog"
	"strings"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/prompt"
	"github.com/af-corp/aegis-orchestrator/internal/provider"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// GenericErrorMessage is the user-visible message of terminal failures.
const GenericErrorMessage = "Sorry, we could not process your request right now. Please try again later."

// RequestInfo is the request metadata attached to a processed response.
type RequestInfo struct {
	UserID             string
	TaskType           types.TaskType
	Platform           string
	IsFallback         bool
	AttemptedPlatforms []string
}

// Options overrides response configuration for one request. Zero values use
// the configured defaults.
type Options struct {
	Format types.ResponseFormat
	// ShowThinking surfaces the reasoning trace in FormattedResponse.
	ShowThinking bool
	// ExtractThinking splits phase-marked output into ThinkingProcess and
	// content. Set when the prompt asked for reasoning phases.
	ExtractThinking bool
}

// Synthesizer builds ProcessedResponses from provider output.
type Synthesizer struct {
	cfg    func() config.ResponseConfig
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg func() config.ResponseConfig, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{cfg: cfg, logger: logger, now: time.Now}
}

func (s *Synthesizer) config() config.ResponseConfig {
	if s.cfg == nil {
		return config.ResponseConfig{DefaultFormat: string(types.FormatText)}
	}
	return s.cfg()
}

func (s *Synthesizer) resolveFormat(f types.ResponseFormat) types.ResponseFormat {
	if f != "" {
		return f
	}
	if parsed, ok := types.ParseResponseFormat(s.config().DefaultFormat); ok {
		return parsed
	}
	return types.FormatText
}

// Process turns a raw provider response into a ProcessedResponse. It never
// fails: unreadable payloads are used verbatim.
func (s *Synthesizer) Process(raw *provider.RawResponse, info RequestInfo, opts Options) *types.ProcessedResponse {
	var content string
	switch {
	case raw == nil:
	case raw.Streamed:
		content = raw.Content
	default:
		var err error
		content, err = extract(raw.Body, raw.Kind)
		if err != nil {
			s.logger.Warn("response extraction failed, using raw payload",
				"platform", info.Platform,
				"kind", raw.Kind,
				"error", err,
			)
			content = string(raw.Body)
		}
	}

	var thinking string
	if opts.ExtractThinking {
		thinking, content = SplitThinking(content)
	}

	resp := &types.ProcessedResponse{
		Content:            content,
		Platform:           info.Platform,
		TaskType:           info.TaskType,
		Timestamp:          s.now(),
		UserID:             info.UserID,
		Format:             s.resolveFormat(opts.Format),
		ThinkingProcess:    thinking,
		Usage:              Usage(raw),
		IsFallback:         info.IsFallback,
		AttemptedPlatforms: info.AttemptedPlatforms,
	}
	resp.FormattedResponse = Format(resp.Content, resp.ThinkingProcess, resp.Format, s.formatOptions(resp, opts))
	return resp
}

func (s *Synthesizer) formatOptions(resp *types.ProcessedResponse, opts Options) FormatOptions {
	cfg := s.config()
	return FormatOptions{
		Platform:         resp.Platform,
		TaskType:         resp.TaskType,
		Timestamp:        resp.Timestamp,
		Attribution:      cfg.Attribution,
		ShowThinking:     opts.ShowThinking || cfg.ShowThinking,
		ThinkingPosition: cfg.ThinkingPosition,
	}
}

// ErrorResponse builds a terminal failure response. detail replaces the
// generic message when non-empty.
func (s *Synthesizer) ErrorResponse(info RequestInfo, format types.ResponseFormat, detail string) *types.ProcessedResponse {
	msg := GenericErrorMessage
	if detail != "" {
		msg = detail
	}
	resp := &types.ProcessedResponse{
		Content:            msg,
		Platform:           info.Platform,
		TaskType:           info.TaskType,
		Timestamp:          s.now(),
		UserID:             info.UserID,
		Format:             s.resolveFormat(format),
		Error:              msg,
		IsFallback:         info.IsFallback,
		AttemptedPlatforms: info.AttemptedPlatforms,
	}
	resp.FormattedResponse = Format(msg, "", resp.Format, FormatOptions{Timestamp: resp.Timestamp})
	return resp
}

// SplitThinking separates phase-marked reasoning from the final answer.
// Everything before the conclusion marker is the trace; text after it is the
// content. Output without a conclusion marker is returned unchanged.
func SplitThinking(text string) (thinking, content string) {
	marker := prompt.PhaseConclusion.Marker()
	idx := strings.Index(text, marker)
	if idx < 0 {
		return "", text
	}

	before := strings.TrimRight(text[:idx], " \t\r\n*#")
	after := strings.TrimLeft(text[idx+len(marker):], " \t\r\n*:")
	if !strings.Contains(before, prompt.PhaseMarkerPrefix) {
		// A lone conclusion heading carries no trace.
		if strings.TrimSpace(before) == "" {
			return "", after
		}
		return "", text
	}
	return strings.TrimSpace(before), strings.TrimSpace(after)
}
