package types

import "time"

// ResponseFormat selects how ProcessedResponse.FormattedResponse is rendered.
type ResponseFormat string

const (
	FormatText     ResponseFormat = "text"
	FormatMarkdown ResponseFormat = "markdown"
	FormatHTML     ResponseFormat = "html"
	FormatJSON     ResponseFormat = "json"
)

func ParseResponseFormat(s string) (ResponseFormat, bool) {
	switch ResponseFormat(s) {
	case FormatText, FormatMarkdown, FormatHTML, FormatJSON:
		return ResponseFormat(s), true
	default:
		return "", false
	}
}

// UnknownTokens marks usage counters that were not tracked (streaming).
const UnknownTokens = -1

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProcessedResponse is the normalized result handed back to callers and
// persisted as ConversationTurn.AIResponse.
type ProcessedResponse struct {
	Content            string         `json:"content"`
	Platform           string         `json:"platform"`
	TaskType           TaskType       `json:"task_type"`
	Timestamp          time.Time      `json:"timestamp"`
	UserID             string         `json:"user_id"`
	Format             ResponseFormat `json:"format"`
	ThinkingProcess    string         `json:"thinking_process,omitempty"`
	FormattedResponse  string         `json:"formatted_response"`
	Error              string         `json:"error,omitempty"`
	Usage              Usage          `json:"usage"`
	IsFallback         bool           `json:"is_fallback,omitempty"`
	AttemptedPlatforms []string       `json:"attempted_platforms,omitempty"`
}

// Failed reports whether the response carries a terminal error.
func (r *ProcessedResponse) Failed() bool {
	return r == nil || r.Error != ""
}

// RoutingDecision is produced per request by classification and platform
// selection. It is never persisted.
type RoutingDecision struct {
	UserID          string    `json:"user_id"`
	UserInput       string    `json:"user_input"`
	TaskType        TaskType  `json:"task_type"`
	Confidence      float64   `json:"confidence"`
	Platform        string    `json:"platform"`
	Secondary       string    `json:"secondary,omitempty"`
	Fallback        string    `json:"fallback,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	IsUserPreferred bool      `json:"is_user_preferred,omitempty"`
	IsErrorFallback bool      `json:"is_error_fallback,omitempty"`
}
