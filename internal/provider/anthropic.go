package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/prompt"
)

const (
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// Anthropic talks to the Anthropic Messages API.
type Anthropic struct {
	*base
}

func (a *Anthropic) url() string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/messages"
}

func (a *Anthropic) headers() map[string]string {
	version := a.cfg.APIVersion
	if version == "" {
		version = defaultAnthropicVersion
	}
	return map[string]string{
		"x-api-key":         a.cfg.APIKey,
		"anthropic-version": version,
	}
}

func (a *Anthropic) request(p *prompt.Enhanced, opts CallOptions, stream bool) anthropicRequestBody {
	system, msgs := splitSystem(p)
	messages := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	// Anthropic requires max_tokens
	maxTokens := a.maxTokens(opts)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return anthropicRequestBody{
		Model:       a.model(opts),
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Stream:      stream,
		Temperature: opts.Temperature,
	}
}

func (a *Anthropic) Invoke(ctx context.Context, p *prompt.Enhanced, opts CallOptions) (*RawResponse, error) {
	return a.postJSON(ctx, a.url(), a.request(p, opts, false), a.headers())
}

// InvokeStreaming forwards text deltas. Events: message_start,
// content_block_start, content_block_delta, content_block_stop,
// message_delta, message_stop, ping, error.
func (a *Anthropic) InvokeStreaming(ctx context.Context, p *prompt.Enhanced, onChunk ChunkFunc, opts CallOptions) (*RawResponse, error) {
	start := time.Now()
	resp, err := a.openStream(ctx, a.url(), a.request(p, opts, true), a.headers())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var content strings.Builder
	err = readSSE(resp.Body, func(_, data string) error {
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				return nil
			}
			content.WriteString(event.Delta.Text)
			if onChunk != nil {
				return onChunk(event.Delta.Text, []byte(data))
			}
		case "message_stop":
			return errStreamDone
		case "error":
			retryable := event.Error.Type == "overloaded_error" || event.Error.Type == "rate_limit_error"
			return &ProviderError{Provider: a.name, Retryable: retryable, Err: fmt.Errorf("%s: %s", event.Error.Type, event.Error.Message)}
		}
		return nil
	})
	if err != nil {
		if _, ok := AsProviderError(err); ok {
			return nil, err
		}
		return nil, a.transportError(fmt.Errorf("read %s stream: %w", a.kind, err))
	}
	return a.streamResult(content.String(), start), nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequestBody struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
