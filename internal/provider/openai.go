package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/prompt"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// OpenAI talks to OpenAI-compatible chat completion APIs. The research kind
// uses the same protocol and additionally returns citations.
type OpenAI struct {
	*base
}

func (a *OpenAI) url() string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
}

func (a *OpenAI) headers() map[string]string {
	h := map[string]string{}
	if a.cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + a.cfg.APIKey
	}
	return h
}

func (a *OpenAI) request(p *prompt.Enhanced, opts CallOptions, stream bool) openAIRequestBody {
	body := openAIRequestBody{
		Model:       a.model(opts),
		Messages:    flatMessages(p),
		Stream:      stream,
		Temperature: opts.Temperature,
	}
	if n := a.maxTokens(opts); n > 0 {
		body.MaxTokens = &n
	}
	return body
}

func (a *OpenAI) Invoke(ctx context.Context, p *prompt.Enhanced, opts CallOptions) (*RawResponse, error) {
	return a.postJSON(ctx, a.url(), a.request(p, opts, false), a.headers())
}

func (a *OpenAI) InvokeStreaming(ctx context.Context, p *prompt.Enhanced, onChunk ChunkFunc, opts CallOptions) (*RawResponse, error) {
	start := time.Now()
	resp, err := a.openStream(ctx, a.url(), a.request(p, opts, true), a.headers())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var content strings.Builder
	err = readSSE(resp.Body, func(_, data string) error {
		if data == "[DONE]" {
			return errStreamDone
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		if chunk.Error != nil {
			return &ProviderError{Provider: a.name, Err: fmt.Errorf("stream error: %s", chunk.Error.Message)}
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			return nil
		}
		text := chunk.Choices[0].Delta.Content
		content.WriteString(text)
		if onChunk != nil {
			return onChunk(text, []byte(data))
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

type openAIRequestBody struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
