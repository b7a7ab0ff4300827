package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/prompt"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// Ollama talks to a local Ollama server's /api/chat endpoint. Streams are
// newline-delimited JSON objects.
type Ollama struct {
	*base
}

func (a *Ollama) url() string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/api/chat"
}

func (a *Ollama) request(p *prompt.Enhanced, opts CallOptions, stream bool) ollamaRequestBody {
	body := ollamaRequestBody{
		Model:    a.model(opts),
		Messages: flatMessages(p),
		Stream:   stream,
	}
	if n := a.maxTokens(opts); n > 0 || opts.Temperature != nil {
		body.Options = &ollamaOptions{Temperature: opts.Temperature}
		if n > 0 {
			body.Options.NumPredict = n
		}
	}
	return body
}

func (a *Ollama) Invoke(ctx context.Context, p *prompt.Enhanced, opts CallOptions) (*RawResponse, error) {
	return a.postJSON(ctx, a.url(), a.request(p, opts, false), nil)
}

func (a *Ollama) InvokeStreaming(ctx context.Context, p *prompt.Enhanced, onChunk ChunkFunc, opts CallOptions) (*RawResponse, error) {
	start := time.Now()
	resp, err := a.openStream(ctx, a.url(), a.request(p, opts, true), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var content strings.Builder
	err = readLines(resp.Body, func(line []byte) error {
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil
		}
		if chunk.Error != "" {
			return &ProviderError{Provider: a.name, Err: errors.New(chunk.Error)}
		}
		if text := chunk.Message.Content; text != "" {
			content.WriteString(text)
			if onChunk != nil {
				if err := onChunk(text, line); err != nil {
					return err
				}
			}
		}
		if chunk.Done {
			return errStreamDone
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

type ollamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type ollamaRequestBody struct {
	Model    string          `json:"model"`
	Messages []types.Message `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}
