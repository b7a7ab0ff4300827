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
	"google.golang.org/genai"
)

// Gemini talks to the Gemini API through the genai SDK. Prompts use the
// content-parts shape.
type Gemini struct {
	*base
	client *genai.Client
}

func NewGemini(ctx context.Context, b *base) (*Gemini, error) {
	if b.cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: gemini api key is required", b.name)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     b.cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: b.client,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    b.cfg.BaseURL,
			APIVersion: b.cfg.APIVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{base: b, client: client}, nil
}

func (a *Gemini) request(p *prompt.Enhanced, opts CallOptions) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, contents := geminiContents(p)
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if n := a.maxTokens(opts); n > 0 {
		config.MaxOutputTokens = int32(n)
	}
	if opts.Temperature != nil {
		t := float32(*opts.Temperature)
		config.Temperature = &t
	}
	return contents, config
}

// geminiContents converts any prompt shape into genai contents plus a system
// instruction.
func geminiContents(p *prompt.Enhanced) (string, []*genai.Content) {
	if p.Format == prompt.FormatParts {
		contents := make([]*genai.Content, 0, len(p.Contents))
		for _, c := range p.Contents {
			parts := make([]*genai.Part, 0, len(c.Parts))
			for _, part := range c.Parts {
				parts = append(parts, genai.NewPartFromText(part.Text))
			}
			contents = append(contents, genai.NewContentFromParts(parts, geminiRole(c.Role)))
		}
		return p.System, contents
	}

	system, msgs := splitSystem(p)
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		contents = append(contents, genai.NewContentFromText(m.Content, geminiRole(m.Role)))
	}
	return system, contents
}

func geminiRole(role string) genai.Role {
	if role == types.RoleAssistant || role == types.RoleModel {
		return genai.RoleModel
	}
	return genai.RoleUser
}

func (a *Gemini) Invoke(ctx context.Context, p *prompt.Enhanced, opts CallOptions) (*RawResponse, error) {
	contents, config := a.request(p, opts)
	start := time.Now()

	var raw *RawResponse
	err := a.withRetry(ctx, func() error {
		attemptCtx, cancel := a.attemptContext(ctx)
		defer cancel()
		resp, err := a.client.Models.GenerateContent(attemptCtx, a.model(opts), contents, config)
		if err != nil {
			return a.apiError(err)
		}
		body, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("marshal gemini response: %w", err)
		}
		raw = &RawResponse{Provider: a.name, Kind: a.kind, StatusCode: 200, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	raw.Latency = time.Since(start)
	return raw, nil
}

func (a *Gemini) InvokeStreaming(ctx context.Context, p *prompt.Enhanced, onChunk ChunkFunc, opts CallOptions) (*RawResponse, error) {
	contents, config := a.request(p, opts)
	start := time.Now()

	var content strings.Builder
	for resp, err := range a.client.Models.GenerateContentStream(ctx, a.model(opts), contents, config) {
		if err != nil {
			return nil, a.apiError(err)
		}
		text := geminiText(resp)
		if text == "" {
			continue
		}
		content.WriteString(text)
		if onChunk != nil {
			frame, _ := json.Marshal(resp)
			if err := onChunk(text, frame); err != nil {
				return nil, a.transportError(err)
			}
		}
	}
	return a.streamResult(content.String(), start), nil
}

// apiError maps SDK errors onto ProviderError.
func (a *Gemini) apiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return a.statusError(apiErr.Code, []byte(apiErr.Message))
	}
	return a.transportError(err)
}

// geminiText joins the non-thought text parts of the first candidate.
func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}
