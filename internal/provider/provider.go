// Package provider adapts the prompt model to individual LLM vendor APIs.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/prompt"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// Kind identifies a vendor wire protocol.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindResearch  Kind = "research"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
	KindOllama    Kind = "ollama"
)

func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindOpenAI, KindResearch, KindAnthropic, KindGemini, KindOllama:
		return Kind(s), true
	default:
		return "", false
	}
}

// PromptFormat returns the prompt shape the kind's API accepts.
func (k Kind) PromptFormat() prompt.Format {
	switch k {
	case KindAnthropic:
		return prompt.FormatSystemSplit
	case KindGemini:
		return prompt.FormatParts
	default:
		return prompt.FormatMessages
	}
}

// RawResponse is a vendor response before synthesis. Body holds the vendor
// JSON payload for non-streaming calls; streaming calls carry the accumulated
// text in Content instead.
type RawResponse struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Body       []byte
	Streamed   bool
	Content    string
	Latency    time.Duration
}

type CallOptions struct {
	// Model overrides the configured model.
	Model       string
	MaxTokens   int
	Temperature *float64
}

// ChunkFunc receives each text fragment of a streamed response together with
// the raw frame it came from. Returning an error aborts the stream.
type ChunkFunc func(text string, raw []byte) error

// Provider is one registered LLM integration.
type Provider interface {
	Name() string
	Kind() Kind
	Invoke(ctx context.Context, p *prompt.Enhanced, opts CallOptions) (*RawResponse, error)
	InvokeStreaming(ctx context.Context, p *prompt.Enhanced, onChunk ChunkFunc, opts CallOptions) (*RawResponse, error)
}

// ProviderError is a transport, auth, or quota failure of a vendor call.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	// FallbackRecommendation names providers likely to succeed where this one
	// failed.
	FallbackRecommendation []string
	Err                    error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AsProviderError unwraps err into a ProviderError.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Deps are the shared collaborators handed to every adapter.
type Deps struct {
	Client *http.Client
	// LooserLimits lists providers recommended after a rate limit.
	LooserLimits []string
}

// New builds the adapter selected by cfg.Type.
func New(ctx context.Context, name string, cfg config.ProviderConfig, deps Deps) (Provider, error) {
	kind, ok := ParseKind(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("provider %s: unknown type %q", name, cfg.Type)
	}
	if deps.Client == nil {
		deps.Client = NewHTTPClient(cfg)
	}
	b := newBase(name, kind, cfg, deps)

	switch kind {
	case KindOpenAI, KindResearch:
		return &OpenAI{base: b}, nil
	case KindAnthropic:
		return &Anthropic{base: b}, nil
	case KindGemini:
		return NewGemini(ctx, b)
	case KindOllama:
		return &Ollama{base: b}, nil
	}
	return nil, fmt.Errorf("provider %s: unsupported type %q", name, cfg.Type)
}

// NewHTTPClient builds the pooled client used for one provider. The client
// has no overall timeout so streams can outlive cfg.Timeout; cfg.Timeout
// bounds the wait for response headers, and whole-call deadlines come from
// the request context.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	maxConns := cfg.MaxConcurrent
	if maxConns <= 0 {
		maxConns = 10
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
			MaxIdleConns:          maxConns,
			MaxIdleConnsPerHost:   maxConns,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// flatMessages renders any prompt shape as a flat role/content list with the
// system prompt first.
func flatMessages(p *prompt.Enhanced) []types.Message {
	switch p.Format {
	case prompt.FormatMessages:
		return p.Messages
	case prompt.FormatParts:
		var out []types.Message
		if p.System != "" {
			out = append(out, types.Message{Role: types.RoleSystem, Content: p.System})
		}
		for _, c := range p.Contents {
			role := c.Role
			if role == types.RoleModel {
				role = types.RoleAssistant
			}
			out = append(out, types.Message{Role: role, Content: joinParts(c.Parts)})
		}
		return out
	default:
		var out []types.Message
		if p.System != "" {
			out = append(out, types.Message{Role: types.RoleSystem, Content: p.System})
		}
		return append(out, p.Messages...)
	}
}

// splitSystem separates the system prompt from the conversation messages.
func splitSystem(p *prompt.Enhanced) (string, []types.Message) {
	var system string
	var msgs []types.Message
	for _, m := range flatMessages(p) {
		if m.Role == types.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		msgs = append(msgs, m)
	}
	return system, msgs
}

func joinParts(parts []prompt.Part) string {
	var s string
	for i, p := range parts {
		if i > 0 {
			s += "\n\n"
		}
		s += p.Text
	}
	return s
}
