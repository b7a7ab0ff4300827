// Package synth turns raw provider responses into ProcessedResponses:
// content extraction, reasoning trace separation, formatting and merging.
package synth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/af-corp/aegis-orchestrator/internal/provider"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// ErrSynthesis marks a provider payload that could not be interpreted. It is
// recovered locally by falling back to the raw payload.
var ErrSynthesis = errors.New("synthesis failed")

// Extract returns the text content of a vendor payload. Payloads that do not
// match the kind's schema are returned as-is.
func Extract(raw []byte, kind provider.Kind) string {
	content, err := extract(raw, kind)
	if err != nil {
		return string(raw)
	}
	return content
}

func extract(raw []byte, kind provider.Kind) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrSynthesis, r)
		}
	}()
	if len(raw) == 0 {
		return "", nil
	}

	switch kind {
	case provider.KindOpenAI:
		return extractOpenAI(raw)
	case provider.KindResearch:
		return extractResearch(raw)
	case provider.KindAnthropic:
		return extractAnthropic(raw)
	case provider.KindGemini:
		return extractGemini(raw)
	case provider.KindOllama:
		return extractOllama(raw)
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrSynthesis, kind)
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func extractOpenAI(raw []byte) (string, error) {
	var resp chatCompletion
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrSynthesis)
	}
	return resp.Choices[0].Message.Content, nil
}

type researchResponse struct {
	chatCompletion
	Answer    string   `json:"answer"`
	Citations []string `json:"citations"`
}

// extractResearch accepts chat completions or {"answer": ...} payloads and
// appends citations as a numbered list.
func extractResearch(raw []byte) (string, error) {
	var resp researchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}

	var content string
	switch {
	case len(resp.Choices) > 0:
		content = resp.Choices[0].Message.Content
	case resp.Answer != "":
		content = resp.Answer
	default:
		return "", fmt.Errorf("%w: no answer", ErrSynthesis)
	}
	if len(resp.Citations) == 0 {
		return content, nil
	}

	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\n**Sources**\n")
	for i, c := range resp.Citations {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(c)
	}
	return b.String(), nil
}

type anthropicMessage struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func extractAnthropic(raw []byte) (string, error) {
	var resp anthropicMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("%w: no content blocks", ErrSynthesis)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

type geminiResponse struct {
	Candidates []struct {
		Content *struct {
			Parts []struct {
				Text    string `json:"text"`
				Thought bool   `json:"thought"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func extractGemini(raw []byte) (string, error) {
	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: no candidates", ErrSynthesis)
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}

type ollamaResponse struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func extractOllama(raw []byte) (string, error) {
	var resp ollamaResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if resp.Message == nil {
		return "", fmt.Errorf("%w: no message", ErrSynthesis)
	}
	return resp.Message.Content, nil
}

// Usage reads token counts from a vendor payload. Counters the payload does
// not report are zero; streamed responses report UnknownTokens.
func Usage(raw *provider.RawResponse) types.Usage {
	if raw == nil {
		return types.Usage{}
	}
	if raw.Streamed {
		return types.Usage{
			PromptTokens:     types.UnknownTokens,
			CompletionTokens: types.UnknownTokens,
			TotalTokens:      types.UnknownTokens,
		}
	}

	var u types.Usage
	switch raw.Kind {
	case provider.KindOpenAI, provider.KindResearch:
		var resp chatCompletion
		if json.Unmarshal(raw.Body, &resp) == nil {
			u = types.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
	case provider.KindAnthropic:
		var resp anthropicMessage
		if json.Unmarshal(raw.Body, &resp) == nil {
			u = types.Usage{
				PromptTokens:     resp.Usage.InputTokens,
				CompletionTokens: resp.Usage.OutputTokens,
			}
		}
	case provider.KindGemini:
		var resp geminiResponse
		if json.Unmarshal(raw.Body, &resp) == nil {
			u = types.Usage{
				PromptTokens:     resp.UsageMetadata.PromptTokenCount,
				CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      resp.UsageMetadata.TotalTokenCount,
			}
		}
	case provider.KindOllama:
		var resp ollamaResponse
		if json.Unmarshal(raw.Body, &resp) == nil {
			u = types.Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
			}
		}
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}
