package synth

import (
	"bytes"
	"encoding/json"
	"html"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

const (
	ThinkingBefore = "before"
	ThinkingAfter  = "after"
)

// FormatOptions controls rendering of FormattedResponse.
type FormatOptions struct {
	Platform  string
	TaskType  types.TaskType
	Timestamp time.Time
	// Attribution appends a line naming the platform.
	Attribution  bool
	ShowThinking bool
	// ThinkingPosition is "before" or "after" the content.
	ThinkingPosition string
}

// markdown renders CommonMark plus tables, strikethrough and autolinks. Raw
// HTML in provider output is omitted.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Format renders content and an optional reasoning trace. Unknown formats
// render as text.
func Format(content, thinking string, format types.ResponseFormat, opts FormatOptions) string {
	switch format {
	case types.FormatMarkdown:
		return formatMarkdown(content, thinking, opts)
	case types.FormatHTML:
		return formatHTML(content, thinking, opts)
	case types.FormatJSON:
		return formatJSON(content, thinking, opts)
	default:
		return formatText(content, opts)
	}
}

func attribution(opts FormatOptions) string {
	if !opts.Attribution || opts.Platform == "" {
		return ""
	}
	return "Response from " + opts.Platform
}

func formatText(content string, opts FormatOptions) string {
	if a := attribution(opts); a != "" {
		return content + "\n\n" + a
	}
	return content
}

func formatMarkdown(content, thinking string, opts FormatOptions) string {
	var b strings.Builder
	showThinking := opts.ShowThinking && thinking != ""
	after := opts.ThinkingPosition == ThinkingAfter

	if showThinking && !after {
		b.WriteString("**Reasoning**\n\n")
		b.WriteString(thinking)
		b.WriteString("\n\n---\n\n")
	}
	b.WriteString(content)
	if showThinking && after {
		b.WriteString("\n\n---\n\n**Reasoning**\n\n")
		b.WriteString(thinking)
	}
	if a := attribution(opts); a != "" {
		b.WriteString("\n\n*")
		b.WriteString(a)
		b.WriteString("*")
	}
	return b.String()
}

func renderMarkdown(src string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "<pre>" + html.EscapeString(src) + "</pre>"
	}
	return strings.TrimSpace(buf.String())
}

func formatHTML(content, thinking string, opts FormatOptions) string {
	var b strings.Builder
	showThinking := opts.ShowThinking && thinking != ""
	thinkingDiv := `<div class="aegis-thinking">` + renderMarkdown(thinking) + `</div>`

	b.WriteString(`<div class="aegis-response">`)
	if showThinking && opts.ThinkingPosition != ThinkingAfter {
		b.WriteString(thinkingDiv)
	}
	b.WriteString(`<div class="aegis-content">`)
	b.WriteString(renderMarkdown(content))
	b.WriteString(`</div>`)
	if showThinking && opts.ThinkingPosition == ThinkingAfter {
		b.WriteString(thinkingDiv)
	}
	if a := attribution(opts); a != "" {
		b.WriteString(`<div class="aegis-attribution">`)
		b.WriteString(html.EscapeString(a))
		b.WriteString(`</div>`)
	}
	b.WriteString(`</div>`)
	return b.String()
}

type jsonDocument struct {
	Content   string         `json:"content"`
	Timestamp string         `json:"timestamp"`
	Thinking  string         `json:"thinking,omitempty"`
	Platform  string         `json:"platform,omitempty"`
	TaskType  types.TaskType `json:"task_type,omitempty"`
}

func formatJSON(content, thinking string, opts FormatOptions) string {
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	doc := jsonDocument{
		Content:   content,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Thinking:  thinking,
		Platform:  opts.Platform,
		TaskType:  opts.TaskType,
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return formatText(content, opts)
	}
	return string(out)
}
