package prompt

import (
	"strings"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// Format is the wire shape a provider expects.
type Format string

const (
	// FormatMessages is a flat role/content array with the system message inline.
	FormatMessages Format = "messages"
	// FormatSystemSplit is a role/content array with the system prompt carried
	// separately.
	FormatSystemSplit Format = "system_split"
	// FormatParts is a contents[].parts[] array with a separate system
	// instruction and "model" as the assistant role.
	FormatParts Format = "parts"
)

type Part struct {
	Text string `json:"text"`
}

type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Enhanced is a provider-shaped prompt. Messages is used by FormatMessages and
// FormatSystemSplit, Contents by FormatParts. System is used by every format
// except FormatMessages.
type Enhanced struct {
	Format   Format          `json:"format"`
	System   string          `json:"system,omitempty"`
	Messages []types.Message `json:"messages,omitempty"`
	Contents []Content       `json:"contents,omitempty"`
}

// Clone returns a deep copy.
func (e *Enhanced) Clone() *Enhanced {
	if e == nil {
		return &Enhanced{Format: FormatMessages}
	}
	out := &Enhanced{Format: e.Format, System: e.System}
	if e.Messages != nil {
		out.Messages = append([]types.Message(nil), e.Messages...)
	}
	if e.Contents != nil {
		out.Contents = make([]Content, len(e.Contents))
		for i, c := range e.Contents {
			out.Contents[i] = Content{Role: c.Role, Parts: append([]Part(nil), c.Parts...)}
		}
	}
	return out
}

// Text concatenates every piece of text in the prompt.
func (e *Enhanced) Text() string {
	var b strings.Builder
	b.WriteString(e.System)
	for _, m := range e.Messages {
		b.WriteString("\n")
		b.WriteString(m.Content)
	}
	for _, c := range e.Contents {
		for _, p := range c.Parts {
			b.WriteString("\n")
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Enhance returns a new prompt with the ThinkingSpec instruction merged into the
// system prompt and its phase block appended to the last user message. Missing
// system or user messages are created. base is never modified, and enhancing
// an already enhanced prompt returns an equal copy.
func Enhance(base *Enhanced, spec ThinkingSpec) *Enhanced {
	out := base.Clone()
	if spec.Empty() {
		return out
	}

	if spec.Instruction != "" {
		switch out.Format {
		case FormatSystemSplit, FormatParts:
			out.System = mergeInstruction(out.System, spec.Instruction)
		default:
			mergeSystemMessage(out, spec.Instruction)
		}
	}

	if block := spec.PhaseBlock(); block != "" {
		if out.Format == FormatParts {
			appendToLastUserContent(out, block)
		} else {
			appendToLastUserMessage(out, block)
		}
	}
	return out
}

// mergeInstruction prepends instruction unless a previous merge already put
// an instruction at the head of existing.
func mergeInstruction(existing, instruction string) string {
	if strings.HasPrefix(existing, instructionMarker) {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return instruction
	}
	return instruction + "\n\n" + existing
}

func mergeSystemMessage(e *Enhanced, instruction string) {
	for i, m := range e.Messages {
		if m.Role == types.RoleSystem {
			e.Messages[i].Content = mergeInstruction(m.Content, instruction)
			return
		}
	}
	e.Messages = append([]types.Message{{Role: types.RoleSystem, Content: instruction}}, e.Messages...)
}

// appendBlock appends block unless existing already ends with it. Only the
// tail is checked; user text may quote the phase marker.
func appendBlock(existing, block string) string {
	if strings.HasSuffix(existing, block) {
		return existing
	}
	if existing == "" {
		return block
	}
	return existing + "\n\n" + block
}

func appendToLastUserMessage(e *Enhanced, block string) {
	for i := len(e.Messages) - 1; i >= 0; i-- {
		if e.Messages[i].Role == types.RoleUser {
			e.Messages[i].Content = appendBlock(e.Messages[i].Content, block)
			return
		}
	}
	e.Messages = append(e.Messages, types.Message{Role: types.RoleUser, Content: block})
}

func appendToLastUserContent(e *Enhanced, block string) {
	for i := len(e.Contents) - 1; i >= 0; i-- {
		if e.Contents[i].Role != types.RoleUser {
			continue
		}
		parts := e.Contents[i].Parts
		if n := len(parts); n > 0 && parts[n-1].Text == block {
			return
		}
		e.Contents[i].Parts = append(parts, Part{Text: block})
		return
	}
	e.Contents = append(e.Contents, Content{Role: types.RoleUser, Parts: []Part{{Text: block}}})
}

// FromContext builds the base prompt for a request from conversation history.
// Each stored turn becomes a user message followed by an assistant message;
// system notices in the history are not replayed to providers.
func FromContext(format Format, system string, turns []types.ConversationTurn, input string) *Enhanced {
	e := &Enhanced{Format: format}
	switch format {
	case FormatParts:
		e.System = system
		for _, t := range turns {
			if t.IsSystemMessage {
				continue
			}
			e.Contents = append(e.Contents, Content{Role: types.RoleUser, Parts: []Part{{Text: t.UserInput}}})
			if t.AIResponse != "" {
				e.Contents = append(e.Contents, Content{Role: types.RoleModel, Parts: []Part{{Text: t.AIResponse}}})
			}
		}
		e.Contents = append(e.Contents, Content{Role: types.RoleUser, Parts: []Part{{Text: input}}})
		return e

	case FormatSystemSplit:
		e.System = system

	default:
		e.Format = FormatMessages
		if system != "" {
			e.Messages = append(e.Messages, types.Message{Role: types.RoleSystem, Content: system})
		}
	}

	for _, t := range turns {
		if t.IsSystemMessage {
			continue
		}
		e.Messages = append(e.Messages, types.Message{Role: types.RoleUser, Content: t.UserInput})
		if t.AIResponse != "" {
			e.Messages = append(e.Messages, types.Message{Role: types.RoleAssistant, Content: t.AIResponse})
		}
	}
	e.Messages = append(e.Messages, types.Message{Role: types.RoleUser, Content: input})
	return e
}
