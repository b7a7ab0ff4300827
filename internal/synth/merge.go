package synth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

type MergeStrategy string

const (
	MergeSequential   MergeStrategy = "sequential"
	MergeBestFirst    MergeStrategy = "best_first"
	MergeTaskSpecific MergeStrategy = "task_specific"
)

// MergeOptions controls Merge. Zero values use the configured defaults.
type MergeOptions struct {
	Strategy MergeStrategy
	Format   types.ResponseFormat
	UserID   string
}

// Merge combines responses from several platforms into one. A single
// response is returned as-is. Empty input or an internal failure yields the
// canned error response.
func (s *Synthesizer) Merge(responses []*types.ProcessedResponse, opts MergeOptions) (merged *types.ProcessedResponse) {
	info := RequestInfo{UserID: opts.UserID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("response merge panicked", "panic", fmt.Sprint(r))
			merged = s.ErrorResponse(info, opts.Format, "")
		}
	}()

	live := make([]*types.ProcessedResponse, 0, len(responses))
	for _, r := range responses {
		if r != nil {
			live = append(live, r)
		}
	}
	switch len(live) {
	case 0:
		return s.ErrorResponse(info, opts.Format, "")
	case 1:
		return live[0]
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = MergeStrategy(s.config().MergeStrategy)
	}

	var content string
	switch strategy {
	case MergeBestFirst:
		live = rankBestFirst(live)
		content = sequential(live, "##")
	case MergeTaskSpecific:
		content = byTaskType(live)
	default:
		content = sequential(live, "##")
	}

	first := live[0]
	platforms := make([]string, 0, len(live))
	var thinking []string
	usage := types.Usage{}
	failed := 0
	for _, r := range live {
		platforms = append(platforms, r.Platform)
		if r.ThinkingProcess != "" {
			thinking = append(thinking, sourceLabel("###", r.Platform)+"\n\n"+r.ThinkingProcess)
		}
		usage = addUsage(usage, r.Usage)
		if r.Failed() {
			failed++
		}
	}

	userID := opts.UserID
	if userID == "" {
		userID = first.UserID
	}
	out := &types.ProcessedResponse{
		Content:         content,
		Platform:        strings.Join(platforms, ","),
		TaskType:        first.TaskType,
		Timestamp:       s.now(),
		UserID:          userID,
		Format:          s.resolveFormat(opts.Format),
		ThinkingProcess: strings.Join(thinking, "\n\n"),
		Usage:           usage,
	}
	if failed == len(live) {
		out.Error = GenericErrorMessage
	}
	fo := s.formatOptions(out, Options{})
	fo.Attribution = false
	out.FormattedResponse = Format(out.Content, out.ThinkingProcess, out.Format, fo)
	return out
}

func sourceLabel(heading, platform string) string {
	return heading + " Response from " + platform
}

func sectionBody(r *types.ProcessedResponse) string {
	if r.Failed() {
		return "*No response available.*"
	}
	return r.Content
}

func sequential(responses []*types.ProcessedResponse, heading string) string {
	sections := make([]string, 0, len(responses))
	for _, r := range responses {
		sections = append(sections, sourceLabel(heading, r.Platform)+"\n\n"+sectionBody(r))
	}
	return strings.Join(sections, "\n\n")
}

// rankBestFirst orders successful responses before failed ones and shorter
// content before longer, keeping input order among equals.
func rankBestFirst(responses []*types.ProcessedResponse) []*types.ProcessedResponse {
	ranked := make([]*types.ProcessedResponse, len(responses))
	copy(ranked, responses)
	sort.SliceStable(ranked, func(i, j int) bool {
		fi, fj := ranked[i].Failed(), ranked[j].Failed()
		if fi != fj {
			return !fi
		}
		return len(ranked[i].Content) < len(ranked[j].Content)
	})
	return ranked
}

// byTaskType groups responses under their task type in first-seen order.
func byTaskType(responses []*types.ProcessedResponse) string {
	var order []types.TaskType
	groups := make(map[types.TaskType][]*types.ProcessedResponse)
	for _, r := range responses {
		if _, ok := groups[r.TaskType]; !ok {
			order = append(order, r.TaskType)
		}
		groups[r.TaskType] = append(groups[r.TaskType], r)
	}

	sections := make([]string, 0, len(order))
	for _, t := range order {
		label := string(t)
		if label == "" {
			label = string(types.TaskGeneral)
		}
		sections = append(sections, "## Task: "+label+"\n\n"+sequential(groups[t], "###"))
	}
	return strings.Join(sections, "\n\n")
}

func addUsage(a, b types.Usage) types.Usage {
	add := func(x, y int) int {
		if x == types.UnknownTokens || y == types.UnknownTokens {
			return types.UnknownTokens
		}
		return x + y
	}
	return types.Usage{
		PromptTokens:     add(a.PromptTokens, b.PromptTokens),
		CompletionTokens: add(a.CompletionTokens, b.CompletionTokens),
		TotalTokens:      add(a.TotalTokens, b.TotalTokens),
	}
}
