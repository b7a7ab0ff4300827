package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// DefaultRuleConfidence is reported for a rule match when the rule does not
// configure its own confidence.
const DefaultRuleConfidence = 0.8

// GeneralConfidence is reported when no rule matched.
const GeneralConfidence = 0.5

// CodeFenceConfidence is reported for input carrying a fenced code block,
// which is code regardless of the configured rules.
const CodeFenceConfidence = 0.9

const codeFence = "```"

// Rule maps keyword and pattern hits to a task type. Keywords are matched as
// substrings of the lower-cased input; patterns are regular expressions
// evaluated against the same lower-cased input.
type Rule struct {
	TaskType   types.TaskType
	Keywords   []string
	Patterns   []*regexp.Regexp
	Confidence float64
}

// Match reports whether the lower-cased input triggers the rule.
func (r Rule) Match(lower string) bool {
	for _, kw := range r.Keywords {
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	for _, p := range r.Patterns {
		if p.MatchString(lower) {
			return true
		}
	}
	return false
}

// CompileRules turns configured rule data into rules. Keywords are
// lower-cased; an invalid pattern fails the whole set.
func CompileRules(cfgs []config.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for i, rc := range cfgs {
		tt, ok := types.ParseTaskType(rc.TaskType)
		if !ok {
			return nil, fmt.Errorf("rule %d: unknown task type %q", i, rc.TaskType)
		}
		rule := Rule{TaskType: tt, Confidence: rc.Confidence}
		if rule.Confidence <= 0 {
			rule.Confidence = DefaultRuleConfidence
		}
		for _, kw := range rc.Keywords {
			rule.Keywords = append(rule.Keywords, strings.ToLower(kw))
		}
		for _, p := range rc.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("rule %d: compile pattern %q: %w", i, p, err)
			}
			rule.Patterns = append(rule.Patterns, re)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// DefaultRules returns the built-in rule set, in evaluation order. The
// keyword lists are tuning defaults, not an authoritative taxonomy; deploys
// override them through routing.yaml.
func DefaultRules() []Rule {
	return []Rule{
		{
			TaskType: types.TaskCode,
			Keywords: []string{
				"function", "debug", "compile", "stack trace", "traceback",
				"refactor", "algorithm", "programming", "unit test", "sql query", "regex",
			},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(code|coding|script|bug|syntax error|exception)\b`),
				regexp.MustCompile(`\b(python|javascript|typescript|golang|java|rust|c\+\+|ruby|php|kotlin|swift)\b`),
				regexp.MustCompile(`\b(write|implement|fix)\s+(a|an|the|this|my)?\s*(class|method|program|module)\b`),
			},
			Confidence: 0.85,
		},
		{
			TaskType: types.TaskResearch,
			Keywords: []string{
				"research", "find information", "look up", "latest news", "recent developments",
				"sources", "citations", "according to", "what's new",
			},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(cite|references?|studies|papers?|survey)\b`),
				regexp.MustCompile(`\b(current|latest|recent)\s+(events?|news|state|trends?)\b`),
			},
			Confidence: DefaultRuleConfidence,
		},
		{
			TaskType: types.TaskReasoning,
			Keywords: []string{"step by step", "step-by-step", "logic puzzle", "think through"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(why|prove|proof|deduce|infer|reason|logic|logical|solve|puzzle|riddle)\b`),
				regexp.MustCompile(`\b(math|equation|calculate|probability)\b`),
			},
			Confidence: DefaultRuleConfidence,
		},
		{
			TaskType: types.TaskCreative,
			Keywords: []string{"story", "poem", "lyrics", "fiction", "brainstorm", "slogan", "screenplay"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(creative|imagine|haiku|song|novel|character)\b`),
			},
			Confidence: DefaultRuleConfidence,
		},
		{
			TaskType: types.TaskDataAnalysis,
			Keywords: []string{"dataset", "data analysis", "analyze data", "analyse data", "spreadsheet", "csv", "pivot table"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(statistics|statistical|correlation|regression|median|variance|chart|visuali[sz]e|trend)\b`),
			},
			Confidence: DefaultRuleConfidence,
		},
		{
			TaskType: types.TaskDomainExpertise,
			Keywords: []string{"diagnosis", "symptom", "legal advice", "contract law", "investment", "clinical"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(tax|taxes|medical|medicine|legal|lawyer|attorney|finance|financial|accounting|compliance|regulation)\b`),
			},
			Confidence: DefaultRuleConfidence,
		},
	}
}

// matchRules returns the first rule that matches, in order. A fenced code
// block matches before any rule.
func matchRules(rules []Rule, input string) (types.TaskType, float64, bool) {
	if strings.Contains(input, codeFence) {
		return types.TaskCode, CodeFenceConfidence, true
	}
	lower := strings.ToLower(input)
	for _, r := range rules {
		if r.Match(lower) {
			return r.TaskType, r.Confidence, true
		}
	}
	return types.TaskGeneral, GeneralConfidence, false
}
