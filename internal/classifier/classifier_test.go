package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/types"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeLearned struct {
	ready     bool
	taskType  types.TaskType
	conf      float64
	err       error
	block     bool
	panics    bool
	gotInput  string
	gotRecent []string
}

func (f *fakeLearned) Ready() bool { return f.ready }

func (f *fakeLearned) Classify(ctx context.Context, input string, recent []string) (types.TaskType, float64, error) {
	f.gotInput = input
	f.gotRecent = recent
	if f.panics {
		panic("model exploded")
	}
	if f.block {
		<-ctx.Done()
		return "", 0, ctx.Err()
	}
	return f.taskType, f.conf, f.err
}

func testCfg() func() config.ClassifierConfig {
	return func() config.ClassifierConfig {
		return config.ClassifierConfig{
			LearnedTimeout:      50 * time.Millisecond,
			ConfidenceThreshold: 0.7,
			RecentTurns:         2,
		}
	}
}

func TestClassify_Rules(t *testing.T) {
	c := New(testCfg(), nil, nil)
	tests := []struct {
		input string
		want  types.TaskType
	}{
		{"Write a function to reverse a string", types.TaskCode},
		{"```\nx := 1\n```\nwhat does this do?", types.TaskCode},
		{"My Python script crashes on startup", types.TaskCode},
		{"Find the latest news on fusion energy", types.TaskResearch},
		{"Why is the sky blue?", types.TaskReasoning},
		{"Tell me a story about dragons", types.TaskCreative},
		{"What is the median of this dataset", types.TaskDataAnalysis},
		{"I need legal advice about my lease", types.TaskDomainExpertise},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			res := c.Classify(context.Background(), tt.input, nil, Options{})
			if res.TaskType != tt.want {
				t.Errorf("expected %s, got %s", tt.want, res.TaskType)
			}
			if res.Path != PathRules {
				t.Errorf("expected rules path, got %s", res.Path)
			}
			if res.Confidence < DefaultRuleConfidence {
				t.Errorf("expected confidence >= %v, got %v", DefaultRuleConfidence, res.Confidence)
			}
		})
	}
}

func TestClassify_NoMatchIsGeneral(t *testing.T) {
	c := New(testCfg(), nil, nil)
	res := c.Classify(context.Background(), "Hello there, how are you?", nil, Options{})
	if res.TaskType != types.TaskGeneral {
		t.Errorf("expected general, got %s", res.TaskType)
	}
	if res.Confidence != GeneralConfidence {
		t.Errorf("expected confidence %v, got %v", GeneralConfidence, res.Confidence)
	}
	if res.Path != PathDefault {
		t.Errorf("expected default path, got %s", res.Path)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	c := New(testCfg(), nil, nil)
	input := "Can you refactor this algorithm?"
	first := c.Classify(context.Background(), input, nil, Options{})
	for i := 0; i < 10; i++ {
		if got := c.Classify(context.Background(), input, nil, Options{}); got != first {
			t.Fatalf("run %d: expected %+v, got %+v", i, first, got)
		}
	}
}

func TestClassify_TaxDoesNotMatchSyntax(t *testing.T) {
	c := New(testCfg(), nil, nil)
	res := c.Classify(context.Background(), "what does this syntax mean in english grammar", nil, Options{})
	if res.TaskType == types.TaskDomainExpertise {
		t.Error("syntax should not trigger domain expertise")
	}
}

func TestClassify_LearnedHighConfidenceWins(t *testing.T) {
	learned := &fakeLearned{ready: true, taskType: types.TaskCreative, conf: 0.95}
	c := New(testCfg(), learned, nil)

	history := []types.ConversationTurn{
		{UserInput: "first"},
		{UserInput: "second"},
		{UserInput: "third"},
	}
	res := c.Classify(context.Background(), "Write a function to reverse a string", history, Options{})
	if res.TaskType != types.TaskCreative || res.Path != PathLearned {
		t.Errorf("expected learned creative, got %s via %s", res.TaskType, res.Path)
	}
	if len(learned.gotRecent) != 2 || learned.gotRecent[0] != "second" || learned.gotRecent[1] != "third" {
		t.Errorf("expected last two inputs oldest first, got %v", learned.gotRecent)
	}
}

func TestClassify_LearnedFallsThroughToRules(t *testing.T) {
	tests := []struct {
		name    string
		learned *fakeLearned
	}{
		{"not ready", &fakeLearned{ready: false, taskType: types.TaskCreative, conf: 0.99}},
		{"low confidence", &fakeLearned{ready: true, taskType: types.TaskCreative, conf: 0.5}},
		{"at threshold", &fakeLearned{ready: true, taskType: types.TaskCreative, conf: 0.7}},
		{"error", &fakeLearned{ready: true, err: errors.New("unavailable")}},
		{"unknown label", &fakeLearned{ready: true, taskType: "poetry", conf: 0.99}},
		{"timeout", &fakeLearned{ready: true, block: true}},
		{"panic", &fakeLearned{ready: true, panics: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(testCfg(), tt.learned, nil)
			res := c.Classify(context.Background(), "Write a function to reverse a string", nil, Options{})
			if res.TaskType != types.TaskCode || res.Path != PathRules {
				t.Errorf("expected rules code, got %s via %s", res.TaskType, res.Path)
			}
		})
	}
}

func TestClassify_SkipLearned(t *testing.T) {
	learned := &fakeLearned{ready: true, taskType: types.TaskCreative, conf: 0.99}
	c := New(testCfg(), learned, nil)
	res := c.Classify(context.Background(), "Write a function to reverse a string", nil, Options{SkipLearned: true})
	if res.TaskType != types.TaskCode {
		t.Errorf("expected code, got %s", res.TaskType)
	}
	if learned.gotInput != "" {
		t.Error("learned classifier should not have been called")
	}
}

func TestClassify_Mention(t *testing.T) {
	c := New(testCfg(), nil, nil)
	res := c.Classify(context.Background(), "@research what is go", nil, Options{})
	if res.TaskType != types.TaskResearch || res.Path != PathExplicit {
		t.Errorf("expected explicit research, got %s via %s", res.TaskType, res.Path)
	}
	if res.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0, got %v", res.Confidence)
	}
	if res.Input != "what is go" {
		t.Errorf("expected mention stripped, got %q", res.Input)
	}

	res = c.Classify(context.Background(), "@bob tell me a story", nil, Options{})
	if res.Path == PathExplicit {
		t.Error("unknown mention should not force a task type")
	}
	if res.Input != "@bob tell me a story" {
		t.Errorf("unknown mention should leave input intact, got %q", res.Input)
	}
}

func TestSetRules(t *testing.T) {
	rules, err := CompileRules([]config.RuleConfig{
		{TaskType: "creative", Keywords: []string{"Limerick"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := New(testCfg(), nil, nil)
	c.SetRules(rules)

	res := c.Classify(context.Background(), "a limerick please", nil, Options{})
	if res.TaskType != types.TaskCreative {
		t.Errorf("expected creative, got %s", res.TaskType)
	}
	if res.Confidence != DefaultRuleConfidence {
		t.Errorf("expected default confidence, got %v", res.Confidence)
	}
	res = c.Classify(context.Background(), "Write a function to reverse a string", nil, Options{})
	if res.TaskType != types.TaskGeneral {
		t.Errorf("replaced rules should not include code, got %s", res.TaskType)
	}

	c.SetRules(nil)
	res = c.Classify(context.Background(), "Write a function to reverse a string", nil, Options{})
	if res.TaskType != types.TaskCode {
		t.Errorf("empty rule set should restore defaults, got %s", res.TaskType)
	}
}

func TestClassify_CodeFenceIgnoresRuleTable(t *testing.T) {
	rules, err := CompileRules([]config.RuleConfig{
		{TaskType: "creative", Keywords: []string{"story"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := New(testCfg(), nil, nil)
	c.SetRules(rules)

	res := c.Classify(context.Background(), "tell me a story about this:\n```\nfmt.Println(1)\n```", nil, Options{})
	if res.TaskType != types.TaskCode {
		t.Errorf("fenced code should classify as code, got %s", res.TaskType)
	}
	if res.Confidence != CodeFenceConfidence || res.Path != PathRules {
		t.Errorf("expected %v via rules, got %v via %s", CodeFenceConfidence, res.Confidence, res.Path)
	}
}

func TestCompileRules_Errors(t *testing.T) {
	if _, err := CompileRules([]config.RuleConfig{{TaskType: "poetry"}}); err == nil {
		t.Error("expected error for unknown task type")
	}
	if _, err := CompileRules([]config.RuleConfig{{TaskType: "code", Patterns: []string{"("}}}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestExtractMention(t *testing.T) {
	tests := []struct {
		input, mention, remaining string
	}{
		{"@Code fix this", "code", "fix this"},
		{"  @data  sum the column", "data", "sum the column"},
		{"email me at a@b.com", "", "email me at a@b.com"},
		{"@code", "", "@code"},
	}
	for _, tt := range tests {
		mention, remaining := ExtractMention(tt.input)
		if mention != tt.mention || remaining != tt.remaining {
			t.Errorf("ExtractMention(%q) = (%q, %q), want (%q, %q)", tt.input, mention, remaining, tt.mention, tt.remaining)
		}
	}
}

func TestGRPCClassifier_Codec(t *testing.T) {
	req, err := newClassifyRequest("hello", []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := req.GetFields()["text"].GetStringValue(); got != "hello" {
		t.Errorf("expected text hello, got %q", got)
	}
	if got := len(req.GetFields()["recent"].GetListValue().GetValues()); got != 2 {
		t.Errorf("expected 2 recent inputs, got %d", got)
	}

	resp, _ := structpb.NewStruct(map[string]any{"label": "code", "confidence": 0.9})
	tt, conf, err := parseClassifyResponse(resp)
	if err != nil || tt != types.TaskCode || conf != 0.9 {
		t.Errorf("unexpected parse result: %s %v %v", tt, conf, err)
	}

	empty, _ := structpb.NewStruct(map[string]any{"confidence": 0.9})
	if _, _, err := parseClassifyResponse(empty); err == nil {
		t.Error("expected error for missing label")
	}
}

func TestGRPCClassifier_NotConnected(t *testing.T) {
	g := NewGRPCClassifier(testCfg())
	if g.Ready() {
		t.Error("unconnected classifier should not be ready")
	}
	if _, _, err := g.Classify(context.Background(), "x", nil); err == nil {
		t.Error("expected error when not connected")
	}
	if err := g.Connect(); err == nil {
		t.Error("expected error when address is empty")
	}
}
