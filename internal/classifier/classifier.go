// Package classifier maps free-text user input to a task type. A learned
// classifier is consulted first when one is available; the deterministic
// rule engine decides whenever the learned stage is absent, fails, or is not
// confident enough.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// Path records which stage produced a classification.
type Path string

const (
	PathExplicit Path = "explicit"
	PathLearned  Path = "learned"
	PathRules    Path = "rules"
	PathDefault  Path = "default"
)

// ErrClassification wraps failures of the learned stage. It is logged and
// never returned to callers of Classify.
var ErrClassification = errors.New("learned classification failed")

// Learned is a model-backed classifier. Implementations report a confidence
// in [0, 1] alongside the label.
type Learned interface {
	Ready() bool
	Classify(ctx context.Context, input string, recent []string) (types.TaskType, float64, error)
}

type Result struct {
	TaskType   types.TaskType
	Confidence float64
	Path       Path
	// Input is the user input with any @mention prefix removed.
	Input string
}

type Options struct {
	// SkipLearned forces the rule engine.
	SkipLearned bool
}

// Classifier is safe for concurrent use.
type Classifier struct {
	mu      sync.RWMutex
	rules   []Rule
	learned Learned
	cfg     func() config.ClassifierConfig
	logger  *slog.Logger
}

// New creates a classifier using DefaultRules. learned may be nil.
func New(cfg func() config.ClassifierConfig, learned Learned, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		rules:   DefaultRules(),
		learned: learned,
		cfg:     cfg,
		logger:  logger,
	}
}

// SetRules replaces the rule set. An empty set restores DefaultRules.
func (c *Classifier) SetRules(rules []Rule) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
}

// Classify never fails: the worst case is TaskGeneral.
func (c *Classifier) Classify(ctx context.Context, input string, history []types.ConversationTurn, opts Options) Result {
	if mention, remaining := ExtractMention(input); mention != "" {
		if tt, ok := TaskTypeFromMention(mention); ok {
			return Result{TaskType: tt, Confidence: 1.0, Path: PathExplicit, Input: remaining}
		}
	}

	if !opts.SkipLearned {
		if res, ok := c.classifyLearned(ctx, input, history); ok {
			return res
		}
	}

	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	tt, confidence, matched := matchRules(rules, input)
	if !matched {
		return Result{TaskType: types.TaskGeneral, Confidence: confidence, Path: PathDefault, Input: input}
	}
	return Result{TaskType: tt, Confidence: confidence, Path: PathRules, Input: input}
}

func (c *Classifier) classifyLearned(ctx context.Context, input string, history []types.ConversationTurn) (Result, bool) {
	if c.learned == nil || !c.learned.Ready() {
		return Result{}, false
	}
	cfg := c.cfg()

	tt, confidence, err := c.callLearned(ctx, cfg, input, recentInputs(history, cfg.RecentTurns))
	if err != nil {
		c.logger.Debug("learned classifier unavailable, using rules", "error", err)
		return Result{}, false
	}
	if !tt.IsValid() {
		c.logger.Debug("learned classifier returned unknown label", "label", string(tt))
		return Result{}, false
	}
	if confidence <= cfg.ConfidenceThreshold {
		return Result{}, false
	}
	return Result{TaskType: tt, Confidence: confidence, Path: PathLearned, Input: input}, true
}

type learnedResult struct {
	taskType   types.TaskType
	confidence float64
	err        error
}

// callLearned bounds the learned stage by the configured timeout and turns
// panics into errors.
func (c *Classifier) callLearned(ctx context.Context, cfg config.ClassifierConfig, input string, recent []string) (types.TaskType, float64, error) {
	timeout := cfg.LearnedTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan learnedResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- learnedResult{err: fmt.Errorf("%w: panic: %v", ErrClassification, r)}
			}
		}()
		tt, conf, err := c.learned.Classify(callCtx, input, recent)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrClassification, err)
		}
		done <- learnedResult{taskType: tt, confidence: conf, err: err}
	}()

	select {
	case res := <-done:
		return res.taskType, res.confidence, res.err
	case <-callCtx.Done():
		return "", 0, fmt.Errorf("%w: %v", ErrClassification, callCtx.Err())
	}
}

// recentInputs returns up to n of the most recent user inputs, oldest first.
func recentInputs(history []types.ConversationTurn, n int) []string {
	if n <= 0 {
		return nil
	}
	start := len(history) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(history)-start)
	for _, turn := range history[start:] {
		if turn.IsSystemMessage {
			continue
		}
		out = append(out, turn.UserInput)
	}
	return out
}

var mentionRegex = regexp.MustCompile(`(?s)^@(\w+)\s+(.*)$`)

// ExtractMention returns the @mention at the start of input and the rest of
// the input, or an empty mention when there is none.
func ExtractMention(input string) (mention string, remaining string) {
	matches := mentionRegex.FindStringSubmatch(strings.TrimSpace(input))
	if len(matches) == 3 {
		return strings.ToLower(matches[1]), matches[2]
	}
	return "", input
}

var mentionToTaskType = map[string]types.TaskType{
	"general":   types.TaskGeneral,
	"chat":      types.TaskGeneral,
	"research":  types.TaskResearch,
	"code":      types.TaskCode,
	"debug":     types.TaskCode,
	"reason":    types.TaskReasoning,
	"reasoning": types.TaskReasoning,
	"creative":  types.TaskCreative,
	"write":     types.TaskCreative,
	"data":      types.TaskDataAnalysis,
	"analyze":   types.TaskDataAnalysis,
	"expert":    types.TaskDomainExpertise,
}

func TaskTypeFromMention(mention string) (types.TaskType, bool) {
	tt, ok := mentionToTaskType[strings.ToLower(mention)]
	return tt, ok
}
