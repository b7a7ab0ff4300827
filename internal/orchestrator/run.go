package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/classifier"
	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/memory"
	"github.com/af-corp/aegis-orchestrator/internal/prompt"
	"github.com/af-corp/aegis-orchestrator/internal/provider"
	"github.com/af-corp/aegis-orchestrator/internal/router"
	"github.com/af-corp/aegis-orchestrator/internal/synth"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// errCircuitOpen means the breaker refused the call after selection, usually
// because a concurrent request claimed the half-open trial.
var errCircuitOpen = errors.New("circuit open")

// run is the state of one logical request across fallback hops.
type run struct {
	core   *Core
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger
	start  time.Time

	userID string
	input  string
	opts   Options

	taskType   types.TaskType
	history    []types.ConversationTurn
	similar    []types.ConversationTurn
	fetched    bool
	attempted  map[string]bool
	order      []string
	isFallback bool
	// delivered is set once a streamed chunk reached the caller.
	delivered bool
}

func (c *Core) newRun(ctx context.Context, input, userID string, opts Options) *run {
	if opts.RequestID == "" {
		opts.RequestID = c.newID()
	}
	return &run{
		core:      c,
		ctx:       ctx,
		cfg:       c.cfg(),
		logger:    c.logger.With("request_id", opts.RequestID, "user_id", userID),
		start:     c.now(),
		userID:    userID,
		input:     input,
		opts:      opts,
		attempted: make(map[string]bool),
	}
}

func (r *run) transition(state State, args ...any) {
	r.logger.Debug("request state", append([]any{"state", string(state)}, args...)...)
}

func (r *run) selectOptions() router.SelectOptions {
	return router.SelectOptions{
		CostOptimize: r.opts.CostOptimize,
		Premium:      r.opts.Premium,
		UserID:       r.userID,
		Attempted:    r.attempted,
	}
}

func (r *run) info(platform string) synth.RequestInfo {
	attempted := make([]string, len(r.order))
	copy(attempted, r.order)
	return synth.RequestInfo{
		UserID:             r.userID,
		TaskType:           r.taskType,
		Platform:           platform,
		IsFallback:         r.isFallback,
		AttemptedPlatforms: attempted,
	}
}

// fail builds the terminal response. Internal detail is exposed only in
// debug mode.
func (r *run) fail(platform string, err error) *types.ProcessedResponse {
	r.transition(StateFailed, "platform", platform, "error", err)
	r.logger.Warn("request failed",
		"platform", platform,
		"task_type", string(r.taskType),
		"attempted", strings.Join(r.order, ","),
		"error", err,
	)
	detail := ""
	if r.cfg.Server.Debug && err != nil {
		detail = err.Error()
	}
	return r.core.synth.ErrorResponse(r.info(platform), r.opts.Format, detail)
}

// execute walks ROUTING to DONE, re-entering ROUTING once per fallback hop.
// onChunk is nil for non-streaming requests.
func (r *run) execute(onChunk ChunkFunc) *types.ProcessedResponse {
	r.transition(StateRouting)
	r.loadHistory()
	r.classify()

	selectOpts := r.selectOptions()
	selectOpts.Platform = r.opts.Platform
	sel, err := r.core.selector.Select(r.ctx, r.taskType, selectOpts)
	if err != nil {
		return r.fail(r.opts.Platform, fmt.Errorf("select platform: %w", err))
	}
	r.logger.Debug("platform selected",
		"task_type", string(r.taskType),
		"platform", sel.Platform,
		"secondary", sel.Secondary,
		"fallback", sel.Fallback,
		"user_preferred", sel.IsUserPreferred,
		"cost_optimized", sel.IsCostOptimized,
	)

	queue := []string{sel.Secondary, sel.Fallback}
	platform := sel.Platform
	for {
		resp, err := r.attempt(platform, onChunk)
		if err == nil {
			return resp
		}

		r.transition(StateError, "platform", platform, "error", err)
		if r.ctx.Err() != nil {
			return r.fail(platform, err)
		}
		if !r.cfg.Routing.EnableFallback || r.opts.DisableFallback {
			return r.fail(platform, err)
		}
		if r.delivered {
			// Partial output already reached the caller.
			return r.fail(platform, err)
		}

		if perr, ok := provider.AsProviderError(err); ok {
			queue = append(queue, perr.FallbackRecommendation...)
		}
		next, rest := r.nextCandidate(queue)
		queue = rest
		if next == "" {
			return r.fail(platform, fmt.Errorf("fallback chain exhausted: %w", err))
		}

		r.transition(StateFallbackRouting, "from", platform, "to", next)
		r.core.metrics.RecordFallback(platform, next)
		r.isFallback = true
		platform = next
		r.transition(StateRouting, "platform", platform, "forced", true)
	}
}

// nextCandidate pops queued platforms until one is available and not yet
// attempted.
func (r *run) nextCandidate(queue []string) (string, []string) {
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if name == "" || r.attempted[name] {
			continue
		}
		if r.core.selector.Available(r.ctx, name, r.taskType, r.selectOptions()) {
			return name, queue
		}
	}
	return "", nil
}

func (r *run) loadHistory() {
	if r.fetched || r.core.store == nil {
		return
	}
	r.fetched = true
	history, err := r.core.store.GetConversationHistory(r.ctx, r.userID, r.cfg.Memory.MaxHistoryTurns)
	if err != nil {
		r.logger.Warn("context fetch failed, continuing without history", "error", err)
		return
	}
	r.history = history
}

func (r *run) classify() {
	input := r.input
	if mention, rest := classifier.ExtractMention(input); mention != "" && r.opts.Platform == "" {
		if _, isTask := classifier.TaskTypeFromMention(mention); !isTask {
			if _, ok := r.core.selector.Registry().Get(mention); ok {
				r.opts.Platform = mention
				r.input = rest
				input = rest
			}
		}
	}

	if r.opts.TaskType.IsValid() {
		r.taskType = r.opts.TaskType
		r.core.metrics.RecordClassification(string(classifier.PathExplicit), string(r.taskType))
		return
	}

	res := r.core.classifier.Classify(r.ctx, input, r.history, classifier.Options{})
	r.taskType = res.TaskType
	r.input = res.Input
	r.core.metrics.RecordClassification(string(res.Path), string(res.TaskType))
	r.logger.Debug("task classified",
		"task_type", string(res.TaskType),
		"confidence", res.Confidence,
		"path", string(res.Path),
	)
}

// contextFor shapes stored history to the platform's context window.
func (r *run) contextFor(window int) []types.ConversationTurn {
	turns := r.history
	if r.cfg.Memory.SemanticSearch && r.core.store != nil {
		if r.similar == nil {
			similar, err := r.core.store.SearchSimilarConversations(r.ctx, r.userID, r.input, r.cfg.Memory.SimilarTopK)
			if err != nil {
				r.logger.Warn("similar conversation search failed", "error", err)
			}
			r.similar = append([]types.ConversationTurn{}, similar...)
		}
		turns = memory.MergeTurns(turns, r.similar)
	}
	return memory.OptimizeContext(turns, window)
}

// attempt runs one hop against platform. A returned error is a provider
// failure eligible for fallback.
func (r *run) attempt(platform string, onChunk ChunkFunc) (*types.ProcessedResponse, error) {
	r.attempted[platform] = true
	r.order = append(r.order, platform)

	capability, ok := r.core.selector.Registry().Get(platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", router.ErrUnknownPlatform, platform)
	}
	health := r.core.selector.Health()
	settled := true
	if health != nil {
		if !health.Acquire(platform) {
			return nil, fmt.Errorf("%w: %s", errCircuitOpen, platform)
		}
		// An abandoned call records no outcome but must free a half-open trial.
		settled = false
		defer func() {
			if !settled {
				health.Release(platform)
			}
		}()
	}

	r.transition(StateContextFetch, "platform", platform, "context_window", capability.ContextWindow)
	turns := r.contextFor(capability.ContextWindow)

	r.transition(StatePromptBuild, "platform", platform, "turns", len(turns))
	spec := prompt.Build(r.taskType, r.input, prompt.Options{
		Disabled: r.opts.DisableThinking || !r.cfg.Features.Thinking,
	})
	enhanced := prompt.Enhance(prompt.FromContext(capability.Kind.PromptFormat(), "", turns, r.input), spec)

	r.transition(StateProviderCall, "platform", platform, "streaming", onChunk != nil)
	raw, err := r.invoke(capability, enhanced, onChunk)
	if err != nil {
		if !settled && r.ctx.Err() == nil {
			health.RecordFailure(platform)
			settled = true
		}
		return nil, err
	}
	if !settled {
		health.RecordSuccess(platform)
		settled = true
	}

	r.transition(StateResponseSynth, "platform", platform)
	resp := r.core.synth.Process(raw, r.info(platform), synth.Options{
		Format:          r.opts.Format,
		ShowThinking:    r.opts.ShowThinking,
		ExtractThinking: len(spec.Phases) > 0,
	})

	r.transition(StateContextSave, "platform", platform)
	r.save(resp)

	r.transition(StateDone, "platform", platform)
	return resp, nil
}

func (r *run) invoke(capability router.Capability, p *prompt.Enhanced, onChunk ChunkFunc) (*provider.RawResponse, error) {
	timeout := r.cfg.Routing.RequestTimeout
	if capability.Timeout > timeout {
		timeout = capability.Timeout
	}
	if onChunk != nil {
		timeout = r.cfg.Routing.StreamTimeout
	}
	ctx := r.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(r.ctx, timeout)
		defer cancel()
	}

	callOpts := provider.CallOptions{MaxTokens: r.opts.MaxTokens, Temperature: r.opts.Temperature}
	start := r.core.now()

	var raw *provider.RawResponse
	var err error
	if onChunk == nil {
		raw, err = capability.Provider.Invoke(ctx, p, callOpts)
	} else {
		raw, err = capability.Provider.InvokeStreaming(ctx, p, func(text string, _ []byte) error {
			if text == "" {
				return nil
			}
			r.delivered = true
			return onChunk(text)
		}, callOpts)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.core.metrics.RecordProviderCall(capability.Provider.Name(), outcome, r.core.now().Sub(start))
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", capability.Provider.Name(), err)
	}
	if r.ctx.Err() != nil {
		return nil, r.ctx.Err()
	}
	return raw, nil
}

// save persists the exchange. Failures are logged and dropped.
func (r *run) save(resp *types.ProcessedResponse) {
	if r.core.store == nil || r.opts.skipSave || resp.Failed() {
		return
	}
	turn := types.ConversationTurn{
		ID:         r.core.newID(),
		UserID:     r.userID,
		UserInput:  r.input,
		AIResponse: resp.Content,
		Platform:   resp.Platform,
		TaskType:   resp.TaskType,
		Timestamp:  resp.Timestamp,
	}
	if err := r.core.store.SaveConversationTurn(r.ctx, turn); err != nil {
		r.logger.Warn("context save failed", "platform", resp.Platform, "error", err)
	}
}
