// Package orchestrator drives a request through classification, platform
// selection, context shaping, the provider call, and response synthesis,
// walking the fallback chain when a provider fails.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/af-corp/aegis-orchestrator/internal/classifier"
	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/memory"
	"github.com/af-corp/aegis-orchestrator/internal/router"
	"github.com/af-corp/aegis-orchestrator/internal/synth"
	"github.com/af-corp/aegis-orchestrator/internal/telemetry"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// State is a step of the request lifecycle. Transitions are logged at debug.
type State string

const (
	StateRouting         State = "ROUTING"
	StateContextFetch    State = "CONTEXT_FETCH"
	StatePromptBuild     State = "PROMPT_BUILD"
	StateProviderCall    State = "PROVIDER_CALL"
	StateResponseSynth   State = "RESPONSE_SYNTH"
	StateContextSave     State = "CONTEXT_SAVE"
	StateDone            State = "DONE"
	StateError           State = "ERROR"
	StateFallbackRouting State = "FALLBACK_ROUTING"
	StateFailed          State = "FAILED"
)

// Options are the per-request knobs accepted from callers.
type Options struct {
	// RequestID correlates log lines; generated when empty.
	RequestID string
	// Platform forces the first provider tried.
	Platform string
	// TaskType skips classification when valid.
	TaskType types.TaskType
	Format   types.ResponseFormat
	// ShowThinking surfaces the reasoning trace in the formatted response.
	ShowThinking bool
	// DisableThinking sends the prompt without reasoning instructions.
	DisableThinking bool
	CostOptimize    bool
	Premium         bool
	DisableFallback bool
	MaxTokens       int
	Temperature     *float64
	// Domain selects the platforms of a multi-platform request when none
	// are named.
	Domain        string
	MergeStrategy synth.MergeStrategy

	skipSave bool
}

// Deps are the collaborators of a Core. Store and Metrics may be nil.
type Deps struct {
	Classifier  *classifier.Classifier
	Selector    *router.Selector
	Synthesizer *synth.Synthesizer
	Store       memory.Store
	Metrics     *telemetry.Metrics
	Config      func() *config.Config
	Logger      *slog.Logger
}

// Core is the request orchestrator. It is safe for concurrent use; all
// per-request state lives in a run.
type Core struct {
	classifier *classifier.Classifier
	selector   *router.Selector
	synth      *synth.Synthesizer
	store      memory.Store
	metrics    *telemetry.Metrics
	cfg        func() *config.Config
	logger     *slog.Logger

	now   func() time.Time
	newID func() string
}

func New(deps Deps) *Core {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultConfig
	}
	return &Core{
		classifier: deps.Classifier,
		selector:   deps.Selector,
		synth:      deps.Synthesizer,
		store:      deps.Store,
		metrics:    deps.Metrics,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// ProcessRequest runs one logical request. It never returns an error:
// terminal failures are ProcessedResponses with Error set.
func (c *Core) ProcessRequest(ctx context.Context, input, userID string, opts Options) *types.ProcessedResponse {
	r := c.newRun(ctx, input, userID, opts)
	return c.finish(r, r.execute(nil))
}

// ChunkFunc receives streamed text fragments. Returning an error aborts the
// stream.
type ChunkFunc func(text string) error

// ProcessStream runs one logical request through the streaming provider
// path. The turn is persisted only after the stream completes; a cancelled
// stream discards its partial content.
func (c *Core) ProcessStream(ctx context.Context, input, userID string, onChunk ChunkFunc, opts Options) *types.ProcessedResponse {
	if onChunk == nil {
		onChunk = func(string) error { return nil }
	}
	r := c.newRun(ctx, input, userID, opts)
	return c.finish(r, r.execute(onChunk))
}

func (c *Core) finish(r *run, resp *types.ProcessedResponse) *types.ProcessedResponse {
	status := "ok"
	if resp.Failed() {
		status = "error"
	}
	c.metrics.RecordRequest(telemetry.RequestLabels{
		Platform:         resp.Platform,
		TaskType:         string(resp.TaskType),
		Status:           status,
		DurationMs:       float64(c.now().Sub(r.start).Milliseconds()),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	})
	return resp
}
