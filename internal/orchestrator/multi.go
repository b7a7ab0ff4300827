package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/af-corp/aegis-orchestrator/internal/synth"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// ProcessMultiPlatform sends the same request to every named platform in
// parallel with fallback disabled, then merges the successful branches. When
// platforms is empty the providers of opts.Domain are used.
func (c *Core) ProcessMultiPlatform(ctx context.Context, input, userID string, platforms []string, opts Options) *types.ProcessedResponse {
	r := c.newRun(ctx, input, userID, opts)
	r.transition(StateRouting, "mode", "multi")
	r.loadHistory()
	r.classify()

	if len(platforms) == 0 && opts.Domain != "" {
		names, err := c.selector.SelectForDomain(ctx, opts.Domain, r.selectOptions())
		if err != nil {
			return c.finish(r, r.fail("", fmt.Errorf("select domain %s: %w", opts.Domain, err)))
		}
		platforms = names
	}
	platforms = dedupe(platforms)
	if len(platforms) == 0 {
		return c.finish(r, r.fail("", fmt.Errorf("no platforms requested")))
	}

	branch := opts
	branch.RequestID = ""
	branch.TaskType = r.taskType
	branch.DisableFallback = true
	branch.skipSave = true

	results := make([]*types.ProcessedResponse, len(platforms))
	var g errgroup.Group
	for i, platform := range platforms {
		g.Go(func() error {
			o := branch
			o.Platform = platform
			resp := c.newRun(ctx, r.input, userID, o).execute(nil)
			if resp.Failed() {
				r.logger.Warn("multi-platform branch failed", "platform", platform, "error", resp.Error)
				return nil
			}
			results[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	var succeeded []*types.ProcessedResponse
	for _, resp := range results {
		if resp != nil {
			succeeded = append(succeeded, resp)
		}
	}
	r.order = platforms
	if len(succeeded) == 0 {
		return c.finish(r, r.fail("", fmt.Errorf("all %d platforms failed", len(platforms))))
	}

	r.transition(StateResponseSynth, "mode", "multi", "succeeded", len(succeeded))
	merged := c.synth.Merge(succeeded, synth.MergeOptions{
		Strategy: opts.MergeStrategy,
		Format:   opts.Format,
		UserID:   userID,
	})
	merged.AttemptedPlatforms = append([]string(nil), platforms...)

	r.transition(StateContextSave, "mode", "multi")
	r.save(merged)
	r.transition(StateDone, "mode", "multi")
	return c.finish(r, merged)
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
