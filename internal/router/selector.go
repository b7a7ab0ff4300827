package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

var (
	// ErrNoAvailableProvider means every candidate was filtered out.
	ErrNoAvailableProvider = errors.New("no available provider")
	// ErrUnknownPlatform means a requested platform is not registered.
	ErrUnknownPlatform = errors.New("unknown platform")
)

type SelectOptions struct {
	// Platform forces a provider, bypassing the priority table.
	Platform string
	// CostOptimize routes non-premium callers to the task's cheapest tier.
	CostOptimize bool
	Premium      bool
	UserID       string
	// Attempted holds providers already tried in this logical request.
	Attempted map[string]bool
}

// Selection is the outcome of platform selection. Secondary and Fallback
// are empty when fewer candidates are available.
type Selection struct {
	Platform        string
	Secondary       string
	Fallback        string
	IsUserPreferred bool
	IsCostOptimized bool
}

// Selector picks providers from the priority tables. Registry and tables are
// swapped together on config reload.
type Selector struct {
	mu       sync.RWMutex
	registry *Registry
	tables   config.RoutingTables

	health   *HealthTracker
	policy   *Policy
	features func() config.FeaturesConfig
	logger   *slog.Logger
}

// NewSelector creates a selector. health and policy may be nil.
func NewSelector(registry *Registry, tables config.RoutingTables, health *HealthTracker, policy *Policy, features func() config.FeaturesConfig, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		registry: registry,
		tables:   tables,
		health:   health,
		policy:   policy,
		features: features,
		logger:   logger,
	}
}

// Update replaces the registry and routing tables.
func (s *Selector) Update(registry *Registry, tables config.RoutingTables) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = registry
	s.tables = tables
}

func (s *Selector) Registry() *Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

func (s *Selector) Health() *HealthTracker { return s.health }

func (s *Selector) snapshot() (*Registry, config.RoutingTables) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry, s.tables
}

// Priority returns the priority entry for a task type, using general for
// task types without one.
func (s *Selector) Priority(taskType types.TaskType) config.PriorityEntry {
	_, tables := s.snapshot()
	return priorityFor(tables, taskType)
}

func priorityFor(tables config.RoutingTables, taskType types.TaskType) config.PriorityEntry {
	if entry, ok := tables.Tasks[string(taskType)]; ok {
		return entry
	}
	return tables.Tasks[string(types.TaskGeneral)]
}

// Available reports whether a provider passes every availability filter:
// registered, local models enabled for local providers, not yet attempted,
// circuit not open, and allowed by the routing policy.
func (s *Selector) Available(ctx context.Context, name string, taskType types.TaskType, opts SelectOptions) bool {
	registry, _ := s.snapshot()
	return s.available(ctx, registry, name, taskType, opts)
}

func (s *Selector) available(ctx context.Context, registry *Registry, name string, taskType types.TaskType, opts SelectOptions) bool {
	if name == "" || opts.Attempted[name] {
		return false
	}
	capability, ok := registry.Get(name)
	if !ok {
		return false
	}
	if capability.Local && (s.features == nil || !s.features().LocalModels) {
		return false
	}
	if s.health != nil && !s.health.IsAvailable(name) {
		return false
	}
	input := NewPolicyInput(opts.UserID, opts.Premium, string(taskType), name, capability.Local)
	return s.policy.Allow(ctx, input)
}

func (s *Selector) filter(ctx context.Context, registry *Registry, names []string, taskType types.TaskType, opts SelectOptions, exclude string) []string {
	var out []string
	seen := map[string]bool{exclude: true}
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if s.available(ctx, registry, name, taskType, opts) {
			out = append(out, name)
		}
	}
	return out
}

// Select chooses the provider for a task. An explicit platform wins and is
// used verbatim; cost optimization for non-premium callers picks the task's
// fallback tier; otherwise the first available entry of the priority triple
// is chosen and the remaining available entries become secondary and
// fallback.
func (s *Selector) Select(ctx context.Context, taskType types.TaskType, opts SelectOptions) (Selection, error) {
	registry, tables := s.snapshot()
	entry := priorityFor(tables, taskType)
	chain := entry.Chain()

	if opts.Platform != "" {
		if _, ok := registry.Get(opts.Platform); !ok {
			return Selection{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, opts.Platform)
		}
		sel := newSelection(opts.Platform, s.filter(ctx, registry, chain, taskType, opts, opts.Platform))
		sel.IsUserPreferred = true
		return sel, nil
	}

	if opts.CostOptimize && !opts.Premium && s.available(ctx, registry, entry.Fallback, taskType, opts) {
		sel := newSelection(entry.Fallback, s.filter(ctx, registry, chain, taskType, opts, entry.Fallback))
		sel.IsCostOptimized = true
		return sel, nil
	}

	candidates := s.filter(ctx, registry, chain, taskType, opts, "")
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("%w: task %s", ErrNoAvailableProvider, taskType)
	}
	return newSelection(candidates[0], candidates[1:]), nil
}

func newSelection(platform string, rest []string) Selection {
	sel := Selection{Platform: platform}
	if len(rest) > 0 {
		sel.Secondary = rest[0]
	}
	if len(rest) > 1 {
		sel.Fallback = rest[1]
	}
	return sel
}

// SelectForDomain returns the available providers configured for a domain,
// in priority order.
func (s *Selector) SelectForDomain(ctx context.Context, domain string, opts SelectOptions) ([]string, error) {
	registry, tables := s.snapshot()
	names, ok := tables.Domains[domain]
	if !ok {
		return nil, fmt.Errorf("%w: unknown domain %s", ErrNoAvailableProvider, domain)
	}
	candidates := s.filter(ctx, registry, names, types.TaskGeneral, opts, "")
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: domain %s", ErrNoAvailableProvider, domain)
	}
	return candidates, nil
}

// PlatformInfo describes one registered provider for listing.
type PlatformInfo struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Model         string `json:"model,omitempty"`
	ContextWindow int    `json:"context_window"`
	Local         bool   `json:"local"`
	Streaming     bool   `json:"streaming"`
	Available     bool   `json:"available"`
	Circuit       string `json:"circuit"`
}

// Platforms lists every registered provider with its availability for the
// given caller.
func (s *Selector) Platforms(ctx context.Context, opts SelectOptions) []PlatformInfo {
	registry, _ := s.snapshot()
	names := registry.Names()
	out := make([]PlatformInfo, 0, len(names))
	for _, name := range names {
		c, _ := registry.Get(name)
		info := PlatformInfo{
			Name:          name,
			Kind:          string(c.Kind),
			Model:         c.Model,
			ContextWindow: c.ContextWindow,
			Local:         c.Local,
			Streaming:     c.SupportsStreaming,
			Available:     s.available(ctx, registry, name, types.TaskGeneral, opts),
			Circuit:       StateClosed.String(),
		}
		if s.health != nil {
			info.Circuit = s.health.GetBreaker(name).State().String()
		}
		out = append(out, info)
	}
	return out
}
