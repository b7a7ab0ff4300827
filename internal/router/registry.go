package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/provider"
)

// ErrNoProviders means no configured provider could be built.
var ErrNoProviders = errors.New("no usable providers")

// Capability is everything routing needs to know about one provider,
// resolved once when the registry is built.
type Capability struct {
	Provider          provider.Provider
	Kind              provider.Kind
	Model             string
	ContextWindow     int
	// Timeout is the provider's own per-call timeout; it extends the
	// routing request timeout for slow providers.
	Timeout           time.Duration
	Local             bool
	SupportsStreaming bool
	LooserLimits      bool
}

// Registry maps provider names to their capabilities.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Capability),
	}
}

func (r *Registry) Register(name string, c Capability) {
	if c.ContextWindow <= 0 {
		c.ContextWindow = config.DefaultContextWindow
	}
	if c.Kind == "" && c.Provider != nil {
		c.Kind = c.Provider.Kind()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = c
}

func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[name]
	return c, ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// BuildFromConfig builds one adapter per configured provider. A provider
// that fails to build is logged and left out; routing skips unregistered
// platforms. It fails only when no provider could be built.
func BuildFromConfig(ctx context.Context, provCfg *config.ProvidersConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var looser []string
	for name, cfg := range provCfg.Providers {
		if cfg.LooserLimits {
			looser = append(looser, name)
		}
	}
	sort.Strings(looser)

	registry := NewRegistry()
	var errs []error
	for name, cfg := range provCfg.Providers {
		p, err := provider.New(ctx, name, cfg, provider.Deps{
			Client:       provider.NewHTTPClient(cfg),
			LooserLimits: looser,
		})
		if err != nil {
			logger.Warn("provider disabled", "platform", name, "type", cfg.Type, "error", err)
			errs = append(errs, fmt.Errorf("build provider %s: %w", name, err))
			continue
		}
		registry.Register(name, Capability{
			Provider:          p,
			Kind:              p.Kind(),
			Model:             cfg.Model,
			ContextWindow:     cfg.ContextWindow,
			Timeout:           cfg.Timeout,
			Local:             cfg.Local || p.Kind() == provider.KindOllama,
			SupportsStreaming: true,
			LooserLimits:      cfg.LooserLimits,
		})
	}
	if registry.Len() == 0 {
		return nil, errors.Join(append([]error{ErrNoProviders}, errs...)...)
	}
	return registry, nil
}
