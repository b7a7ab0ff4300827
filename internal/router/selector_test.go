package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/prompt"
	"github.com/af-corp/aegis-orchestrator/internal/provider"
	"github.com/af-corp/aegis-orchestrator/internal/types"
	"github.com/google/go-cmp/cmp"
)

// fakeProvider implements provider.Provider for testing.
type fakeProvider struct {
	name string
	kind provider.Kind
}

func (f *fakeProvider) Name() string        { return f.name }
func (f *fakeProvider) Kind() provider.Kind { return f.kind }
func (f *fakeProvider) Invoke(context.Context, *prompt.Enhanced, provider.CallOptions) (*provider.RawResponse, error) {
	return &provider.RawResponse{Provider: f.name}, nil
}
func (f *fakeProvider) InvokeStreaming(context.Context, *prompt.Enhanced, provider.ChunkFunc, provider.CallOptions) (*provider.RawResponse, error) {
	return &provider.RawResponse{Provider: f.name, Streamed: true}, nil
}

func newTestRegistry(names ...string) *Registry {
	r := NewRegistry()
	for _, n := range names {
		r.Register(n, Capability{
			Provider: &fakeProvider{name: n, kind: provider.KindOpenAI},
			Local:    n == "local",
		})
	}
	return r
}

func features(local bool) func() config.FeaturesConfig {
	return func() config.FeaturesConfig { return config.FeaturesConfig{LocalModels: local} }
}

func newTestSelector(local bool, health *HealthTracker) *Selector {
	registry := newTestRegistry("chat", "research", "code", "reasoning", "anthropic", "gemini", "local")
	return NewSelector(registry, *config.DefaultRoutingTables(), health, nil, features(local), nil)
}

func TestSelect_CodeTriple(t *testing.T) {
	s := newTestSelector(true, nil)
	sel, err := s.Select(context.Background(), types.TaskCode, SelectOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Selection{Platform: "code", Secondary: "reasoning", Fallback: "local"}
	if diff := cmp.Diff(want, sel); diff != "" {
		t.Errorf("selection mismatch (-want +got):\n%s", diff)
	}
}

func TestSelect_LocalDisabledIsSkipped(t *testing.T) {
	s := newTestSelector(false, nil)
	sel, err := s.Select(context.Background(), types.TaskCode, SelectOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Fallback != "" {
		t.Errorf("expected no fallback with local models disabled, got %q", sel.Fallback)
	}
}

func TestSelect_Override(t *testing.T) {
	s := newTestSelector(true, nil)
	sel, err := s.Select(context.Background(), types.TaskCode, SelectOptions{Platform: "anthropic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Selection{Platform: "anthropic", Secondary: "code", Fallback: "reasoning", IsUserPreferred: true}
	if diff := cmp.Diff(want, sel); diff != "" {
		t.Errorf("selection mismatch (-want +got):\n%s", diff)
	}

	sel, err = s.Select(context.Background(), types.TaskCode, SelectOptions{Platform: "code"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Secondary != "reasoning" || sel.Fallback != "local" {
		t.Errorf("override should not repeat itself in the chain: %+v", sel)
	}
}

func TestSelect_UnknownPlatform(t *testing.T) {
	s := newTestSelector(true, nil)
	_, err := s.Select(context.Background(), types.TaskCode, SelectOptions{Platform: "bard"})
	if !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("expected ErrUnknownPlatform, got %v", err)
	}
}

func TestSelect_CostOptimization(t *testing.T) {
	s := newTestSelector(true, nil)

	sel, err := s.Select(context.Background(), types.TaskResearch, SelectOptions{CostOptimize: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Selection{Platform: "chat", Secondary: "research", Fallback: "gemini", IsCostOptimized: true}
	if diff := cmp.Diff(want, sel); diff != "" {
		t.Errorf("selection mismatch (-want +got):\n%s", diff)
	}

	sel, _ = s.Select(context.Background(), types.TaskResearch, SelectOptions{CostOptimize: true, Premium: true})
	if sel.Platform != "research" {
		t.Errorf("premium callers should get the primary, got %s", sel.Platform)
	}
}

func TestSelect_AttemptedAreSkipped(t *testing.T) {
	s := newTestSelector(true, nil)
	sel, err := s.Select(context.Background(), types.TaskCode, SelectOptions{
		Attempted: map[string]bool{"code": true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Platform != "reasoning" || sel.Secondary != "local" || sel.Fallback != "" {
		t.Errorf("unexpected selection: %+v", sel)
	}

	_, err = s.Select(context.Background(), types.TaskCode, SelectOptions{
		Attempted: map[string]bool{"code": true, "reasoning": true, "local": true},
	})
	if !errors.Is(err, ErrNoAvailableProvider) {
		t.Errorf("expected ErrNoAvailableProvider, got %v", err)
	}
}

func TestSelect_OpenCircuitIsSkipped(t *testing.T) {
	ht := NewHealthTracker(1, time.Hour)
	ht.RecordFailure("code")
	s := newTestSelector(true, ht)

	sel, err := s.Select(context.Background(), types.TaskCode, SelectOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Platform != "reasoning" {
		t.Errorf("expected reasoning while code circuit is open, got %s", sel.Platform)
	}
}

func TestSelect_UnknownTaskUsesGeneral(t *testing.T) {
	s := newTestSelector(true, nil)
	sel, err := s.Select(context.Background(), "poetry", SelectOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Platform != "chat" {
		t.Errorf("expected general routing, got %s", sel.Platform)
	}
}

func TestSelectForDomain(t *testing.T) {
	s := newTestSelector(false, nil)

	got, err := s.SelectForDomain(context.Background(), "code", SelectOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"code", "reasoning", "chat"}, got); diff != "" {
		t.Errorf("domain mismatch (-want +got):\n%s", diff)
	}

	_, err = s.SelectForDomain(context.Background(), "research", SelectOptions{
		Attempted: map[string]bool{"research": true, "gemini": true, "chat": true},
	})
	if !errors.Is(err, ErrNoAvailableProvider) {
		t.Errorf("expected ErrNoAvailableProvider, got %v", err)
	}
	if _, err := s.SelectForDomain(context.Background(), "astrology", SelectOptions{}); !errors.Is(err, ErrNoAvailableProvider) {
		t.Errorf("expected ErrNoAvailableProvider for unknown domain, got %v", err)
	}
}

func TestSelector_UpdateSwapsRegistry(t *testing.T) {
	s := newTestSelector(true, nil)
	s.Update(newTestRegistry("chat"), config.RoutingTables{
		Tasks: map[string]config.PriorityEntry{"general": {Primary: "chat"}},
	})
	sel, err := s.Select(context.Background(), types.TaskCode, SelectOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Platform != "chat" || sel.Secondary != "" {
		t.Errorf("unexpected selection after update: %+v", sel)
	}
}

func TestSelector_Platforms(t *testing.T) {
	s := newTestSelector(false, nil)
	infos := s.Platforms(context.Background(), SelectOptions{})
	if len(infos) != 7 {
		t.Fatalf("expected 7 platforms, got %d", len(infos))
	}
	for _, info := range infos {
		if info.Name == "local" && info.Available {
			t.Error("local should be unavailable with local models disabled")
		}
		if info.ContextWindow != config.DefaultContextWindow {
			t.Errorf("%s: expected default context window, got %d", info.Name, info.ContextWindow)
		}
	}
}
