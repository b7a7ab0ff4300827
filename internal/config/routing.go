package config

import (
	"fmt"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// RoutingTables is the static platform priority table plus the classifier
// rule data. It is read-only at runtime and replaced wholesale on reload.
type RoutingTables struct {
	Tasks   map[string]PriorityEntry `yaml:"tasks"`
	Domains map[string][]string      `yaml:"domains"`
	Rules   []RuleConfig             `yaml:"rules"`
}

type PriorityEntry struct {
	Primary   string `yaml:"primary"`
	Secondary string `yaml:"secondary"`
	Fallback  string `yaml:"fallback"`
}

// Chain returns the non-empty entries in priority order.
func (p PriorityEntry) Chain() []string {
	var out []string
	for _, name := range []string{p.Primary, p.Secondary, p.Fallback} {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

type RuleConfig struct {
	TaskType   string   `yaml:"task_type"`
	Keywords   []string `yaml:"keywords"`
	Patterns   []string `yaml:"patterns"`
	Confidence float64  `yaml:"confidence"`
}

// Validate checks that every task key and rule references a known task type.
func (r *RoutingTables) Validate() error {
	for key, entry := range r.Tasks {
		if _, ok := types.ParseTaskType(key); !ok {
			return fmt.Errorf("routing table: unknown task type %q", key)
		}
		if entry.Primary == "" {
			return fmt.Errorf("routing table: task %q has no primary provider", key)
		}
	}
	if _, ok := r.Tasks[string(types.TaskGeneral)]; !ok {
		return fmt.Errorf("routing table: missing entry for %q", types.TaskGeneral)
	}
	for i, rule := range r.Rules {
		if _, ok := types.ParseTaskType(rule.TaskType); !ok {
			return fmt.Errorf("classifier rule %d: unknown task type %q", i, rule.TaskType)
		}
	}
	return nil
}

// DefaultRoutingTables mirrors configs/routing.yaml.
func DefaultRoutingTables() *RoutingTables {
	return &RoutingTables{
		Tasks: map[string]PriorityEntry{
			"general":          {Primary: "chat", Secondary: "gemini", Fallback: "local"},
			"research":         {Primary: "research", Secondary: "gemini", Fallback: "chat"},
			"code":             {Primary: "code", Secondary: "reasoning", Fallback: "local"},
			"reasoning":        {Primary: "reasoning", Secondary: "chat", Fallback: "local"},
			"creative":         {Primary: "chat", Secondary: "anthropic", Fallback: "local"},
			"data_analysis":    {Primary: "reasoning", Secondary: "code", Fallback: "chat"},
			"domain_expertise": {Primary: "anthropic", Secondary: "research", Fallback: "chat"},
		},
		Domains: map[string][]string{
			"chat":     {"chat", "anthropic", "gemini", "local"},
			"research": {"research", "gemini", "chat"},
			"code":     {"code", "reasoning", "chat", "local"},
		},
	}
}
