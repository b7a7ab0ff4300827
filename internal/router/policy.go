package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/open-policy-agent/opa/rego"
)

const policyQuery = "[data.aegis.routing.allow, data.aegis.routing.reason]"

// PolicyInput is the data sent to OPA for each routing candidate.
type PolicyInput struct {
	User    PolicyUser    `json:"user"`
	Request PolicyRequest `json:"request"`
	Time    PolicyTime    `json:"time"`
}

type PolicyUser struct {
	ID      string `json:"id"`
	Premium bool   `json:"premium"`
}

type PolicyRequest struct {
	TaskType string `json:"task_type"`
	Platform string `json:"platform"`
	Local    bool   `json:"local"`
}

type PolicyTime struct {
	Hour int    `json:"hour"`
	Day  string `json:"day"`
}

// Policy evaluates Rego routing rules. A policy that is not loaded, or that
// fails to evaluate, allows every candidate.
type Policy struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      func() config.PolicyConfig
	logger   *slog.Logger
}

// NewPolicy creates a routing policy. Call Load to compile policies.
func NewPolicy(cfg func() config.PolicyConfig, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{cfg: cfg, logger: logger}
}

// Load compiles Rego modules from the bundle path.
func (p *Policy) Load() error {
	cfg := p.cfg()
	modules, err := LoadRegoFiles(cfg.BundlePath)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		p.logger.Warn("no rego files found", "path", cfg.BundlePath)
		return nil
	}
	if err := p.LoadFromModules(modules); err != nil {
		return err
	}
	p.logger.Info("routing policies loaded", "modules", len(modules))
	return nil
}

// LoadFromModules compiles policies from module sources keyed by file name.
func (p *Policy) LoadFromModules(modules map[string]string) error {
	opts := []func(*rego.Rego){rego.Query(policyQuery)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	p.mu.Lock()
	p.prepared = &prepared
	p.mu.Unlock()
	return nil
}

// Loaded reports whether any policy is compiled.
func (p *Policy) Loaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prepared != nil
}

// Evaluate runs the policy against the given input.
func (p *Policy) Evaluate(ctx context.Context, input PolicyInput) (bool, string, error) {
	p.mu.RLock()
	prepared := p.prepared
	p.mu.RUnlock()

	if prepared == nil {
		return true, "", nil
	}

	timeout := p.cfg().EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("evaluate routing policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "", fmt.Errorf("evaluate routing policy: no result")
	}

	// Result is [allow, reason]
	arr, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok || len(arr) < 2 {
		return false, "", fmt.Errorf("evaluate routing policy: unexpected result %v", results[0].Expressions[0].Value)
	}
	allowed, _ := arr[0].(bool)
	reason, _ := arr[1].(string)
	return allowed, reason, nil
}

// Allow reports whether a candidate may be routed to. Evaluation errors are
// logged and allow the candidate.
func (p *Policy) Allow(ctx context.Context, input PolicyInput) bool {
	if p == nil || !p.cfg().Enabled {
		return true
	}
	allowed, reason, err := p.Evaluate(ctx, input)
	if err != nil {
		p.logger.Warn("routing policy evaluation failed, allowing candidate",
			"platform", input.Request.Platform,
			"error", err,
		)
		return true
	}
	if !allowed {
		p.logger.Debug("routing policy denied candidate",
			"platform", input.Request.Platform,
			"user_id", input.User.ID,
			"reason", reason,
		)
	}
	return allowed
}

// NewPolicyInput builds the evaluation input for one candidate.
func NewPolicyInput(userID string, premium bool, taskType, platform string, local bool) PolicyInput {
	now := time.Now().UTC()
	return PolicyInput{
		User:    PolicyUser{ID: userID, Premium: premium},
		Request: PolicyRequest{TaskType: taskType, Platform: platform, Local: local},
		Time:    PolicyTime{Hour: now.Hour(), Day: now.Weekday().String()},
	}
}

// LoadRegoFiles reads all .rego files from the given directory.
func LoadRegoFiles(dir string) (map[string]string, error) {
	modules := make(map[string]string)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		modules[entry.Name()] = string(data)
	}
	return modules, nil
}
