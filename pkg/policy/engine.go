package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/helmstead/helmstead/pkg/engine"
)

// Options configures the policy engine's evaluation context.
type Options struct {
	// AllowedRegistries restricts workload image registries when non-empty.
	AllowedRegistries []string

	// Protected lists workloads that must never be deleted.
	Protected []string

	// SelfHeal marks plans produced by the drift watcher. The watcher
	// flips this on its own gate instance.
	SelfHeal bool
}

// Engine evaluates sync plans against built-in and operator-supplied
// Rego policies. It implements engine.PolicyGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	opts     Options
	logger   zerolog.Logger
}

// NewEngine creates a policy engine preloaded with the built-in policies.
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	e := &Engine{
		policies: make(map[string]*Policy),
		opts:     opts,
		logger:   logger.With().Str("component", "policy").Logger(),
	}
	for _, p := range GetBuiltinPolicies() {
		policy := p
		e.policies[policy.Name] = &policy
	}
	return e
}

// LoadDir loads additional .rego policies from a directory. Each file
// becomes one enabled error-severity policy named after the file.
func (e *Engine) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read policy directory %s: %w", dir, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		name := strings.TrimSuffix(entry.Name(), ".rego")
		e.policies[name] = &Policy{
			Name:     name,
			Rego:     string(data),
			Severity: SeverityError,
			Enabled:  true,
		}
		loaded++
	}

	e.logger.Info().Int("count", loaded).Str("dir", dir).Msg("Policies loaded")
	return nil
}

// Evaluate runs all enabled policies against a plan.
func (e *Engine) Evaluate(ctx context.Context, plan *engine.SyncPlan) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &Input{
		Plan: plan,
		Context: &Context{
			Timestamp:         start,
			SelfHeal:          e.opts.SelfHeal,
			AllowedRegistries: e.opts.AllowedRegistries,
			Protected:         e.opts.Protected,
		},
	}

	result := &Result{Allowed: true, EvaluatedAt: start}
	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}
		violations, err := e.evaluatePolicy(ctx, p, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Str("plan_id", plan.ID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s evaluation failed: %v", p.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for i := range result.Violations {
		if result.Violations[i].Severity == string(SeverityError) {
			result.Allowed = false
			break
		}
	}

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", time.Since(start)).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// EvaluatePlan implements engine.PolicyGate: it returns a validation
// error naming the first blocking violation when the plan is denied.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.SyncPlan) error {
	result, err := e.Evaluate(ctx, plan)
	if err != nil {
		return err
	}
	if result.Allowed {
		return nil
	}
	for _, v := range result.Violations {
		if v.Severity == string(SeverityError) {
			return engine.NewValidationError(
				fmt.Sprintf("plan denied by policy %s: %s", v.Policy, v.Message), nil,
			).WithWorkload(v.Workload)
		}
	}
	return engine.NewValidationError("plan denied by policy", nil)
}

// evaluatePolicy evaluates one policy's deny set against the input.
func (e *Engine) evaluatePolicy(ctx context.Context, p *Policy, input *Input) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(p.Rego))

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, e.makeViolation(p, d))
		}
	}
	return violations, nil
}

// makeViolation converts one deny result into a Violation.
func (e *Engine) makeViolation(p *Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: string(p.Severity)}
	switch val := result.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			v.Severity = sev
		}
		if wl, ok := val["workload"].(string); ok {
			v.Workload = wl
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "helmstead.policies"
}
