// Package rules provides the CEL-Go based account rule engine.
//
// Account rules are operator-defined boolean expressions evaluated against
// every account after structural analysis, for example
//
//	in_degree >= 3 && betweenness > 0.1
//
// A matching rule attaches its flag to the account. Rules are advisory:
// they never change scores, rings or the suspicious-account list.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// Engine is the CEL-based account rule engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.AccountRule
	Program cel.Program
}

// NewEngine creates a new rule engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Create CEL environment with account variables
	env, err := cel.NewEnv(
		cel.Variable("account_id", cel.StringType),
		cel.Variable("degree", cel.IntType),
		cel.Variable("in_degree", cel.IntType),
		cel.Variable("out_degree", cel.IntType),
		cel.Variable("betweenness", cel.DoubleType),
		cel.Variable("risk_score", cel.IntType),
		cel.Variable("ring_count", cel.IntType),
		cel.Variable("total_in", cel.DoubleType),
		cel.Variable("total_out", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.AccountRule) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine, replacing any rule
// with the same ID.
func (e *Engine) LoadRule(cfg *domain.AccountRule) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiledRules[cfg.ID] = compiled
	e.mu.Unlock()
	return nil
}

// LoadRules compiles and loads multiple rules. Disabled rules are skipped.
func (e *Engine) LoadRules(configs []domain.AccountRule) error {
	for i := range configs {
		cfg := configs[i]
		if !cfg.Enabled {
			continue
		}
		if err := e.LoadRule(&cfg); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRule unloads a rule. It reports whether the rule was loaded for
// the tenant.
func (e *Engine) RemoveRule(tenantID, ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.compiledRules[ruleID]
	if !ok || !visibleTo(r.Config, tenantID) {
		return false
	}
	delete(e.compiledRules, ruleID)
	return true
}

// Lookup returns a loaded rule by ID regardless of tenant.
func (e *Engine) Lookup(ruleID string) (*domain.AccountRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.compiledRules[ruleID]
	if !ok {
		return nil, false
	}
	return r.Config, true
}

// EvaluateInput holds the analysis artifacts rules are evaluated against.
type EvaluateInput struct {
	TenantID string
	Graph    *graph.Graph
	Metrics  domain.Metrics
	Scores   domain.Scores
	Rings    []domain.FraudRing
}

// EvaluateAll evaluates the tenant's rules against every account using a
// bounded worker pool. Hits are ordered by account enumeration order, then
// rule ID. A rule that fails to evaluate for an account is logged and
// treated as not matching.
func (e *Engine) EvaluateAll(ctx context.Context, input *EvaluateInput) ([]domain.RuleHit, error) {
	rules := e.rulesFor(input.TenantID)
	if len(rules) == 0 {
		return nil, nil
	}

	ids := input.Graph.Nodes()
	totalIn, totalOut := flowTotals(input.Graph)
	ringCount := make(map[string]int)
	for _, r := range input.Rings {
		for _, m := range r.MemberAccounts {
			ringCount[m]++
		}
	}

	// Parallel evaluation using worker pool pattern
	hits := make([][]domain.RuleHit, len(ids))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}

		m := input.Metrics[id]
		activation := map[string]any{
			"account_id":  id,
			"degree":      int64(m.Degree),
			"in_degree":   int64(m.InDegree),
			"out_degree":  int64(m.OutDegree),
			"betweenness": m.Betweenness,
			"risk_score":  int64(input.Scores[id]),
			"ring_count":  int64(ringCount[id]),
			"total_in":    totalIn[id],
			"total_out":   totalOut[id],
		}

		wg.Add(1)
		go func(idx int, activation map[string]any) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			hits[idx] = evaluateAccount(rules, activation)
		}(i, activation)
	}

	wg.Wait()

	var out []domain.RuleHit
	for _, h := range hits {
		out = append(out, h...)
	}
	return out, nil
}

func evaluateAccount(rules []*CompiledRule, activation map[string]any) []domain.RuleHit {
	var hits []domain.RuleHit
	account, _ := activation["account_id"].(string)
	for _, r := range rules {
		out, _, err := r.Program.Eval(activation)
		if err != nil {
			slog.Debug("account rule evaluation failed", "rule", r.Config.ID, "account", account, "error", err)
			continue
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			hits = append(hits, domain.RuleHit{RuleID: r.Config.ID, AccountID: account, Flag: r.Config.Flag})
		}
	}
	return hits
}

func (e *Engine) rulesFor(tenantID string) []*CompiledRule {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		if visibleTo(rule.Config, tenantID) {
			rules = append(rules, rule)
		}
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })
	return rules
}

// visibleTo reports whether a rule applies to a tenant. Rules without a
// tenant apply to all tenants.
func visibleTo(cfg *domain.AccountRule, tenantID string) bool {
	return cfg.TenantID == "" || cfg.TenantID == tenantID
}

func flowTotals(g *graph.Graph) (in, out map[string]float64) {
	in = make(map[string]float64, g.NodeCount())
	out = make(map[string]float64, g.NodeCount())
	for _, e := range g.Edges() {
		out[e.From] += e.Amount
		in[e.To] += e.Amount
	}
	return in, out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the rule configurations visible to a tenant,
// ordered by ID.
func (e *Engine) GetLoadedRules(tenantID string) []*domain.AccountRule {
	rules := e.rulesFor(tenantID)
	out := make([]*domain.AccountRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Config)
	}
	return out
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.AccountRule) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if cfg.Flag == "" {
		return nil, fmt.Errorf("rule %s: flag is required", cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
