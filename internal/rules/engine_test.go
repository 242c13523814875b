package rules

import (
	"context"
	"fmt"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

func newInput(t *testing.T, tenantID string, records []domain.Transfer) *EvaluateInput {
	t.Helper()
	g, err := graph.Build(records)
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	return &EvaluateInput{
		TenantID: tenantID,
		Graph:    g,
		Metrics:  graph.DegreeMetrics(g),
		Scores:   domain.Scores{},
	}
}

func transfer(from, to string, amount float64) domain.Transfer {
	return domain.Transfer{SenderID: from, ReceiverID: to, Amount: amount, Timestamp: "t"}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.AccountRule{
		ID:         "fan-in",
		Name:       "Fan-in",
		Expression: "in_degree >= 3",
		Flag:       "fan_in",
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}

	// Same ID replaces.
	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to reload rule: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule after reload, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	tests := []struct {
		name string
		rule *domain.AccountRule
	}{
		{"syntax", &domain.AccountRule{ID: "bad", Flag: "x", Expression: "this is not valid CEL !!!"}},
		{"non bool", &domain.AccountRule{ID: "num", Flag: "x", Expression: "in_degree + 1"}},
		{"unknown variable", &domain.AccountRule{ID: "var", Flag: "x", Expression: "amount > 5.0"}},
		{"missing id", &domain.AccountRule{Flag: "x", Expression: "true"}},
		{"missing flag", &domain.AccountRule{ID: "noflag", Expression: "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.LoadRule(tt.rule); err == nil {
				t.Error("expected error")
			}
			if err := engine.ValidateRule(tt.rule); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if engine.RulesCount() != 0 {
		t.Errorf("invalid rules must not load, got %d", engine.RulesCount())
	}
}

func TestLoadRulesSkipsDisabled(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	err := engine.LoadRules([]domain.AccountRule{
		{ID: "a", Flag: "a", Expression: "true", Enabled: true},
		{ID: "b", Flag: "b", Expression: "true", Enabled: false},
	})
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestEvaluateAll(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.AccountRule{ID: "r1-collector", Flag: "collector", Expression: "in_degree >= 3 && out_degree == 1", Enabled: true})
	engine.LoadRule(&domain.AccountRule{ID: "r2-large-outflow", Flag: "large_outflow", Expression: "total_out > 1000.0", Enabled: true})

	input := newInput(t, "tenant-001", []domain.Transfer{
		transfer("A", "H", 400),
		transfer("B", "H", 400),
		transfer("C", "H", 400),
		transfer("H", "OUT", 1150),
	})

	hits, err := engine.EvaluateAll(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(hits), hits)
	}
	if hits[0].AccountID != "H" || hits[0].Flag != "collector" {
		t.Errorf("unexpected first hit: %+v", hits[0])
	}
	if hits[1].AccountID != "H" || hits[1].Flag != "large_outflow" {
		t.Errorf("unexpected second hit: %+v", hits[1])
	}
}

func TestEvaluateAllVariables(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.AccountRule{
		ID:         "all-vars",
		Flag:       "matched",
		Expression: `account_id == "B" && degree == 2 && risk_score == 30 && ring_count == 1 && total_in == 5.0 && betweenness == 0.0`,
		Enabled:    true,
	})

	input := newInput(t, "tenant-001", []domain.Transfer{transfer("A", "B", 5), transfer("B", "C", 5)})
	input.Scores["B"] = 30
	input.Rings = []domain.FraudRing{{RingID: "RING_001", MemberAccounts: []string{"B", "Z"}}}

	hits, err := engine.EvaluateAll(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if len(hits) != 1 || hits[0].AccountID != "B" {
		t.Errorf("expected a single hit on B, got %+v", hits)
	}
}

func TestTenantIsolation(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.AccountRule{ID: "global", Flag: "g", Expression: "true", Enabled: true})
	engine.LoadRule(&domain.AccountRule{ID: "t1-only", TenantID: "tenant-001", Flag: "t1", Expression: "true", Enabled: true})

	input := newInput(t, "tenant-002", []domain.Transfer{transfer("A", "B", 1)})
	hits, _ := engine.EvaluateAll(context.Background(), input)
	for _, h := range hits {
		if h.RuleID == "t1-only" {
			t.Errorf("tenant-002 must not see tenant-001 rule")
		}
	}
	if len(hits) != 2 {
		t.Errorf("expected 2 global hits, got %d", len(hits))
	}

	if got := len(engine.GetLoadedRules("tenant-001")); got != 2 {
		t.Errorf("tenant-001 should see 2 rules, got %d", got)
	}
	if engine.RemoveRule("tenant-002", "t1-only") {
		t.Error("tenant-002 must not remove tenant-001 rule")
	}
	if !engine.RemoveRule("tenant-001", "t1-only") {
		t.Error("tenant-001 should remove its own rule")
	}
}

func TestParallelExecution(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()

	for i := 0; i < 5; i++ {
		engine.LoadRule(&domain.AccountRule{
			ID:         fmt.Sprintf("rule-%d", i),
			Flag:       fmt.Sprintf("flag-%d", i),
			Expression: fmt.Sprintf("out_degree >= %d", i),
			Enabled:    true,
		})
	}

	var records []domain.Transfer
	for i := 0; i < 50; i++ {
		records = append(records, transfer("SRC", fmt.Sprintf("DST-%02d", i), 1))
	}
	input := newInput(t, "tenant-001", records)

	hits, err := engine.EvaluateAll(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	// SRC matches all five rules; each destination only out_degree >= 0.
	if want := 5 + 50; len(hits) != want {
		t.Fatalf("expected %d hits, got %d", want, len(hits))
	}
	for i := 0; i < 5; i++ {
		if hits[i].AccountID != "SRC" || hits[i].RuleID != fmt.Sprintf("rule-%d", i) {
			t.Errorf("hit %d out of order: %+v", i, hits[i])
		}
	}
}

func TestEvaluateAllCancelled(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()
	engine.LoadRule(&domain.AccountRule{ID: "r", Flag: "f", Expression: "true", Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.EvaluateAll(ctx, newInput(t, "tenant-001", []domain.Transfer{transfer("A", "B", 1)}))
	if err == nil {
		t.Error("expected context error")
	}
}

func TestEvaluateAllNoRules(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()

	hits, err := engine.EvaluateAll(context.Background(), newInput(t, "tenant-001", []domain.Transfer{transfer("A", "B", 1)}))
	if err != nil || hits != nil {
		t.Errorf("expected no hits and no error, got %v, %v", hits, err)
	}
}
