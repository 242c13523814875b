// Package scoring derives a 0-100 suspicion score per account from its
// flow shape. The heuristic only looks at in-degree and out-degree; amounts,
// timestamps and ring membership play no part.
package scoring

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// Scorer applies the flow heuristic.
type Scorer struct {
	cfg domain.ScoringConfig
}

// NewScorer creates a scorer.
func NewScorer(cfg domain.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score returns a score for every account in g. Accounts missing from m
// are scored from zero degrees.
func (s *Scorer) Score(g *graph.Graph, m domain.Metrics) domain.Scores {
	scores := make(domain.Scores, g.NodeCount())
	for _, id := range g.Nodes() {
		scores[id] = s.Account(m[id])
	}
	return scores
}

// Account scores a single account.
func (s *Scorer) Account(am domain.AccountMetrics) int {
	in, out := am.InDegree, am.OutDegree

	// Pass-through flow: funds come in from several sources and leave again.
	raw := 0
	if in > s.cfg.FlowMinInDegree && out >= s.cfg.FlowMinOutDegree {
		raw = s.cfg.FlowPoints
	}

	// Collector: many sources consolidated into a single outbound transfer.
	if in > s.cfg.CollectorMinInDegree && out == s.cfg.CollectorOutDegree {
		raw += s.cfg.CollectorPoints
	}

	if raw >= s.cfg.CriticalThreshold {
		raw = s.cfg.CriticalScore
	}

	return clamp(raw, s.cfg.MinScore, s.cfg.MaxScore)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
