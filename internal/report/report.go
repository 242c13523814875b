// Package report assembles graph, metrics, rings and scores into the
// Report served to clients.
package report

import (
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// Assembler joins analysis artifacts into a Report.
type Assembler struct {
	cfg domain.ReportConfig
}

// NewAssembler creates an assembler.
func NewAssembler(cfg domain.ReportConfig) *Assembler {
	return &Assembler{cfg: cfg}
}

// Input contains all data needed for a report.
type Input struct {
	AnalysisID  string
	TenantID    string
	Graph       *graph.Graph
	Metrics     domain.Metrics
	Rings       []domain.FraudRing
	Scores      domain.Scores
	RuleHits    []domain.RuleHit
	CycleSearch domain.CycleSearch
	StartTime   time.Time
}

// Assemble builds the report. It never fails: every account in the graph
// gets a node entry, missing scores default to 0 and missing metrics to
// zero values.
func (a *Assembler) Assemble(in *Input) *domain.Report {
	g := in.Graph
	ids := g.Nodes()

	primary := PrimaryRings(ids, in.Rings)
	patterns := make(map[string]domain.PatternType, len(in.Rings))
	for _, r := range in.Rings {
		patterns[r.RingID] = r.PatternType
	}

	flags := make(map[string][]string)
	for _, h := range in.RuleHits {
		flags[h.AccountID] = append(flags[h.AccountID], h.Flag)
	}

	nodes := make([]domain.NodeEntry, 0, len(ids))
	suspicious := make([]domain.SuspiciousAccount, 0)
	for _, id := range ids {
		m := in.Metrics[id]
		score := in.Scores[id]
		ring := primary[id]

		nodes = append(nodes, domain.NodeEntry{
			ID:        id,
			Label:     id,
			RiskScore: score,
			Metrics:   m,
			RingID:    ring,
			RuleFlags: flags[id],
		})

		if score < a.cfg.SuspiciousScore && ring == domain.NoRing {
			continue
		}

		var tags []string
		if ring != domain.NoRing {
			tags = append(tags, string(patterns[ring]))
		}
		if m.OutDegree > a.cfg.HighVelocityOutDegree {
			tags = append(tags, domain.TagHighVelocity)
		}
		if len(tags) == 0 {
			tags = []string{domain.TagLowLevelAnomaly}
		}

		suspicious = append(suspicious, domain.SuspiciousAccount{
			AccountID:        id,
			SuspicionScore:   float64(score),
			DetectedPatterns: tags,
			RingID:           ring,
		})
	}

	sort.SliceStable(suspicious, func(i, j int) bool {
		return suspicious[i].SuspicionScore > suspicious[j].SuspicionScore
	})

	edges := make([]domain.EdgeEntry, 0, g.EdgeCount())
	for _, e := range g.Edges() {
		edges = append(edges, domain.EdgeEntry{Source: e.From, Target: e.To, Amount: e.Amount})
	}

	rings := in.Rings
	if rings == nil {
		rings = []domain.FraudRing{}
	}

	var elapsed float64
	if !in.StartTime.IsZero() {
		elapsed = time.Since(in.StartTime).Seconds()
	}

	return &domain.Report{
		AnalysisID:         in.AnalysisID,
		TenantID:           in.TenantID,
		CreatedAt:          time.Now().UTC(),
		Nodes:              nodes,
		Edges:              edges,
		SuspiciousAccounts: suspicious,
		FraudRings:         rings,
		Summary: domain.Summary{
			TotalAccountsAnalyzed:     len(ids),
			SuspiciousAccountsFlagged: len(suspicious),
			FraudRingsDetected:        len(in.Rings),
			ProcessingTimeSeconds:     elapsed,
		},
		CycleSearch: in.CycleSearch,
	}
}

// PrimaryRings maps each account to the first ring, in emission order,
// that contains it, or domain.NoRing.
func PrimaryRings(ids []string, rings []domain.FraudRing) map[string]string {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = domain.NoRing
	}
	for _, r := range rings {
		for _, m := range r.MemberAccounts {
			if cur, ok := out[m]; ok && cur == domain.NoRing {
				out[m] = r.RingID
			}
		}
	}
	return out
}

// Memberships returns every ring id containing account, in emission order.
func Memberships(account string, rings []domain.FraudRing) []string {
	ids := []string{}
	for i := range rings {
		if rings[i].Contains(account) {
			ids = append(ids, rings[i].RingID)
		}
	}
	return ids
}
