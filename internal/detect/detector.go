// Package detect finds fraud rings in a transfer graph: circular fund
// flows (elementary cycles) and smurfing hubs (high fan-in accounts).
package detect

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

var tracer = otel.Tracer("kestrel-detect")

// Result is the output of one detection run.
type Result struct {
	Rings       []domain.FraudRing
	CycleSearch domain.CycleSearch
}

// Stats are cumulative detector counters.
type Stats struct {
	Runs                int64 `json:"runs"`
	CyclesReported      int64 `json:"cyclesReported"`
	SmurfingRings       int64 `json:"smurfingRings"`
	CycleBudgetExceeded int64 `json:"cycleBudgetExceeded"`
}

// Detector emits ring records from a graph and its metrics.
type Detector struct {
	cfg domain.DetectionConfig

	runs      atomic.Int64
	cycles    atomic.Int64
	smurfing  atomic.Int64
	exhausted atomic.Int64

	exhaustedCounter metric.Int64Counter
}

// NewDetector creates a detector.
func NewDetector(cfg domain.DetectionConfig) *Detector {
	counter, err := otel.Meter("kestrel-detect").Int64Counter(
		"kestrel.detect.cycle_budget_exceeded",
		metric.WithDescription("Cycle searches abandoned because their budget ran out"),
	)
	if err != nil {
		slog.Warn("cycle budget counter unavailable", "error", err)
		counter = noop.Int64Counter{}
	}
	return &Detector{cfg: cfg, exhaustedCounter: counter}
}

// Detect runs the cycle pass followed by the fan-in pass. Ring ids are
// assigned in emission order across both passes, cycles first.
//
// Exhausting the cycle budget reports zero cycles and continues with the
// fan-in pass. Detect fails only if ctx is done.
func (d *Detector) Detect(ctx context.Context, g *graph.Graph, m domain.Metrics) (*Result, error) {
	ctx, span := tracer.Start(ctx, "detect.rings")
	defer span.End()

	d.runs.Add(1)

	budget := Budget{MaxCycles: d.cfg.MaxCycles}
	if d.cfg.CycleTimeBudget > 0 {
		budget.Deadline = time.Now().Add(d.cfg.CycleTimeBudget)
	}

	start := time.Now()
	cr, err := FindCycles(ctx, g, budget)
	if err != nil {
		return nil, err
	}

	search := domain.CycleSearch{Status: cr.Status, CyclesFound: len(cr.Cycles), Reason: cr.Reason}
	if cr.BudgetExceeded() {
		d.exhausted.Add(1)
		d.exhaustedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", cr.Reason)))
		slog.Warn("cycle search budget exceeded, reporting no cycles",
			"reason", cr.Reason,
			"nodes", g.NodeCount(),
			"edges", g.EdgeCount(),
			"elapsed", time.Since(start),
		)
	}

	var (
		rings []domain.FraudRing
		sets  []map[string]struct{}
	)
	add := func(members []string, pattern domain.PatternType, risk float64) {
		rings = append(rings, domain.FraudRing{
			RingID:         domain.RingID(len(rings) + 1),
			MemberAccounts: members,
			PatternType:    pattern,
			RiskScore:      risk,
		})
		sets = append(sets, memberSet(members))
	}

	for _, c := range cr.Cycles {
		add(c, domain.PatternCycle, d.cfg.CycleRiskBase+d.cfg.RiskPerMember*float64(len(c)))
	}
	d.cycles.Add(int64(len(cr.Cycles)))

	smurfs := 0
	for i, hub := range g.Nodes() {
		in := inDegree(g, m, i, hub)
		if in < d.cfg.FanInThreshold {
			continue
		}

		members := make([]string, 0, in+1)
		for _, p := range g.Pred(i) {
			if p != i {
				members = append(members, g.NodeAt(p))
			}
		}
		members = append(members, hub)

		if coveredBy(members, sets) {
			slog.Debug("fan-in hub already covered by a ring", "account", hub, "inDegree", in)
			continue
		}
		add(members, domain.PatternSmurfing, d.cfg.SmurfingRiskBase+d.cfg.RiskPerMember*float64(in))
		smurfs++
	}
	d.smurfing.Add(int64(smurfs))

	span.SetAttributes(
		attribute.Int("rings", len(rings)),
		attribute.String("cycle_search", string(search.Status)),
	)

	return &Result{Rings: rings, CycleSearch: search}, nil
}

// Stats returns a snapshot of the detector counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Runs:                d.runs.Load(),
		CyclesReported:      d.cycles.Load(),
		SmurfingRings:       d.smurfing.Load(),
		CycleBudgetExceeded: d.exhausted.Load(),
	}
}

func inDegree(g *graph.Graph, m domain.Metrics, i int, id string) int {
	if am, ok := m[id]; ok {
		return am.InDegree
	}
	return len(g.Pred(i))
}

func memberSet(members []string) map[string]struct{} {
	s := make(map[string]struct{}, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

func coveredBy(members []string, sets []map[string]struct{}) bool {
	for _, s := range sets {
		if len(s) < len(members) {
			continue
		}
		all := true
		for _, m := range members {
			if _, ok := s[m]; !ok {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}
