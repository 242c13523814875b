package graph

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var tracer = otel.Tracer("kestrel-graph")

// Analyzer computes per-account structural metrics.
type Analyzer struct {
	computeBetweenness bool
}

// NewAnalyzer creates an analyzer from config.
func NewAnalyzer(cfg domain.AnalysisConfig) *Analyzer {
	return &Analyzer{computeBetweenness: cfg.ComputeBetweenness}
}

// Analyze returns metrics for every account. It only fails when ctx is
// cancelled during the betweenness pass.
func (a *Analyzer) Analyze(ctx context.Context, g *Graph) (domain.Metrics, error) {
	m := DegreeMetrics(g)
	if !a.computeBetweenness || g.NodeCount() == 0 {
		return m, nil
	}

	ctx, span := tracer.Start(ctx, "graph.betweenness")
	defer span.End()
	span.SetAttributes(
		attribute.Int("nodes", g.NodeCount()),
		attribute.Int("edges", g.EdgeCount()),
	)

	bc, err := Betweenness(ctx, g)
	if err != nil {
		return nil, err
	}
	for i, id := range g.ids {
		am := m[id]
		am.Betweenness = bc[i]
		m[id] = am
	}
	return m, nil
}

// DegreeMetrics returns degree, in-degree and out-degree for every account.
// Self-loops count once in each direction.
func DegreeMetrics(g *Graph) domain.Metrics {
	m := make(domain.Metrics, len(g.ids))
	for i, id := range g.ids {
		in, out := len(g.pred[i]), len(g.succ[i])
		m[id] = domain.AccountMetrics{
			Degree:    in + out,
			InDegree:  in,
			OutDegree: out,
		}
	}
	return m
}

// Betweenness computes normalised directed betweenness centrality with
// Brandes' algorithm, indexed by node enumeration order. Values are scaled
// by 1/((n-1)(n-2)); graphs with fewer than three nodes score zero.
func Betweenness(ctx context.Context, g *Graph) ([]float64, error) {
	n := len(g.ids)
	bc := make([]float64, n)
	if n < 3 {
		return bc, nil
	}

	var (
		stack = make([]int, 0, n)
		queue = make([]int, 0, n)
		preds = make([][]int, n)
		sigma = make([]float64, n)
		dist  = make([]int, n)
		delta = make([]float64, n)
	)

	for s := 0; s < n; s++ {
		if s%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		stack = stack[:0]
		queue = queue[:0]
		for i := 0; i < n; i++ {
			preds[i] = preds[i][:0]
			sigma[i] = 0
			dist[i] = -1
			delta[i] = 0
		}
		sigma[s] = 1
		dist[s] = 0
		queue = append(queue, s)

		for head := 0; head < len(queue); head++ {
			v := queue[head]
			stack = append(stack, v)
			for _, w := range g.succ[v] {
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		for k := len(stack) - 1; k >= 0; k-- {
			w := stack[k]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				bc[w] += delta[w]
			}
		}
	}

	scale := 1 / float64((n-1)*(n-2))
	for i := range bc {
		bc[i] *= scale
	}
	return bc, nil
}
