package detect

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

func buildGraph(t *testing.T, pairs ...string) *graph.Graph {
	t.Helper()
	require.Zero(t, len(pairs)%2, "pairs must be from,to")
	var records []domain.Transfer
	for i := 0; i < len(pairs); i += 2 {
		records = append(records, domain.Transfer{SenderID: pairs[i], ReceiverID: pairs[i+1], Amount: 10, Timestamp: "t"})
	}
	g, err := graph.Build(records)
	require.NoError(t, err)
	return g
}

func completeGraph(t *testing.T, n int) *graph.Graph {
	var pairs []string
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				pairs = append(pairs, fmt.Sprintf("K%d", i), fmt.Sprintf("K%d", j))
			}
		}
	}
	return buildGraph(t, pairs...)
}

func detect(t *testing.T, d *Detector, g *graph.Graph) *Result {
	t.Helper()
	res, err := d.Detect(context.Background(), g, graph.DegreeMetrics(g))
	require.NoError(t, err)
	return res
}

func TestDetect_TwoNodeCycle(t *testing.T) {
	g := buildGraph(t, "U1", "U2", "U2", "U1")

	res := detect(t, NewDetector(domain.DefaultDetectionConfig()), g)

	require.Len(t, res.Rings, 1)
	ring := res.Rings[0]
	assert.Equal(t, "RING_001", ring.RingID)
	assert.Equal(t, domain.PatternCycle, ring.PatternType)
	assert.Equal(t, []string{"U1", "U2"}, ring.MemberAccounts)
	assert.Equal(t, 91.0, ring.RiskScore)
	assert.Equal(t, domain.CycleSearchOK, res.CycleSearch.Status)
	assert.Equal(t, 1, res.CycleSearch.CyclesFound)
}

func TestDetect_CycleOrderIsStable(t *testing.T) {
	g := buildGraph(t, "A", "B", "B", "C", "C", "A", "B", "A")
	d := NewDetector(domain.DefaultDetectionConfig())

	first := detect(t, d, g)
	require.Len(t, first.Rings, 2)
	assert.Equal(t, []string{"A", "B", "C"}, first.Rings[0].MemberAccounts)
	assert.Equal(t, 91.5, first.Rings[0].RiskScore)
	assert.Equal(t, []string{"A", "B"}, first.Rings[1].MemberAccounts)
	assert.Equal(t, "RING_002", first.Rings[1].RingID)

	second := detect(t, d, g)
	assert.Equal(t, first.Rings, second.Rings)
}

func TestDetect_SelfLoopIsNotACycle(t *testing.T) {
	g := buildGraph(t, "A", "A", "A", "B")
	res := detect(t, NewDetector(domain.DefaultDetectionConfig()), g)
	assert.Empty(t, res.Rings)
}

func TestFindCycles_CompleteGraphs(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{2, 1},
		{3, 5},
		{4, 20},
		{5, 84},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("K%d", tt.n), func(t *testing.T) {
			res, err := FindCycles(context.Background(), completeGraph(t, tt.n), Budget{})
			require.NoError(t, err)
			assert.Equal(t, domain.CycleSearchOK, res.Status)
			assert.Len(t, res.Cycles, tt.want)

			seen := make(map[string]bool)
			for _, c := range res.Cycles {
				key := fmt.Sprint(c)
				assert.False(t, seen[key], "duplicate cycle %v", c)
				seen[key] = true

				members := make(map[string]bool)
				for _, v := range c {
					assert.False(t, members[v], "repeated member in %v", c)
					members[v] = true
				}
			}
		})
	}
}

func TestFindCycles_MaxCycles(t *testing.T) {
	g := completeGraph(t, 4)

	res, err := FindCycles(context.Background(), g, Budget{MaxCycles: 20})
	require.NoError(t, err)
	assert.False(t, res.BudgetExceeded())
	assert.Len(t, res.Cycles, 20)

	res, err = FindCycles(context.Background(), g, Budget{MaxCycles: 19})
	require.NoError(t, err)
	assert.True(t, res.BudgetExceeded())
	assert.Nil(t, res.Cycles)
	assert.NotEmpty(t, res.Reason)
}

func TestFindCycles_Deadline(t *testing.T) {
	res, err := FindCycles(context.Background(), completeGraph(t, 4), Budget{Deadline: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	assert.True(t, res.BudgetExceeded())
	assert.Nil(t, res.Cycles)
}

func TestFindCycles_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FindCycles(ctx, completeGraph(t, 4), Budget{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetect_LongChainHasNoCycles(t *testing.T) {
	const n = 40000
	pairs := make([]string, 0, 2*n)
	for i := 0; i < n; i++ {
		pairs = append(pairs, fmt.Sprintf("A%d", i), fmt.Sprintf("A%d", i+1))
	}
	g := buildGraph(t, pairs...)

	start := time.Now()
	res := detect(t, NewDetector(domain.DefaultDetectionConfig()), g)

	assert.Equal(t, domain.CycleSearchOK, res.CycleSearch.Status)
	assert.Zero(t, res.CycleSearch.CyclesFound)
	assert.Empty(t, res.Rings)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFindCycles_DAGFeedingTriangle(t *testing.T) {
	var pairs []string
	for i := 0; i < 2000; i++ {
		pairs = append(pairs, fmt.Sprintf("D%d", i), fmt.Sprintf("D%d", i+1))
		pairs = append(pairs, fmt.Sprintf("D%d", i), "T1")
	}
	pairs = append(pairs, "T1", "T2", "T2", "T3", "T3", "T1")

	res, err := FindCycles(context.Background(), buildGraph(t, pairs...), Budget{})
	require.NoError(t, err)
	assert.Equal(t, domain.CycleSearchOK, res.Status)
	assert.Equal(t, [][]string{{"T1", "T2", "T3"}}, res.Cycles)
}

func TestDetect_BudgetExceededKeepsFanIn(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	cfg.MaxCycles = 3
	d := NewDetector(cfg)

	g := buildGraph(t,
		"A", "B", "B", "A", "B", "C", "C", "A", "A", "C", "C", "B",
		"S1", "H", "S2", "H", "S3", "H", "S4", "H", "S5", "H",
	)
	res := detect(t, d, g)

	assert.Equal(t, domain.CycleSearchBudgetExceeded, res.CycleSearch.Status)
	assert.Zero(t, res.CycleSearch.CyclesFound)
	require.Len(t, res.Rings, 1)
	assert.Equal(t, "RING_001", res.Rings[0].RingID)
	assert.Equal(t, domain.PatternSmurfing, res.Rings[0].PatternType)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(1), stats.CycleBudgetExceeded)
	assert.Equal(t, int64(1), stats.SmurfingRings)
}

func TestDetect_Smurfing(t *testing.T) {
	g := buildGraph(t, "S1", "H", "S2", "H", "S3", "H", "S4", "H", "S5", "H", "H", "OUT")
	res := detect(t, NewDetector(domain.DefaultDetectionConfig()), g)

	require.Len(t, res.Rings, 1)
	ring := res.Rings[0]
	assert.Equal(t, domain.PatternSmurfing, ring.PatternType)
	assert.Equal(t, []string{"S1", "S2", "S3", "S4", "S5", "H"}, ring.MemberAccounts)
	assert.Equal(t, 87.5, ring.RiskScore)
}

func TestDetect_BelowFanInThreshold(t *testing.T) {
	g := buildGraph(t, "S1", "H", "S2", "H", "S3", "H", "S4", "H")
	res := detect(t, NewDetector(domain.DefaultDetectionConfig()), g)
	assert.Empty(t, res.Rings)
}

func TestDetect_SmurfingDedup(t *testing.T) {
	// A (in-degree 6) is enumerated before B; B's fan-in set is a subset
	// of A's ring and must not produce a second ring.
	g := buildGraph(t,
		"P1", "A", "P2", "A", "P3", "A", "P4", "A", "P5", "A", "B", "A",
		"P1", "B", "P2", "B", "P3", "B", "P4", "B", "P5", "B",
	)
	res := detect(t, NewDetector(domain.DefaultDetectionConfig()), g)

	require.Len(t, res.Rings, 1)
	assert.Equal(t, []string{"P1", "P2", "P3", "P4", "P5", "B", "A"}, res.Rings[0].MemberAccounts)
	assert.Equal(t, 88.0, res.Rings[0].RiskScore)
}

func TestDetect_SmurfingSelfLoopHub(t *testing.T) {
	g := buildGraph(t, "S1", "H", "S2", "H", "S3", "H", "S4", "H", "H", "H")
	res := detect(t, NewDetector(domain.DefaultDetectionConfig()), g)

	require.Len(t, res.Rings, 1)
	assert.Equal(t, []string{"S1", "S2", "S3", "S4", "H"}, res.Rings[0].MemberAccounts)
	assert.Equal(t, 87.5, res.Rings[0].RiskScore)
}

func TestDetect_CyclesNumberedBeforeHubs(t *testing.T) {
	g := buildGraph(t,
		"S1", "H", "S2", "H", "S3", "H", "S4", "H", "S5", "H",
		"X", "Y", "Y", "X",
	)
	res := detect(t, NewDetector(domain.DefaultDetectionConfig()), g)

	require.Len(t, res.Rings, 2)
	assert.Equal(t, "RING_001", res.Rings[0].RingID)
	assert.Equal(t, domain.PatternCycle, res.Rings[0].PatternType)
	assert.Equal(t, "RING_002", res.Rings[1].RingID)
	assert.Equal(t, domain.PatternSmurfing, res.Rings[1].PatternType)
}

func TestDetect_Cancelled(t *testing.T) {
	g := completeGraph(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDetector(domain.DefaultDetectionConfig()).Detect(ctx, g, graph.DegreeMetrics(g))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetect_EmptyGraph(t *testing.T) {
	g := buildGraph(t)
	res := detect(t, NewDetector(domain.DefaultDetectionConfig()), g)
	assert.Empty(t, res.Rings)
	assert.Equal(t, domain.CycleSearchOK, res.CycleSearch.Status)
}
