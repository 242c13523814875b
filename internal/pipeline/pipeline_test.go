package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func transfer(from, to string, amount float64) domain.Transfer {
	return domain.Transfer{SenderID: from, ReceiverID: to, Amount: amount, Timestamp: "2024-01-01 10:00:00"}
}

func triangle(a, b, c string) []domain.Transfer {
	return []domain.Transfer{transfer(a, b, 100), transfer(b, c, 95), transfer(c, a, 90)}
}

func TestStorePublish(t *testing.T) {
	s := NewStore()
	assert.Nil(t, s.Current("t1"))

	now := time.Now()
	older := &Snapshot{ID: "older", TenantID: "t1", StartedAt: now}
	newer := &Snapshot{ID: "newer", TenantID: "t1", StartedAt: now.Add(time.Second)}

	prev, ok := s.Publish(newer)
	assert.True(t, ok)
	assert.Nil(t, prev)

	// A slower, earlier-started analysis must not overwrite a later one.
	prev, ok = s.Publish(older)
	assert.False(t, ok)
	assert.Equal(t, "newer", prev.ID)
	assert.Equal(t, "newer", s.Current("t1").ID)

	latest := &Snapshot{ID: "latest", TenantID: "t1", StartedAt: now.Add(2 * time.Second)}
	prev, ok = s.Publish(latest)
	assert.True(t, ok)
	assert.Equal(t, "newer", prev.ID)

	assert.Nil(t, s.Current("t2"))
	assert.Equal(t, 1, s.Tenants())
}

func TestStoreConcurrentPublish(t *testing.T) {
	s := NewStore()
	base := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Publish(&Snapshot{ID: fmt.Sprint(i), TenantID: "t", StartedAt: base.Add(time.Duration(i) * time.Millisecond)})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, "49", s.Current("t").ID)
}

func TestPipelineRun(t *testing.T) {
	cfg := domain.DefaultConfig()

	t.Run("PublishesSnapshot", func(t *testing.T) {
		p := New(cfg, NewStore())
		snap, err := p.Run(context.Background(), "", "", triangle("A", "B", "C"))
		require.NoError(t, err)

		assert.NotEmpty(t, snap.ID)
		assert.Equal(t, domain.DefaultTenantID, snap.TenantID)
		assert.Same(t, snap, p.Store().Current(domain.DefaultTenantID))

		rep := snap.Report
		require.Len(t, rep.FraudRings, 1)
		assert.Equal(t, "RING_001", rep.FraudRings[0].RingID)
		assert.Equal(t, domain.PatternCycle, rep.FraudRings[0].PatternType)
		assert.InDelta(t, 91.5, rep.FraudRings[0].RiskScore, 1e-9)
		assert.Equal(t, 3, rep.Summary.TotalAccountsAnalyzed)
		assert.Equal(t, 3, rep.Summary.SuspiciousAccountsFlagged)
		assert.Equal(t, domain.CycleSearchOK, rep.CycleSearch.Status)
	})

	t.Run("KeepsAnalysisID", func(t *testing.T) {
		p := New(cfg, NewStore())
		snap, err := p.Run(context.Background(), "t1", "analysis-1", triangle("A", "B", "C"))
		require.NoError(t, err)
		assert.Equal(t, "analysis-1", snap.Report.AnalysisID)
		assert.Equal(t, "t1", snap.Report.TenantID)
	})

	t.Run("MalformedLedger", func(t *testing.T) {
		p := New(cfg, NewStore())
		_, err := p.Run(context.Background(), "t1", "", []domain.Transfer{
			transfer("A", "B", 10),
			{SenderID: "B", Amount: 5, Timestamp: "2024-01-01"},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrParse))

		var pe *domain.ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 2, pe.Record)
		assert.Equal(t, domain.FieldReceiverID, pe.Field)

		assert.Nil(t, p.Store().Current("t1"), "failed analysis must not publish")
	})

	t.Run("FailedRunKeepsPreviousSnapshot", func(t *testing.T) {
		p := New(cfg, NewStore())
		first, err := p.Run(context.Background(), "t1", "", triangle("A", "B", "C"))
		require.NoError(t, err)

		_, err = p.Run(context.Background(), "t1", "", []domain.Transfer{{ReceiverID: "X", Timestamp: "t"}})
		require.Error(t, err)
		assert.Same(t, first, p.Store().Current("t1"))
	})

	t.Run("RebuildDropsPreviousLedger", func(t *testing.T) {
		p := New(cfg, NewStore())
		_, err := p.Run(context.Background(), "t1", "", triangle("A", "B", "C"))
		require.NoError(t, err)
		snap, err := p.Run(context.Background(), "t1", "", []domain.Transfer{transfer("X", "Y", 7)})
		require.NoError(t, err)

		rep := p.Store().Current("t1").Report
		assert.Same(t, snap.Report, rep)
		require.Len(t, rep.Nodes, 2)
		assert.Equal(t, "X", rep.Nodes[0].ID)
		assert.Equal(t, "Y", rep.Nodes[1].ID)
		require.Len(t, rep.Edges, 1)
		assert.Equal(t, "X", rep.Edges[0].Source)
		assert.Empty(t, rep.FraudRings)
		assert.Empty(t, rep.SuspiciousAccounts)
		for _, n := range rep.Nodes {
			assert.Equal(t, domain.NoRing, n.RingID)
		}
		assert.Equal(t, 2, rep.Summary.TotalAccountsAnalyzed)
	})

	t.Run("TenantsAreIsolated", func(t *testing.T) {
		p := New(cfg, NewStore())
		_, err := p.Run(context.Background(), "t1", "", triangle("A", "B", "C"))
		require.NoError(t, err)
		_, err = p.Run(context.Background(), "t2", "", []domain.Transfer{transfer("X", "Y", 1)})
		require.NoError(t, err)

		assert.Len(t, p.Store().Current("t1").Report.FraudRings, 1)
		assert.Empty(t, p.Store().Current("t2").Report.FraudRings)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		p := New(cfg, NewStore())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := p.Run(ctx, "t1", "", triangle("A", "B", "C"))
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, p.Store().Current("t1"))
	})
}

func TestPipelineCycleBudget(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Detection.MaxCycles = 1

	ledger := append(triangle("A", "B", "C"), triangle("D", "E", "F")...)
	for i := 0; i < 5; i++ {
		ledger = append(ledger, transfer(fmt.Sprintf("S%d", i), "HUB", 10))
	}

	p := New(cfg, NewStore())
	snap, err := p.Run(context.Background(), "t1", "", ledger)
	require.NoError(t, err)

	rep := snap.Report
	assert.Equal(t, domain.CycleSearchBudgetExceeded, rep.CycleSearch.Status)
	assert.Zero(t, rep.CycleSearch.CyclesFound)

	// Fan-in detection still runs after the cycle search is abandoned.
	require.Len(t, rep.FraudRings, 1)
	assert.Equal(t, domain.PatternSmurfing, rep.FraudRings[0].PatternType)
	assert.Equal(t, "RING_001", rep.FraudRings[0].RingID)

	assert.EqualValues(t, 1, p.Detector().Stats().CycleBudgetExceeded)
}

func TestPipelineReportLookup(t *testing.T) {
	cfg := domain.DefaultConfig()
	c := cache.NewLRUCache(16)
	defer c.Close()

	p := New(cfg, NewStore(), WithCache(c, time.Minute))
	ctx := context.Background()

	first, err := p.Run(ctx, "t1", "", triangle("A", "B", "C"))
	require.NoError(t, err)
	second, err := p.Run(ctx, "t1", "", triangle("X", "Y", "Z"))
	require.NoError(t, err)

	// The current snapshot answers directly.
	rep, err := p.Report(ctx, "t1", second.ID)
	require.NoError(t, err)
	assert.Same(t, second.Report, rep)

	// An older analysis comes back from the cache.
	rep, err = p.Report(ctx, "t1", first.ID)
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, first.ID, rep.AnalysisID)
	assert.Equal(t, first.Report.FraudRings, rep.FraudRings)

	rep, err = p.Report(ctx, "t2", first.ID)
	require.NoError(t, err)
	assert.Nil(t, rep, "reports are tenant scoped")

	rep, err = p.Report(ctx, "t1", "unknown")
	require.NoError(t, err)
	assert.Nil(t, rep)
}

func TestPipelineEvents(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	var (
		mu        sync.Mutex
		completed []domain.AnalysisEvent
		failed    []domain.AnalysisEvent
		rings     []domain.FraudRing
	)
	ctx := context.Background()
	collect := func(topic string, fn func([]byte) error) {
		_, err := eventBus.Subscribe(ctx, "t1", topic, func(_ context.Context, msg *domain.Message) error {
			mu.Lock()
			defer mu.Unlock()
			return fn(msg.Payload)
		})
		require.NoError(t, err)
	}
	collect(domain.TopicAnalysisCompleted, func(b []byte) error {
		var e domain.AnalysisEvent
		err := json.Unmarshal(b, &e)
		completed = append(completed, e)
		return err
	})
	collect(domain.TopicAnalysisFailed, func(b []byte) error {
		var e domain.AnalysisEvent
		err := json.Unmarshal(b, &e)
		failed = append(failed, e)
		return err
	})
	collect(domain.TopicRingDetected, func(b []byte) error {
		var r domain.FraudRing
		err := json.Unmarshal(b, &r)
		rings = append(rings, r)
		return err
	})

	p := New(domain.DefaultConfig(), NewStore(), WithEventBus(eventBus))
	snap, err := p.Run(ctx, "t1", "", triangle("A", "B", "C"))
	require.NoError(t, err)
	_, err = p.Run(ctx, "t1", "bad", []domain.Transfer{{SenderID: "A", Timestamp: "t"}})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1 && len(failed) == 1 && len(rings) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, snap.ID, completed[0].AnalysisID)
	assert.Equal(t, 1, completed[0].Summary.FraudRingsDetected)
	assert.Equal(t, "bad", failed[0].AnalysisID)
	assert.NotEmpty(t, failed[0].Error)
	assert.Equal(t, "RING_001", rings[0].RingID)
}

func TestPipelineRules(t *testing.T) {
	engine, err := rules.NewEngine(2)
	require.NoError(t, err)
	defer engine.Close()

	require.NoError(t, engine.LoadRule(&domain.AccountRule{
		ID:         "big-inflow",
		Name:       "Big inflow",
		Expression: "total_in >= 100.0",
		Flag:       "big_inflow",
		Enabled:    true,
	}))

	p := New(domain.DefaultConfig(), NewStore(), WithRules(engine))
	snap, err := p.Run(context.Background(), "t1", "", triangle("A", "B", "C"))
	require.NoError(t, err)

	flags := map[string][]string{}
	for _, n := range snap.Report.Nodes {
		flags[n.ID] = n.RuleFlags
	}
	assert.Equal(t, []string{"big_inflow"}, flags["B"])
	assert.Empty(t, flags["A"])
}
