// Package pipeline runs a ledger through the analysis stages and publishes
// the result: build graph, compute metrics, detect rings and score
// accounts concurrently, apply account rules, assemble the report.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

var tracer = otel.Tracer("kestrel-pipeline")

// Pipeline owns the analysis components and the snapshot store.
type Pipeline struct {
	analyzer  *graph.Analyzer
	detector  *detect.Detector
	scorer    *scoring.Scorer
	assembler *report.Assembler
	rules     *rules.Engine
	store     *Store

	cache     domain.Cache
	bus       domain.EventBus
	reportTTL time.Duration

	analyses metric.Int64Counter
}

// Option configures optional collaborators.
type Option func(*Pipeline)

// WithRules enables account rule evaluation.
func WithRules(e *rules.Engine) Option {
	return func(p *Pipeline) { p.rules = e }
}

// WithCache keeps finished reports retrievable by analysis id.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(p *Pipeline) {
		p.cache = c
		p.reportTTL = ttl
	}
}

// WithEventBus publishes completion and ring events.
func WithEventBus(b domain.EventBus) Option {
	return func(p *Pipeline) { p.bus = b }
}

// New creates a pipeline.
func New(cfg *domain.Config, store *Store, opts ...Option) *Pipeline {
	counter, err := otel.Meter("kestrel-pipeline").Int64Counter(
		"kestrel.pipeline.analyses",
		metric.WithDescription("Ledger analyses by outcome"),
	)
	if err != nil {
		slog.Warn("analysis counter unavailable", "error", err)
		counter = noop.Int64Counter{}
	}

	p := &Pipeline{
		analyzer:  graph.NewAnalyzer(cfg.Analysis),
		detector:  detect.NewDetector(cfg.Detection),
		scorer:    scoring.NewScorer(cfg.Scoring),
		assembler: report.NewAssembler(cfg.Reporting),
		store:     store,
		analyses:  counter,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Store returns the snapshot store.
func (p *Pipeline) Store() *Store { return p.store }

// Detector returns the ring detector, for its counters.
func (p *Pipeline) Detector() *detect.Detector { return p.detector }

// Rules returns the account rule engine, or nil.
func (p *Pipeline) Rules() *rules.Engine { return p.rules }

// Run analyses a ledger and publishes the snapshot as the tenant's
// current state. An empty analysisID gets a fresh UUID. Either a complete
// snapshot is produced or an error is returned; a *domain.ParseError
// means the ledger was malformed.
func (p *Pipeline) Run(ctx context.Context, tenantID, analysisID string, transfers []domain.Transfer) (*Snapshot, error) {
	if tenantID == "" {
		tenantID = domain.DefaultTenantID
	}
	if analysisID == "" {
		analysisID = uuid.New().String()
	}

	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("analysis.id", analysisID),
		attribute.Int("transfers", len(transfers)),
	)

	snap, err := p.analyze(ctx, tenantID, analysisID, transfers)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.analyses.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		p.publishFailure(ctx, tenantID, analysisID, err)
		return nil, err
	}

	if _, ok := p.store.Publish(snap); !ok {
		slog.Info("newer analysis already published, keeping it",
			"tenantId", tenantID,
			"analysisId", analysisID,
		)
	}
	p.analyses.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))

	slog.Info("analysis completed",
		"tenantId", tenantID,
		"analysisId", analysisID,
		"accounts", snap.Report.Summary.TotalAccountsAnalyzed,
		"suspicious", snap.Report.Summary.SuspiciousAccountsFlagged,
		"rings", snap.Report.Summary.FraudRingsDetected,
		"cycleSearch", snap.Report.CycleSearch.Status,
		"seconds", snap.Report.Summary.ProcessingTimeSeconds,
	)

	p.cacheReport(ctx, snap.Report)
	p.publishCompletion(ctx, snap)

	return snap, nil
}

func (p *Pipeline) analyze(ctx context.Context, tenantID, analysisID string, transfers []domain.Transfer) (*Snapshot, error) {
	start := time.Now()

	g, err := graph.Build(transfers)
	if err != nil {
		return nil, err
	}

	metrics, err := p.analyzer.Analyze(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("computing metrics: %w", err)
	}

	// Ring detection and scoring are independent over graph and metrics.
	var (
		detection *detect.Result
		scores    domain.Scores
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		res, err := p.detector.Detect(egCtx, g, metrics)
		if err != nil {
			return fmt.Errorf("detecting rings: %w", err)
		}
		detection = res
		return nil
	})
	eg.Go(func() error {
		scores = p.scorer.Score(g, metrics)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var hits []domain.RuleHit
	if p.rules != nil {
		hits, err = p.rules.EvaluateAll(ctx, &rules.EvaluateInput{
			TenantID: tenantID,
			Graph:    g,
			Metrics:  metrics,
			Scores:   scores,
			Rings:    detection.Rings,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluating account rules: %w", err)
		}
	}

	rep := p.assembler.Assemble(&report.Input{
		AnalysisID:  analysisID,
		TenantID:    tenantID,
		Graph:       g,
		Metrics:     metrics,
		Rings:       detection.Rings,
		Scores:      scores,
		RuleHits:    hits,
		CycleSearch: detection.CycleSearch,
		StartTime:   start,
	})

	return &Snapshot{
		ID:        analysisID,
		TenantID:  tenantID,
		StartedAt: start,
		CreatedAt: rep.CreatedAt,
		Graph:     g,
		Metrics:   metrics,
		Rings:     detection.Rings,
		Scores:    scores,
		Report:    rep,
	}, nil
}

// Report returns a finished report by id: the tenant's current snapshot
// if it matches, otherwise the report cache. Returns nil, nil when the
// analysis is unknown or expired.
func (p *Pipeline) Report(ctx context.Context, tenantID, analysisID string) (*domain.Report, error) {
	if snap := p.store.Current(tenantID); snap != nil && snap.ID == analysisID {
		return snap.Report, nil
	}
	if p.cache == nil {
		return nil, nil
	}
	return p.cache.GetReport(ctx, tenantID, analysisID)
}

func (p *Pipeline) cacheReport(ctx context.Context, rep *domain.Report) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetReport(ctx, rep.TenantID, rep, p.reportTTL); err != nil {
		slog.Warn("failed to cache report", "analysisId", rep.AnalysisID, "error", err)
	}
}

func (p *Pipeline) publishCompletion(ctx context.Context, snap *Snapshot) {
	if p.bus == nil {
		return
	}

	event := domain.AnalysisEvent{
		AnalysisID:  snap.ID,
		TenantID:    snap.TenantID,
		Summary:     snap.Report.Summary,
		CycleSearch: snap.Report.CycleSearch,
	}
	p.publish(ctx, snap.TenantID, domain.TopicAnalysisCompleted, event)

	for _, ring := range snap.Rings {
		p.publish(ctx, snap.TenantID, domain.TopicRingDetected, ring)
	}
}

func (p *Pipeline) publishFailure(ctx context.Context, tenantID, analysisID string, cause error) {
	if p.bus == nil {
		return
	}
	p.publish(ctx, tenantID, domain.TopicAnalysisFailed, domain.AnalysisEvent{
		AnalysisID: analysisID,
		TenantID:   tenantID,
		Error:      cause.Error(),
	})
}

func (p *Pipeline) publish(ctx context.Context, tenantID, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Error("failed to publish event", "topic", topic, "tenantId", tenantID, "error", err)
	}
}
