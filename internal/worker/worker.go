// Package worker runs submitted ledgers through the analysis pipeline
// asynchronously, fed by the EventBus.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Worker consumes ledger submissions and analyses them with a fixed pool
// of goroutines.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline

	jobs          chan job
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

type job struct {
	messageID  string
	submission domain.LedgerSubmission
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to consume submissions for.
	TenantIDs []string

	// WorkerCount is the number of concurrent analyses.
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, p *pipeline.Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		pipeline: p,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to ledger submissions for each tenant and starts the
// analysis goroutines.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		cfg.TenantIDs = []string{domain.DefaultTenantID}
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}

	w.jobs = make(chan job, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		w.wg.Add(1)
		go w.run()
	}

	var errs []error
	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
	}

	if len(errs) == len(cfg.TenantIDs) {
		w.cancel()
		w.wg.Wait()
		return errors.Join(errs...)
	}

	slog.Info("workers started",
		"tenant_count", len(w.subscriptions),
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

// startTenantWorker subscribes to a tenant's submission topic.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicLedgerSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.enqueue(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicLedgerSubmitted,
	)
	return nil
}

// enqueue decodes a submission and hands it to the pool. It blocks while
// every worker is busy so backpressure reaches the bus.
func (w *Worker) enqueue(ctx context.Context, tenantID string, msg *domain.Message) error {
	var sub domain.LedgerSubmission
	if err := ledger.JSON.Unmarshal(msg.Payload, &sub); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse ledger submission",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// The subscription's tenant wins over whatever the payload claims.
	sub.TenantID = tenantID

	select {
	case w.jobs <- job{messageID: msg.ID, submission: sub}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-w.jobs:
			w.process(j)
		}
	}
}

// process analyses one submission. Failures are published by the
// pipeline itself.
func (w *Worker) process(j job) {
	start := time.Now()
	sub := j.submission

	slog.Debug("processing ledger",
		"analysis_id", sub.AnalysisID,
		"tenant_id", sub.TenantID,
		"transfers", len(sub.Transfers),
	)

	snap, err := w.pipeline.Run(w.ctx, sub.TenantID, sub.AnalysisID, sub.Transfers)
	if err != nil {
		w.failed.Add(1)
		slog.Error("ledger analysis failed",
			"message_id", j.messageID,
			"analysis_id", sub.AnalysisID,
			"tenant_id", sub.TenantID,
			"error", err,
		)
		return
	}

	w.processed.Add(1)
	slog.Info("ledger processed",
		"analysis_id", snap.ID,
		"tenant_id", snap.TenantID,
		"rings", len(snap.Rings),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop gracefully stops all workers. Submissions still queued are dropped.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.cancel()
	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats holds worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
