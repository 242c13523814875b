package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	json "github.com/json-iterator/go"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// maxRequestBody bounds the small JSON bodies of the rule and explain
// endpoints.
const maxRequestBody = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline  *pipeline.Pipeline
	cache     domain.Cache
	bus       domain.EventBus
	worker    *worker.Worker
	version   string
	maxUpload int64
	started   time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithWorker exposes async worker counters on /stats.
func WithWorker(w *worker.Worker) HandlerOption {
	return func(h *Handler) { h.worker = w }
}

// NewHandler creates a new API handler.
func NewHandler(p *pipeline.Pipeline, cache domain.Cache, bus domain.EventBus, version string, opts ...HandlerOption) *Handler {
	h := &Handler{
		pipeline:  p,
		cache:     cache,
		bus:       bus,
		version:   version,
		maxUpload: 32 << 20,
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Root reports that the engine is up.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "Engine Running",
		"version": h.version,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": "cache unavailable",
			})
			return
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": "event bus unavailable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// UploadTransactions handles POST /upload-transactions: a multipart CSV
// ledger in the "file" field, analysed synchronously.
func (h *Handler) UploadTransactions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "ledger file too large",
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid multipart form",
		})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "file is required",
		})
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Only CSV files are allowed.",
		})
		return
	}

	transfers, err := ledger.ParseCSV(file)
	if err != nil {
		h.writeAnalysisError(w, err)
		return
	}

	h.run(w, r, transfers)
}

// Analyze handles POST /analyses with a JSON ledger.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	transfers, ok := h.decodeLedger(w, r)
	if !ok {
		return
	}
	h.run(w, r, transfers)
}

// AnalyzeAsync handles POST /analyses/async. The ledger is validated,
// queued on the event bus and analysed by the worker.
func (h *Handler) AnalyzeAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	transfers, ok := h.decodeLedger(w, r)
	if !ok {
		return
	}

	sub := domain.LedgerSubmission{
		AnalysisID: uuid.New().String(),
		TenantID:   tenantID,
		Transfers:  transfers,
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode submission",
		})
		return
	}

	if err := h.bus.Publish(ctx, tenantID, domain.TopicLedgerSubmitted, payload); err != nil {
		slog.Error("failed to queue ledger", "analysisId", sub.AnalysisID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue analysis",
		})
		return
	}

	w.Header().Set("Location", "/analyses/"+sub.AnalysisID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"analysis_id": sub.AnalysisID,
		"status":      "accepted",
	})
}

func (h *Handler) decodeLedger(w http.ResponseWriter, r *http.Request) ([]domain.Transfer, bool) {
	var req domain.TransferRequest
	if err := ledger.JSON.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxUpload)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return nil, false
	}

	transfers, err := ledger.FromRaw(req.Transactions)
	if err != nil {
		h.writeAnalysisError(w, err)
		return nil, false
	}
	return transfers, true
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, transfers []domain.Transfer) {
	snap, err := h.pipeline.Run(r.Context(), GetTenantID(r.Context()), "", transfers)
	if err != nil {
		h.writeAnalysisError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Report)
}

func (h *Handler) writeAnalysisError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrParse):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "analysis cancelled",
		})
	default:
		slog.Error("analysis failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "analysis failed",
		})
	}
}

// GetAnalysis retrieves a finished report by analysis ID.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	rep, err := h.pipeline.Report(ctx, GetTenantID(ctx), id)
	if err != nil {
		slog.Error("failed to get report", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load report",
		})
		return
	}
	if rep == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "analysis not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rep)
}

// GetReport returns the tenant's latest report.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.current(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap.Report)
}

// GetRings returns the rings of the tenant's latest analysis.
func (h *Handler) GetRings(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.current(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"analysis_id": snap.ID,
		"fraud_rings": snap.Report.FraudRings,
		"count":       len(snap.Report.FraudRings),
	})
}

// GetAccount returns one account's node entry, every ring it belongs to
// and its explanation.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.current(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	i, found := snap.Graph.Index(id)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "account not found",
		})
		return
	}

	node := snap.Report.Nodes[i]
	writeJSON(w, http.StatusOK, domain.AccountDetail{
		Node:        node,
		Rings:       report.Memberships(id, snap.Rings),
		Explanation: explain.Explain(id, node.RiskScore, node.Metrics),
	})
}

// ExplainNode handles POST /explain-node.
func (h *Handler) ExplainNode(w http.ResponseWriter, r *http.Request) {
	var req domain.ExplainRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "node_id is required",
		})
		return
	}

	writeJSON(w, http.StatusOK, domain.ExplainResponse{
		Explanation: explain.Explain(req.NodeID, req.RiskScore, req.Metrics),
	})
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) (*pipeline.Snapshot, bool) {
	snap := h.pipeline.Store().Current(GetTenantID(r.Context()))
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no ledger has been analysed",
		})
		return nil, false
	}
	return snap, true
}

// ListRules returns the account rules visible to the tenant.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	engine := h.pipeline.Rules()
	if engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	loaded := engine.GetLoadedRules(GetTenantID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": loaded,
		"count": len(loaded),
	})
}

// CreateRuleRequest is the request body for creating an account rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Flag        string `json:"flag"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// CreateRule compiles an account rule and loads it for the tenant. Rules
// live in memory only.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	engine := h.pipeline.Rules()
	if engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Expression == "" || req.Flag == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, expression, and flag are required",
		})
		return
	}

	if existing, ok := engine.Lookup(req.ID); ok && existing.TenantID != tenantID {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "rule id is already in use",
		})
		return
	}

	rule := &domain.AccountRule{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Flag:        req.Flag,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}

	var err error
	if rule.Enabled {
		err = engine.LoadRule(rule)
	} else {
		err = engine.ValidateRule(rule)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	slog.Info("account rule created", "id", rule.ID, "tenantId", tenantID, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":   rule,
		"loaded": rule.Enabled,
	})
}

// DeleteRule unloads one of the tenant's account rules.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	engine := h.pipeline.Rules()
	if engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	id := chi.URLParam(r, "id")
	if !engine.RemoveRule(GetTenantID(r.Context()), id) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	slog.Info("account rule deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Detector      interface{} `json:"detector"`
	Worker        interface{} `json:"worker,omitempty"`
	Tenants       int         `json:"tenants"`
	Rules         int         `json:"rules"`
	UptimeSeconds float64     `json:"uptimeSeconds"`
	Version       string      `json:"version"`
}

// Stats returns detector and worker counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Detector:      h.pipeline.Detector().Stats(),
		Tenants:       h.pipeline.Store().Tenants(),
		UptimeSeconds: time.Since(h.started).Seconds(),
		Version:       h.version,
	}
	if engine := h.pipeline.Rules(); engine != nil {
		resp.Rules = engine.RulesCount()
	}
	if h.worker != nil {
		resp.Worker = h.worker.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
