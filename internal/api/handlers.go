package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/audit"
	"github.com/trogers1052/governance-service/internal/governance"
	"github.com/trogers1052/governance-service/internal/metrics"
	"github.com/trogers1052/governance-service/internal/models"
	"github.com/trogers1052/governance-service/internal/protection"
	"github.com/trogers1052/governance-service/internal/ratelimit"
	"github.com/trogers1052/governance-service/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// CycleRunner triggers governance cycles.
type CycleRunner interface {
	Run(ctx context.Context) (governance.Result, error)
}

// AuditReader reads audit bundles.
type AuditReader interface {
	Read(ctx context.Context, cycleID string) (models.AuditBundle, error)
	Latest(ctx context.Context) (audit.Latest, error)
}

// OverrideReader returns the verified current snapshot.
type OverrideReader interface {
	Current(ctx context.Context) (models.OverrideSnapshot, error)
}

// ProtectionService is the protection control surface.
type ProtectionService interface {
	Preflight(ctx context.Context) protection.PreflightResult
	Activate(ctx context.Context, positionID string, intent models.ProtectionIntent) (protection.Outcome, error)
	Cancel(ctx context.Context, positionID, reason string) (protection.Outcome, error)
	Reconcile(ctx context.Context, positionIDs []string) (protection.ReconcileResult, error)
}

// TelemetryService ingests and reads trade telemetry.
type TelemetryService interface {
	Ingest(ctx context.Context, rec models.TradeTelemetryRecord) (telemetry.IngestResult, error)
	GetByTradeID(ctx context.Context, tradeID string) (models.TradeTelemetryRecord, error)
	Summarize(ctx context.Context, filter models.TelemetryFilter) (models.TelemetrySummary, error)
}

// HealthCheck reports the reachability of one dependency. A failing required
// check degrades the service status.
type HealthCheck struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) error
}

// Deps holds dependencies for HTTP handlers
type Deps struct {
	Cycle      CycleRunner
	Audit      AuditReader
	Overrides  OverrideReader
	Protection ProtectionService
	Telemetry  TelemetryService
	Limiter    *ratelimit.Limiter
	Metrics    *metrics.Metrics
	Health     []HealthCheck
	// JobSecret authorizes triggers and protection control; ReadSecret
	// additionally authorizes override reads.
	JobSecret  string
	ReadSecret string
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	Deps
	logger zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(deps Deps, logger zerolog.Logger) *Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	return &Handler{
		Deps:   deps,
		logger: logger.With().Str("component", "HTTPAPI").Logger(),
	}
}

type triggerResponse struct {
	governance.Result
	ReasonCode          *string `json:"reasonCode"`
	PendingBatchCycleID *string `json:"pendingBatchCycleId"`
	PendingBatchID      *string `json:"pendingBatchId"`
}

// TriggerCycle handles POST /governance/cycles
func (h *Handler) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	res, err := h.Cycle.Run(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	out := triggerResponse{Result: res, ReasonCode: optional(res.ReasonCode)}
	if res.PendingBatch != nil {
		out.PendingBatchCycleID = &res.PendingBatch.CycleID
		out.PendingBatchID = &res.PendingBatch.BatchID
	}
	respondJSON(w, http.StatusOK, out)
}

// GetLatestCycle handles GET /governance/cycles/latest
func (h *Handler) GetLatestCycle(w http.ResponseWriter, r *http.Request) {
	latest, err := h.Audit.Latest(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cycleId":                latest.CycleID,
		"bundle":                 newBundleView(latest.Bundle),
		"latestCycleId":          latest.State.LatestCycleID,
		"latestCompletedCycleId": latest.State.LatestCompletedCycleID,
	})
}

// GetCycle handles GET /governance/cycles/{cycleId}
func (h *Handler) GetCycle(w http.ResponseWriter, r *http.Request) {
	bundle, err := h.Audit.Read(r.Context(), mux.Vars(r)["cycleId"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newBundleView(bundle))
}

// GetOverrides handles GET /overrides
func (h *Handler) GetOverrides(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Overrides.Current(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, snapshotView{
		Version:   snap.Version,
		UpdatedAt: snap.UpdatedAt,
		CycleID:   snap.CycleID,
		Signature: snap.Signature,
		Patches:   newPatchViews(snap.Patches),
	})
}

// IngestTelemetry handles POST /telemetry
func (h *Handler) IngestTelemetry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, apperr.Validation("malformed_body", "failed to read request body"))
		return
	}
	rec, err := telemetry.Decode(body)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	res, err := h.Telemetry.Ingest(r.Context(), rec)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"stored": res.Stored,
		"key":    res.Key,
	})
}

// GetTrade handles GET /evidence/trades/{tradeId}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Telemetry.GetByTradeID(r.Context(), mux.Vars(r)["tradeId"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newTradeView(rec))
}

// GetEvidenceSummary handles GET /evidence/summary
func (h *Handler) GetEvidenceSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	summary, err := h.Telemetry.Summarize(r.Context(), models.TelemetryFilter{
		Surface:    q.Get("surface"),
		StrategyID: q.Get("strategyId"),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newSummaryView(summary))
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := make(map[string]string, len(h.Health))
	allHealthy := true
	for _, c := range h.Health {
		if c.Check == nil {
			services[c.Name] = "not configured"
			if c.Required {
				allHealthy = false
			}
			continue
		}
		if err := c.Check(ctx); err != nil {
			services[c.Name] = "unhealthy: " + err.Error()
			if c.Required {
				allHealthy = false
			}
			continue
		}
		services[c.Name] = "healthy"
	}

	status := "healthy"
	if !allHealthy {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
