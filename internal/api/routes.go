package api

import (
	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.instrument)

	// Health check and metrics
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.Handle("/metrics", h.Metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(h.rateLimit)

	// Governance cycle routes
	api.HandleFunc("/governance/cycles", h.requireToken(h.TriggerCycle, h.JobSecret)).Methods("POST")
	api.HandleFunc("/governance/cycles/latest", h.GetLatestCycle).Methods("GET")
	api.HandleFunc("/governance/cycles/{cycleId}", h.GetCycle).Methods("GET")

	// Override snapshot
	api.HandleFunc("/overrides", h.requireToken(h.GetOverrides, h.ReadSecret, h.JobSecret)).Methods("GET")

	// Protection control
	api.HandleFunc("/protection", h.requireToken(h.ControlProtection, h.JobSecret)).Methods("POST")

	// Telemetry and evidence
	api.HandleFunc("/telemetry", h.IngestTelemetry).Methods("POST")
	api.HandleFunc("/evidence/trades/{tradeId}", h.GetTrade).Methods("GET")
	api.HandleFunc("/evidence/summary", h.GetEvidenceSummary).Methods("GET")

	return r
}
