// Package metrics provides Prometheus metrics for monitoring.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "governance"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Governance cycle
	CyclesTotal       *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	StrategyVerdicts  *prometheus.CounterVec
	EvidenceErrors    *prometheus.CounterVec
	PatchesPublished  prometheus.Counter
	SnapshotVersion   prometheus.Gauge
	CASConflicts      prometheus.Counter
	SignatureFailures prometheus.Counter
	CycleStaleTotal   prometheus.Counter

	// Protection reconciler
	ProtectionOps     *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	VenueCallLatency  *prometheus.HistogramVec
	RetryPassesQueued prometheus.Counter

	// Telemetry
	TelemetryIngested *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	RateLimited  prometheus.Counter
}

// New creates a Metrics instance registered on reg. Passing nil uses a fresh
// registry so tests never collide on the global one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "runs_total",
			Help:      "Governance cycle runs by terminal state and reason code",
		}, []string{"state", "reason"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Duration of governance cycle executions",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		StrategyVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evidence",
			Name:      "verdicts_total",
			Help:      "Gate verdicts by recommendation and robustness band",
		}, []string{"recommendation", "band"}),
		EvidenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evidence",
			Name:      "errors_total",
			Help:      "Evidence evaluation failures by error code",
		}, []string{"code"}),
		PatchesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overrides",
			Name:      "patches_published_total",
			Help:      "Override patches published in snapshots",
		}),
		SnapshotVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "overrides",
			Name:      "snapshot_version",
			Help:      "Version of the current override snapshot",
		}),
		CASConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overrides",
			Name:      "cas_conflicts_total",
			Help:      "Lost compare-and-swap attempts on the override snapshot",
		}),
		SignatureFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overrides",
			Name:      "signature_failures_total",
			Help:      "Snapshots rejected because signature verification failed",
		}),
		CycleStaleTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "stale_total",
			Help:      "Cycles still running at their deadline",
		}),

		ProtectionOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protection",
			Name:      "operations_total",
			Help:      "Protection operations by action and resulting status",
		}, []string{"action", "status"}),
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "protection",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconcile passes",
			Buckets:   prometheus.DefBuckets,
		}),
		VenueCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "protection",
			Name:      "venue_call_seconds",
			Help:      "Latency of venue calls by operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		RetryPassesQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protection",
			Name:      "retry_passes_queued_total",
			Help:      "Reconcile retry passes scheduled after transient venue errors",
		}),

		TelemetryIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "ingested_total",
			Help:      "Telemetry ingest calls by result",
		}, []string{"result"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by admission control",
		}),
	}
}

// Handler returns the HTTP handler exposing these metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
