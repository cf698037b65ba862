// Package telemetry records terminal trade outcomes and aggregates them for
// audit and observability.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/metrics"
	"github.com/trogers1052/governance-service/internal/models"
)

// Repository persists telemetry records.
type Repository interface {
	// Insert stores rec unless a record with the same key exists.
	Insert(ctx context.Context, rec models.TradeTelemetryRecord) (inserted bool, err error)
	ByTradeID(ctx context.Context, tradeID string) (rec models.TradeTelemetryRecord, ok bool, err error)
	List(ctx context.Context, filter models.TelemetryFilter) ([]models.TradeTelemetryRecord, error)
}

// IngestResult is returned by Ingest.
type IngestResult struct {
	Stored bool   `json:"stored"`
	Key    string `json:"key"`
}

// Service ingests and summarizes telemetry.
type Service struct {
	repo    Repository
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewService creates a telemetry service.
func NewService(repo Repository, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		repo:    repo,
		metrics: m,
		logger:  logger.With().Str("component", "TelemetryIngest").Logger(),
		now:     time.Now,
	}
}

// Validate checks a record before it is stored.
func Validate(rec models.TradeTelemetryRecord) error {
	if rec.SchemaVersion != models.TelemetrySchemaVersion {
		return apperr.Validation("unsupported_schema_version",
			fmt.Sprintf("schemaVersion %d is not supported", rec.SchemaVersion), "schemaVersion")
	}

	var fields []string
	if strings.TrimSpace(rec.PositionID) == "" {
		fields = append(fields, "positionId")
	}
	if strings.TrimSpace(rec.InstrumentID) == "" {
		fields = append(fields, "instrumentId")
	}
	if !rec.Status.Valid() {
		fields = append(fields, "status")
	}
	if rec.SlippageBps != nil && (math.IsNaN(*rec.SlippageBps) || math.IsInf(*rec.SlippageBps, 0)) {
		fields = append(fields, "slippageBps")
	}
	if rec.PnLPct != nil && (math.IsNaN(*rec.PnLPct) || math.IsInf(*rec.PnLPct, 0)) {
		fields = append(fields, "pnlPct")
	}
	if rec.EntryAt != nil && rec.ExitAt != nil && rec.ExitAt.Before(*rec.EntryAt) {
		fields = append(fields, "exitAt")
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid_telemetry", "telemetry record failed validation", fields...)
	}
	return nil
}

// Ingest validates and stores rec. A duplicate (same position and status)
// is not an error: it reports Stored=false with the same key.
func (s *Service) Ingest(ctx context.Context, rec models.TradeTelemetryRecord) (IngestResult, error) {
	if err := Validate(rec); err != nil {
		s.metrics.TelemetryIngested.WithLabelValues("invalid").Inc()
		return IngestResult{}, err
	}
	if rec.TradeID == "" {
		rec.TradeID = rec.PositionID
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = s.now().UTC()
	}

	key := rec.Key()
	inserted, err := s.repo.Insert(ctx, rec)
	if err != nil {
		s.metrics.TelemetryIngested.WithLabelValues("error").Inc()
		return IngestResult{}, fmt.Errorf("failed to store telemetry %s: %w", key, err)
	}

	if inserted {
		s.metrics.TelemetryIngested.WithLabelValues("stored").Inc()
		s.logger.Debug().Str("key", key).Str("strategy_id", rec.StrategyID).Msg("telemetry stored")
	} else {
		s.metrics.TelemetryIngested.WithLabelValues("duplicate").Inc()
	}
	return IngestResult{Stored: inserted, Key: key}, nil
}

// GetByTradeID returns the record for tradeID.
func (s *Service) GetByTradeID(ctx context.Context, tradeID string) (models.TradeTelemetryRecord, error) {
	if strings.TrimSpace(tradeID) == "" {
		return models.TradeTelemetryRecord{}, apperr.Validation("invalid_trade_id", "trade id is required", "tradeId")
	}
	rec, ok, err := s.repo.ByTradeID(ctx, tradeID)
	if err != nil {
		return models.TradeTelemetryRecord{}, fmt.Errorf("failed to read trade %s: %w", tradeID, err)
	}
	if !ok {
		return models.TradeTelemetryRecord{}, apperr.NotFound("trade", tradeID)
	}
	return rec, nil
}

// Summarize aggregates the records matching filter.
func (s *Service) Summarize(ctx context.Context, filter models.TelemetryFilter) (models.TelemetrySummary, error) {
	recs, err := s.repo.List(ctx, filter)
	if err != nil {
		return models.TelemetrySummary{}, fmt.Errorf("failed to list telemetry: %w", err)
	}
	return Summarize(recs), nil
}

// Summarize computes the summary of recs.
func Summarize(recs []models.TradeTelemetryRecord) models.TelemetrySummary {
	summary := models.TelemetrySummary{
		Count:     len(recs),
		ByOutcome: make(map[models.TradeStatus]int, len(models.TradeStatuses)),
	}
	for _, st := range models.TradeStatuses {
		summary.ByOutcome[st] = 0
	}

	var slippage []float64
	for _, r := range recs {
		summary.ByOutcome[r.Status]++
		if r.SlippageBps != nil {
			slippage = append(slippage, *r.SlippageBps)
		}
	}
	if len(slippage) > 0 {
		sort.Float64s(slippage)
		median := percentile(slippage, 0.50)
		p95 := percentile(slippage, 0.95)
		summary.MedianSlippageBps = &median
		summary.P95SlippageBps = &p95
	}
	return summary
}

// percentile interpolates linearly between closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	idx := p * float64(n-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}
	frac := idx - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
