// Package evidence turns raw strategy counters into gated evidence records.
package evidence

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/metrics"
	"github.com/trogers1052/governance-service/internal/models"
	"github.com/trogers1052/governance-service/internal/retry"
)

// Counters are the raw statistics reported by the backtest/telemetry
// collaborators. Nil means the provider did not report the counter.
type Counters struct {
	Trades              *int     `json:"trades"`
	ProfitFactor        *float64 `json:"profit_factor"`
	ExpectancyPct       *float64 `json:"expectancy_pct"`
	MinPositiveFraction *float64 `json:"min_positive_fraction"`
	WalkforwardPassRate *float64 `json:"walkforward_pass_rate"`
}

// Source fetches counters for a strategy.
type Source interface {
	Counters(ctx context.Context, strategyID string) (Counters, error)
}

// Aggregator evaluates strategies against the gate policy.
type Aggregator struct {
	source  Source
	policy  Policy
	retry   retry.Policy
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(source Source, policy Policy, rp retry.Policy, m *metrics.Metrics, logger zerolog.Logger) *Aggregator {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Aggregator{
		source:  source,
		policy:  policy,
		retry:   rp,
		metrics: m,
		logger:  logger.With().Str("component", "EvidenceAggregator").Logger(),
	}
}

// Policy returns the gate policy in use.
func (a *Aggregator) Policy() Policy {
	return a.policy
}

// Evaluate fetches counters for strategyID and applies the gate policy.
// Missing or non-finite counters yield a data_incomplete validation error;
// provider failures surface as upstream errors once the retry budget is spent.
func (a *Aggregator) Evaluate(ctx context.Context, strategyID string) (models.StrategyEvidence, error) {
	if strategyID == "" {
		return models.StrategyEvidence{}, apperr.Validation("invalid_strategy", "strategy id is required", "strategy_id")
	}

	var c Counters
	err := retry.Do(ctx, a.retry, "evidence_provider_unavailable", func(ctx context.Context) error {
		var err error
		c, err = a.source.Counters(ctx, strategyID)
		return err
	})
	if err != nil {
		a.metrics.EvidenceErrors.WithLabelValues(codeOrKind(err)).Inc()
		return models.StrategyEvidence{}, fmt.Errorf("fetching counters for %s: %w", strategyID, err)
	}

	ev, err := a.FromCounters(strategyID, c)
	if err != nil {
		a.metrics.EvidenceErrors.WithLabelValues(codeOrKind(err)).Inc()
		return models.StrategyEvidence{}, err
	}

	a.metrics.StrategyVerdicts.WithLabelValues(string(ev.Recommendation), string(ev.RobustnessBand)).Inc()
	a.logger.Debug().
		Str("strategy_id", strategyID).
		Int("trades", ev.Trades).
		Float64("profit_factor", ev.ProfitFactor).
		Str("recommendation", string(ev.Recommendation)).
		Str("band", string(ev.RobustnessBand)).
		Msg("evidence evaluated")
	return ev, nil
}

// FromCounters validates raw counters and classifies them.
func (a *Aggregator) FromCounters(strategyID string, c Counters) (models.StrategyEvidence, error) {
	var missing []string
	if c.Trades == nil || *c.Trades < 0 {
		missing = append(missing, "trades")
	}
	checkFloat := func(name string, v *float64) {
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			missing = append(missing, name)
		}
	}
	checkFloat("profit_factor", c.ProfitFactor)
	checkFloat("expectancy_pct", c.ExpectancyPct)
	checkFloat("min_positive_fraction", c.MinPositiveFraction)
	checkFloat("walkforward_pass_rate", c.WalkforwardPassRate)
	if len(missing) > 0 {
		return models.StrategyEvidence{}, apperr.DataIncomplete(strategyID, missing...)
	}

	return a.policy.Classify(models.StrategyEvidence{
		StrategyID:          strategyID,
		Trades:              *c.Trades,
		ProfitFactor:        *c.ProfitFactor,
		ExpectancyPct:       *c.ExpectancyPct,
		MinPositiveFraction: *c.MinPositiveFraction,
		WalkforwardPassRate: *c.WalkforwardPassRate,
	}), nil
}

func codeOrKind(err error) string {
	if code := apperr.CodeOf(err); code != "" {
		return code
	}
	return apperr.KindOf(err).String()
}
