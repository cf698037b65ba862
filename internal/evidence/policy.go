package evidence

import (
	"fmt"

	"github.com/trogers1052/governance-service/internal/models"
)

// BandPolicy holds the robustness band cutoffs. The band is observability
// only and never gates promotion.
type BandPolicy struct {
	// ThinMaxTrades: fewer trades than this is THIN.
	ThinMaxTrades int `json:"thin_max_trades"`
	// RobustMinTrades and RobustMinPassRate must both hold for ROBUST.
	RobustMinTrades   int     `json:"robust_min_trades"`
	RobustMinPassRate float64 `json:"robust_min_pass_rate"`
}

// Policy is the two-stage gate applied to strategy evidence.
type Policy struct {
	MinTrades              int        `json:"min_trades"`
	MinProfitFactor        float64    `json:"min_profit_factor"`     // promotion requires PF strictly above this
	DisableProfitFactor    float64    `json:"disable_profit_factor"` // PF strictly below this disables
	MinPositiveFraction    float64    `json:"min_positive_fraction"`
	MinWalkforwardPassRate float64    `json:"min_walkforward_pass_rate"`
	Band                   BandPolicy `json:"band"`
}

// DefaultPolicy returns the production gate.
func DefaultPolicy() Policy {
	return Policy{
		MinTrades:              100,
		MinProfitFactor:        1.15,
		DisableProfitFactor:    1.0,
		MinPositiveFraction:    0.70,
		MinWalkforwardPassRate: 0.60,
		Band: BandPolicy{
			ThinMaxTrades:     30,
			RobustMinTrades:   75,
			RobustMinPassRate: 0.50,
		},
	}
}

// Criterion is one gate check, kept for the audit report.
type Criterion struct {
	Name      string `json:"name"`
	Threshold string `json:"threshold"`
	Actual    string `json:"actual"`
	Pass      bool   `json:"pass"`
}

// Disabled reports whether the disable test fires.
func (p Policy) Disabled(pf, expectancyPct float64) bool {
	return pf < p.DisableProfitFactor || expectancyPct < 0
}

// PromotionCriteria evaluates the five promotion checks.
func (p Policy) PromotionCriteria(ev models.StrategyEvidence) []Criterion {
	return []Criterion{
		{
			Name:      "Sample size",
			Threshold: fmt.Sprintf(">= %d trades", p.MinTrades),
			Actual:    fmt.Sprintf("%d", ev.Trades),
			Pass:      ev.Trades >= p.MinTrades,
		},
		{
			Name:      "Profit factor",
			Threshold: fmt.Sprintf("> %.2f", p.MinProfitFactor),
			Actual:    fmt.Sprintf("%.2f", ev.ProfitFactor),
			Pass:      ev.ProfitFactor > p.MinProfitFactor,
		},
		{
			Name:      "Expectancy",
			Threshold: "> 0%",
			Actual:    fmt.Sprintf("%.2f%%", ev.ExpectancyPct),
			Pass:      ev.ExpectancyPct > 0,
		},
		{
			Name:      "Min positive fraction",
			Threshold: fmt.Sprintf(">= %.2f", p.MinPositiveFraction),
			Actual:    fmt.Sprintf("%.3f", ev.MinPositiveFraction),
			Pass:      ev.MinPositiveFraction >= p.MinPositiveFraction,
		},
		{
			Name:      "Walk-forward pass rate",
			Threshold: fmt.Sprintf(">= %.2f", p.MinWalkforwardPassRate),
			Actual:    fmt.Sprintf("%.2f", ev.WalkforwardPassRate),
			Pass:      ev.WalkforwardPassRate >= p.MinWalkforwardPassRate,
		},
	}
}

// Recommend applies the disable test, then the promotion gate.
func (p Policy) Recommend(ev models.StrategyEvidence) models.Recommendation {
	if p.Disabled(ev.ProfitFactor, ev.ExpectancyPct) {
		return models.RecommendDisableExperimental
	}
	for _, c := range p.PromotionCriteria(ev) {
		if !c.Pass {
			return models.RecommendKeepExperimental
		}
	}
	return models.RecommendPromote
}

// RobustnessBand derives the band from sample size and walk-forward pass rate.
func (p Policy) RobustnessBand(trades int, walkforwardPassRate float64) models.RobustnessBand {
	switch {
	case trades < p.Band.ThinMaxTrades:
		return models.BandThin
	case trades >= p.Band.RobustMinTrades && walkforwardPassRate >= p.Band.RobustMinPassRate:
		return models.BandRobust
	default:
		return models.BandMedium
	}
}

// Classify fills in band and recommendation from the numeric fields.
func (p Policy) Classify(ev models.StrategyEvidence) models.StrategyEvidence {
	ev.RobustnessBand = p.RobustnessBand(ev.Trades, ev.WalkforwardPassRate)
	ev.Recommendation = p.Recommend(ev)
	return ev
}
