package models

// RobustnessBand summarises sample adequacy and validation stability.
type RobustnessBand string

const (
	BandThin   RobustnessBand = "THIN"
	BandMedium RobustnessBand = "MEDIUM"
	BandRobust RobustnessBand = "ROBUST"
)

// Recommendation is the gate verdict for a strategy.
type Recommendation string

const (
	RecommendPromote             Recommendation = "promote"
	RecommendKeepExperimental    Recommendation = "keep_experimental"
	RecommendDisableExperimental Recommendation = "disable_experimental"
)

// StrategyEvidence is the evaluated evidence record for one strategy.
type StrategyEvidence struct {
	StrategyID          string         `json:"strategy_id"`
	Trades              int            `json:"trades"`
	ProfitFactor        float64        `json:"profit_factor"`
	ExpectancyPct       float64        `json:"expectancy_pct"`
	MinPositiveFraction float64        `json:"min_positive_fraction"`
	WalkforwardPassRate float64        `json:"walkforward_pass_rate"`
	RobustnessBand      RobustnessBand `json:"robustness_band"`
	Recommendation      Recommendation `json:"recommendation"`
}

// EvidenceRow is one row of a cycle's evidence matrix. Exactly one of
// Evidence or Error is set.
type EvidenceRow struct {
	StrategyID string            `json:"strategy_id"`
	Evidence   *StrategyEvidence `json:"evidence,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
}
