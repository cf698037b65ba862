package governance

import (
	"fmt"
	"math"
	"time"

	"github.com/trogers1052/governance-service/internal/evidence"
	"github.com/trogers1052/governance-service/internal/models"
)

// Patch status values written to the "status" key of a strategy patch.
const (
	StatusPromoted = "promoted"
	StatusDisabled = "disabled"
)

// targetStatus maps a recommendation to the patch it implies. keep_experimental
// implies no patch.
func targetStatus(rec models.Recommendation) (string, bool) {
	switch rec {
	case models.RecommendPromote:
		return StatusPromoted, true
	case models.RecommendDisableExperimental:
		return StatusDisabled, true
	default:
		return "", false
	}
}

// buildPatches turns evaluated evidence into patches, skipping strategies whose
// published status already matches the recommendation.
func buildPatches(cycleID string, decidedAt time.Time, policy evidence.Policy, rows []models.EvidenceRow, prior models.OverrideSnapshot) []models.OverridePatch {
	var patches []models.OverridePatch
	for _, row := range rows {
		if row.Evidence == nil {
			continue
		}
		ev := *row.Evidence
		status, ok := targetStatus(ev.Recommendation)
		if !ok {
			continue
		}
		if existing, found := prior.PatchFor(ev.StrategyID); found && existing.Patch["status"] == status {
			continue
		}

		patches = append(patches, models.OverridePatch{
			StrategyID: ev.StrategyID,
			Patch: map[string]interface{}{
				"status":  status,
				"enabled": status == StatusPromoted,
			},
			Reason:     reason(policy, ev),
			Confidence: confidence(policy, ev),
			Evidence: []string{
				fmt.Sprintf("audit:%s/%s", cycleID, ev.StrategyID),
				fmt.Sprintf("band:%s", ev.RobustnessBand),
				fmt.Sprintf("trades:%d", ev.Trades),
			},
			SourceCycleID: cycleID,
			DecidedAt:     decidedAt,
		})
	}
	return patches
}

func reason(policy evidence.Policy, ev models.StrategyEvidence) string {
	if ev.Recommendation == models.RecommendDisableExperimental {
		return fmt.Sprintf("disable test fired: profit factor %.2f (min %.2f), expectancy %.2f%%",
			ev.ProfitFactor, policy.DisableProfitFactor, ev.ExpectancyPct)
	}
	return fmt.Sprintf("promotion gate passed: %d trades, profit factor %.2f, expectancy %.2f%%, walk-forward %.2f",
		ev.Trades, ev.ProfitFactor, ev.ExpectancyPct, ev.WalkforwardPassRate)
}

// confidence blends sample adequacy with how decisively the evidence clears
// the relevant threshold, clamped to [0,1] and rounded to two places.
func confidence(policy evidence.Policy, ev models.StrategyEvidence) float64 {
	sample := 1.0
	if policy.MinTrades > 0 {
		sample = clamp01(float64(ev.Trades) / float64(2*policy.MinTrades))
	}

	var strength float64
	if ev.Recommendation == models.RecommendDisableExperimental {
		strength = 0.5
		if ev.ProfitFactor < policy.DisableProfitFactor && ev.ExpectancyPct < 0 {
			strength = 1
		}
	} else {
		strength = (clamp01(ev.WalkforwardPassRate) + clamp01(ev.MinPositiveFraction)) / 2
	}

	return math.Round(clamp01(0.5*sample+0.5*strength)*100) / 100
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
