package evidence

import (
	"fmt"
	"strings"

	"github.com/trogers1052/governance-service/internal/models"
)

// RenderReport renders a cycle's evidence matrix as a Markdown gate report.
func RenderReport(cycleID string, policy Policy, rows []models.EvidenceRow) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Governance Cycle %s\n\n", cycleID))

	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Strategy | Trades | PF | Expectancy | Min+ | WF pass | Band | Recommendation |\n")
	sb.WriteString("|----------|--------|----|------------|------|---------|------|----------------|\n")
	counts := map[models.Recommendation]int{}
	failed := 0
	for _, row := range rows {
		if row.Evidence == nil {
			failed++
			sb.WriteString(fmt.Sprintf("| %s | - | - | - | - | - | - | ERROR: %s |\n", row.StrategyID, row.Error))
			continue
		}
		ev := row.Evidence
		counts[ev.Recommendation]++
		sb.WriteString(fmt.Sprintf("| %s | %d | %.2f | %.2f%% | %.3f | %.2f | %s | %s |\n",
			ev.StrategyID, ev.Trades, ev.ProfitFactor, ev.ExpectancyPct,
			ev.MinPositiveFraction, ev.WalkforwardPassRate, ev.RobustnessBand, ev.Recommendation))
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("promote: %d, keep_experimental: %d, disable_experimental: %d, errors: %d\n\n",
		counts[models.RecommendPromote], counts[models.RecommendKeepExperimental],
		counts[models.RecommendDisableExperimental], failed))

	for _, row := range rows {
		if row.Evidence == nil {
			continue
		}
		ev := *row.Evidence
		sb.WriteString(fmt.Sprintf("## %s\n\n", ev.StrategyID))
		if policy.Disabled(ev.ProfitFactor, ev.ExpectancyPct) {
			sb.WriteString(fmt.Sprintf("Disable test fired: PF %.2f (< %.2f) or expectancy %.2f%% (< 0).\n\n",
				ev.ProfitFactor, policy.DisableProfitFactor, ev.ExpectancyPct))
		}
		sb.WriteString("| # | Criterion | Threshold | Actual | Pass |\n")
		sb.WriteString("|---|-----------|-----------|--------|------|\n")
		for i, c := range policy.PromotionCriteria(ev) {
			passStr := "PASS"
			if !c.Pass {
				passStr = "FAIL"
			}
			sb.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s |\n", i+1, c.Name, c.Threshold, c.Actual, passStr))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
