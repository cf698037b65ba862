package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/governance-service/internal/models"
)

// The models keep the snake_case of the stored documents; API responses use
// the camelCase of the request payloads.

type patchView struct {
	StrategyID    string                 `json:"strategyId"`
	Patch         map[string]interface{} `json:"patch"`
	Reason        string                 `json:"reason"`
	Confidence    float64                `json:"confidence"`
	Evidence      []string               `json:"evidence"`
	SourceCycleID string                 `json:"sourceCycleId"`
	DecidedAt     time.Time              `json:"decidedAt"`
}

func newPatchViews(patches []models.OverridePatch) []patchView {
	out := make([]patchView, 0, len(patches))
	for _, p := range patches {
		out = append(out, patchView{
			StrategyID:    p.StrategyID,
			Patch:         p.Patch,
			Reason:        p.Reason,
			Confidence:    p.Confidence,
			Evidence:      p.Evidence,
			SourceCycleID: p.SourceCycleID,
			DecidedAt:     p.DecidedAt,
		})
	}
	return out
}

type snapshotView struct {
	Version   int64       `json:"version"`
	UpdatedAt time.Time   `json:"updatedAt"`
	CycleID   string      `json:"cycleId"`
	Signature string      `json:"signature"`
	Patches   []patchView `json:"patches"`
}

type evidenceView struct {
	StrategyID          string                `json:"strategyId"`
	Trades              int                   `json:"trades"`
	ProfitFactor        float64               `json:"profitFactor"`
	ExpectancyPct       float64               `json:"expectancyPct"`
	MinPositiveFraction float64               `json:"minPositiveFraction"`
	WalkforwardPassRate float64               `json:"walkforwardPassRate"`
	RobustnessBand      models.RobustnessBand `json:"robustnessBand"`
	Recommendation      models.Recommendation `json:"recommendation"`
}

type evidenceRowView struct {
	StrategyID string        `json:"strategyId"`
	Evidence   *evidenceView `json:"evidence"`
	Error      *string       `json:"error"`
	ErrorCode  *string       `json:"errorCode"`
}

type bundleView struct {
	CycleID          string             `json:"cycleId"`
	Status           models.CycleStatus `json:"status"`
	StartedAt        time.Time          `json:"startedAt"`
	FinishedAt       *time.Time         `json:"finishedAt"`
	EvidenceMatrix   []evidenceRowView  `json:"evidenceMatrix"`
	Analysis         json.RawMessage    `json:"analysis"`
	Report           string             `json:"report"`
	AppliedOverrides []patchView        `json:"appliedOverrides"`
	SnapshotVersion  int64              `json:"snapshotVersion"`
	ReasonCode       *string            `json:"reasonCode"`
	Error            *string            `json:"error"`
}

func newBundleView(b models.AuditBundle) bundleView {
	view := bundleView{
		CycleID:          b.CycleID,
		Status:           b.Status,
		StartedAt:        b.StartedAt,
		FinishedAt:       b.FinishedAt,
		EvidenceMatrix:   make([]evidenceRowView, 0, len(b.EvidenceMatrix)),
		Analysis:         b.Analysis,
		Report:           b.Report,
		AppliedOverrides: newPatchViews(b.AppliedOverrides),
		SnapshotVersion:  b.SnapshotVersion,
		ReasonCode:       optional(b.ReasonCode),
		Error:            b.Error,
	}
	if len(view.Analysis) == 0 {
		view.Analysis = json.RawMessage("null")
	}
	for _, row := range b.EvidenceMatrix {
		rv := evidenceRowView{
			StrategyID: row.StrategyID,
			Error:      optional(row.Error),
			ErrorCode:  optional(row.ErrorCode),
		}
		if ev := row.Evidence; ev != nil {
			rv.Evidence = &evidenceView{
				StrategyID:          ev.StrategyID,
				Trades:              ev.Trades,
				ProfitFactor:        ev.ProfitFactor,
				ExpectancyPct:       ev.ExpectancyPct,
				MinPositiveFraction: ev.MinPositiveFraction,
				WalkforwardPassRate: ev.WalkforwardPassRate,
				RobustnessBand:      ev.RobustnessBand,
				Recommendation:      ev.Recommendation,
			}
		}
		view.EvidenceMatrix = append(view.EvidenceMatrix, rv)
	}
	return view
}

type tradeView struct {
	SchemaVersion int                `json:"schemaVersion"`
	PositionID    string             `json:"positionId"`
	InstrumentID  string             `json:"instrumentId"`
	Status        models.TradeStatus `json:"status"`
	TradeID       string             `json:"tradeId"`
	StrategyID    *string            `json:"strategyId"`
	Surface       *string            `json:"surface"`
	EntryAt       *time.Time         `json:"entryAt"`
	ExitAt        *time.Time         `json:"exitAt"`
	PnLAbs        *decimal.Decimal   `json:"pnlAbs"`
	PnLPct        *float64           `json:"pnlPct"`
	SlippageBps   *float64           `json:"slippageBps"`
	SignerMode    *string            `json:"signerMode"`
	TxRefs        []string           `json:"txRefs"`
	ReceivedAt    time.Time          `json:"receivedAt"`
}

func newTradeView(rec models.TradeTelemetryRecord) tradeView {
	tradeID := rec.TradeID
	if tradeID == "" {
		tradeID = rec.PositionID
	}
	txRefs := rec.TxRefs
	if txRefs == nil {
		txRefs = []string{}
	}
	return tradeView{
		SchemaVersion: rec.SchemaVersion,
		PositionID:    rec.PositionID,
		InstrumentID:  rec.InstrumentID,
		Status:        rec.Status,
		TradeID:       tradeID,
		StrategyID:    optional(rec.StrategyID),
		Surface:       optional(rec.Surface),
		EntryAt:       rec.EntryAt,
		ExitAt:        rec.ExitAt,
		PnLAbs:        rec.PnLAbs,
		PnLPct:        rec.PnLPct,
		SlippageBps:   rec.SlippageBps,
		SignerMode:    optional(rec.SignerMode),
		TxRefs:        txRefs,
		ReceivedAt:    rec.ReceivedAt,
	}
}

type summaryView struct {
	Count             int                        `json:"count"`
	MedianSlippageBps *float64                   `json:"medianSlippageBps"`
	P95SlippageBps    *float64                   `json:"p95SlippageBps"`
	ByOutcome         map[models.TradeStatus]int `json:"byOutcome"`
}

func newSummaryView(s models.TelemetrySummary) summaryView {
	byOutcome := s.ByOutcome
	if byOutcome == nil {
		byOutcome = map[models.TradeStatus]int{}
	}
	return summaryView{
		Count:             s.Count,
		MedianSlippageBps: s.MedianSlippageBps,
		P95SlippageBps:    s.P95SlippageBps,
		ByOutcome:         byOutcome,
	}
}

// optional maps the empty string to JSON null.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
