package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TelemetrySchemaVersion is the only accepted telemetry schema version.
const TelemetrySchemaVersion = 1

// TradeStatus is the terminal outcome of a trade.
type TradeStatus string

const (
	TradeTPHit     TradeStatus = "tp_hit"
	TradeSLHit     TradeStatus = "sl_hit"
	TradeTrailStop TradeStatus = "trail_stop"
	TradeExpired   TradeStatus = "expired"
	TradeClosed    TradeStatus = "closed"
)

// TradeStatuses lists the known statuses in reporting order.
var TradeStatuses = []TradeStatus{TradeTPHit, TradeSLHit, TradeTrailStop, TradeExpired, TradeClosed}

// Valid reports whether s is a known status.
func (s TradeStatus) Valid() bool {
	for _, known := range TradeStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// TradeTelemetryRecord is the terminal outcome of one position.
type TradeTelemetryRecord struct {
	SchemaVersion int              `json:"schema_version"`
	PositionID    string           `json:"position_id"`
	InstrumentID  string           `json:"instrument_id"`
	Status        TradeStatus      `json:"status"`
	TradeID       string           `json:"trade_id,omitempty"`
	StrategyID    string           `json:"strategy_id,omitempty"`
	Surface       string           `json:"surface,omitempty"`
	EntryAt       *time.Time       `json:"entry_at,omitempty"`
	ExitAt        *time.Time       `json:"exit_at,omitempty"`
	PnLAbs        *decimal.Decimal `json:"pnl_abs,omitempty"`
	PnLPct        *float64         `json:"pnl_pct,omitempty"`
	SlippageBps   *float64         `json:"slippage_bps,omitempty"`
	SignerMode    string           `json:"signer_mode,omitempty"`
	TxRefs        []string         `json:"tx_refs,omitempty"`
	ReceivedAt    time.Time        `json:"received_at"`
}

// Key is the dedup key of the record.
func (r TradeTelemetryRecord) Key() string {
	return r.PositionID + ":" + string(r.Status)
}

// TelemetryFilter narrows a summary query.
type TelemetryFilter struct {
	Surface    string `json:"surface,omitempty"`
	StrategyID string `json:"strategy_id,omitempty"`
}

// TelemetrySummary is the read-side aggregate over telemetry records.
type TelemetrySummary struct {
	Count             int                 `json:"count"`
	MedianSlippageBps *float64            `json:"median_slippage_bps"`
	P95SlippageBps    *float64            `json:"p95_slippage_bps"`
	ByOutcome         map[TradeStatus]int `json:"by_outcome"`
}
