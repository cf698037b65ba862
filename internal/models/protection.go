package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProtectionStatus is the state of a position's protective order pair.
type ProtectionStatus string

const (
	ProtectionNone      ProtectionStatus = "none"
	ProtectionPending   ProtectionStatus = "pending"
	ProtectionActive    ProtectionStatus = "active"
	ProtectionCancelled ProtectionStatus = "cancelled"
	ProtectionError     ProtectionStatus = "error"
)

// ProtectionIntent is the locally recorded risk intent for an open position.
type ProtectionIntent struct {
	InstrumentID    string          `json:"instrument_id"`
	Side            string          `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	// Closed is set once the position is closed and protection must be removed.
	Closed bool `json:"closed"`
}

// ProtectionRecord tracks venue-side protection for one position.
type ProtectionRecord struct {
	PositionID string           `json:"position_id"`
	Provider   string           `json:"provider"`
	Status     ProtectionStatus `json:"status"`
	TPOrderKey string           `json:"tp_order_key,omitempty"`
	SLOrderKey string           `json:"sl_order_key,omitempty"`
	Intent     ProtectionIntent `json:"intent"`
	LastError  string           `json:"last_error,omitempty"`
	// Rejected marks a permanent venue rejection; periodic passes skip it.
	Rejected         bool       `json:"rejected,omitempty"`
	RetryAttempts    int        `json:"retry_attempts"`
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Clone returns a copy safe to hand to callers.
func (r ProtectionRecord) Clone() ProtectionRecord {
	out := r
	if r.LastReconciledAt != nil {
		t := *r.LastReconciledAt
		out.LastReconciledAt = &t
	}
	return out
}
