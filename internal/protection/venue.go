package protection

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderKind identifies one leg of a protective pair.
type OrderKind string

const (
	TakeProfit OrderKind = "take_profit"
	StopLoss   OrderKind = "stop_loss"
)

// suffix is appended to the position id to form a leg's client order id.
func (k OrderKind) suffix() string {
	if k == TakeProfit {
		return "TP"
	}
	return "SL"
}

// ClientOrderID is the deterministic client id of a leg, so a retried place
// after a lost response cannot create a second order at the venue.
func ClientOrderID(positionID string, kind OrderKind) string {
	return positionID + "-" + kind.suffix()
}

// OrderRequest places one protective leg.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	PositionID    string          `json:"position_id"`
	InstrumentID  string          `json:"instrument_id"`
	Kind          OrderKind       `json:"kind"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	TriggerPrice  decimal.Decimal `json:"trigger_price"`
}

// VenueOrder is a venue-confirmed open protective order.
type VenueOrder struct {
	Key          string          `json:"key"`
	PositionID   string          `json:"position_id"`
	Kind         OrderKind       `json:"kind"`
	Quantity     decimal.Decimal `json:"quantity"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
}

// Venue is the order-routing adapter. Errors follow apperr: permanent
// rejections are marked Permanent, everything else is treated as transient.
type Venue interface {
	Provider() string
	Ping(ctx context.Context) error
	OpenOrders(ctx context.Context, positionID string) ([]VenueOrder, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (key string, err error)
	// CancelOrder must succeed for orders that are already gone.
	CancelOrder(ctx context.Context, positionID, key string) error
}
