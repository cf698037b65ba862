package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/trogers1052/governance-service/internal/models"
)

// TelemetryRepository stores trade outcomes in trade_telemetry, keyed by
// position and status.
type TelemetryRepository struct {
	db *DB
}

// NewTelemetryRepository creates the repository.
func NewTelemetryRepository(db *DB) *TelemetryRepository {
	return &TelemetryRepository{db: db}
}

// Insert stores rec. An existing key wins and reports inserted=false.
func (r *TelemetryRepository) Insert(ctx context.Context, rec models.TradeTelemetryRecord) (bool, error) {
	doc, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode telemetry: %w", err)
	}

	var slippage sql.NullFloat64
	if rec.SlippageBps != nil {
		slippage = sql.NullFloat64{Float64: *rec.SlippageBps, Valid: true}
	}

	query := `
		INSERT INTO trade_telemetry (
			key, trade_id, position_id, instrument_id, status,
			strategy_id, surface, slippage_bps, document, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key) DO NOTHING
	`
	res, err := r.db.conn.ExecContext(ctx, query,
		rec.Key(), rec.TradeID, rec.PositionID, rec.InstrumentID, string(rec.Status),
		rec.StrategyID, rec.Surface, slippage, doc, rec.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert telemetry %s: %w", rec.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert telemetry %s: %w", rec.Key(), err)
	}
	return n > 0, nil
}

// ByTradeID returns the most recently received record for tradeID.
func (r *TelemetryRepository) ByTradeID(ctx context.Context, tradeID string) (models.TradeTelemetryRecord, bool, error) {
	var doc []byte
	err := r.db.conn.QueryRowContext(ctx, `
		SELECT document FROM trade_telemetry
		WHERE trade_id = $1
		ORDER BY received_at DESC
		LIMIT 1
	`, tradeID).Scan(&doc)
	if err == sql.ErrNoRows {
		return models.TradeTelemetryRecord{}, false, nil
	}
	if err != nil {
		return models.TradeTelemetryRecord{}, false, fmt.Errorf("failed to get trade %s: %w", tradeID, err)
	}

	var rec models.TradeTelemetryRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return models.TradeTelemetryRecord{}, false, fmt.Errorf("failed to decode trade %s: %w", tradeID, err)
	}
	return rec, true, nil
}

// List returns records matching filter ordered by receipt time.
func (r *TelemetryRepository) List(ctx context.Context, filter models.TelemetryFilter) ([]models.TradeTelemetryRecord, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT document FROM trade_telemetry
		WHERE ($1 = '' OR surface = $1)
		  AND ($2 = '' OR strategy_id = $2)
		ORDER BY received_at, key
	`, filter.Surface, filter.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list telemetry: %w", err)
	}
	defer rows.Close()

	var out []models.TradeTelemetryRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry: %w", err)
		}
		var rec models.TradeTelemetryRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode telemetry: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
