package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/models"
)

// envelope is decoded first to select the schema.
type envelope struct {
	SchemaVersion *int `json:"schemaVersion"`
}

// recordV1 is the wire shape of schema version 1.
type recordV1 struct {
	SchemaVersion int              `json:"schemaVersion"`
	PositionID    string           `json:"positionId"`
	InstrumentID  string           `json:"instrumentId"`
	Mint          string           `json:"mint"`
	Status        string           `json:"status"`
	TradeID       string           `json:"tradeId"`
	StrategyID    string           `json:"strategyId"`
	Surface       string           `json:"surface"`
	EntryAt       *time.Time       `json:"entryAt"`
	ExitAt        *time.Time       `json:"exitAt"`
	PnLAbs        *decimal.Decimal `json:"pnlAbs"`
	PnLPct        *float64         `json:"pnlPct"`
	SlippageBps   *float64         `json:"slippageBps"`
	SignerMode    string           `json:"signerMode"`
	TxRefs        []string         `json:"txRefs"`
}

// Decode parses a telemetry payload. The schema version selects the wire
// shape; unknown versions and unknown fields are rejected rather than coerced.
func Decode(data []byte) (models.TradeTelemetryRecord, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.TradeTelemetryRecord{}, apperr.Validation("malformed_body", fmt.Sprintf("invalid JSON: %v", err))
	}
	if env.SchemaVersion == nil {
		return models.TradeTelemetryRecord{}, apperr.Validation("missing_schema_version", "schemaVersion is required", "schemaVersion")
	}

	switch *env.SchemaVersion {
	case models.TelemetrySchemaVersion:
		return decodeV1(data)
	default:
		return models.TradeTelemetryRecord{}, apperr.Validation("unsupported_schema_version",
			fmt.Sprintf("schemaVersion %d is not supported", *env.SchemaVersion), "schemaVersion")
	}
}

func decodeV1(data []byte) (models.TradeTelemetryRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w recordV1
	if err := dec.Decode(&w); err != nil {
		return models.TradeTelemetryRecord{}, apperr.Validation("malformed_body", fmt.Sprintf("invalid telemetry record: %v", err))
	}

	instrument := w.InstrumentID
	if instrument == "" {
		instrument = w.Mint
	}
	return models.TradeTelemetryRecord{
		SchemaVersion: w.SchemaVersion,
		PositionID:    w.PositionID,
		InstrumentID:  instrument,
		Status:        models.TradeStatus(w.Status),
		TradeID:       w.TradeID,
		StrategyID:    w.StrategyID,
		Surface:       w.Surface,
		EntryAt:       w.EntryAt,
		ExitAt:        w.ExitAt,
		PnLAbs:        w.PnLAbs,
		PnLPct:        w.PnLPct,
		SlippageBps:   w.SlippageBps,
		SignerMode:    w.SignerMode,
		TxRefs:        w.TxRefs,
	}, nil
}
