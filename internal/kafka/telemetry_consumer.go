package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/governance-service/internal/apperr"
	"github.com/trogers1052/governance-service/internal/models"
	"github.com/trogers1052/governance-service/internal/protection"
	"github.com/trogers1052/governance-service/internal/telemetry"
)

// Ingester stores decoded telemetry records.
type Ingester interface {
	Ingest(ctx context.Context, rec models.TradeTelemetryRecord) (telemetry.IngestResult, error)
}

// ProtectionCanceller removes protective orders of a closed position.
type ProtectionCanceller interface {
	Cancel(ctx context.Context, positionID, reason string) (protection.Outcome, error)
}

// TelemetryConsumer ingests terminal trade outcomes published by the
// execution engine. Every outcome means the position is closed, so its
// protection is cancelled as well.
type TelemetryConsumer struct {
	reader    messageReader
	ingester  Ingester
	canceller ProtectionCanceller
	logger    zerolog.Logger
}

// NewTelemetryConsumer creates a consumer for trade outcome events.
// canceller may be nil.
func NewTelemetryConsumer(brokers []string, topic, groupID string, ingester Ingester, canceller ProtectionCanceller, logger zerolog.Logger) *TelemetryConsumer {
	return &TelemetryConsumer{
		reader:    newReader(brokers, topic, groupID+"-telemetry", kafka.FirstOffset),
		ingester:  ingester,
		canceller: canceller,
		logger:    logger.With().Str("component", "TelemetryConsumer").Logger(),
	}
}

// Start consumes until ctx is cancelled.
func (c *TelemetryConsumer) Start(ctx context.Context) error {
	return consume(ctx, c.reader, c.logger, func(msg kafka.Message) error {
		return c.processMessage(ctx, msg)
	})
}

func (c *TelemetryConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	rec, err := telemetry.Decode(msg.Value)
	if err != nil {
		return fmt.Errorf("failed to decode telemetry: %w", err)
	}

	res, err := c.ingester.Ingest(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to ingest telemetry for %s: %w", rec.PositionID, err)
	}
	if !res.Stored {
		c.logger.Debug().Str("key", res.Key).Msg("duplicate telemetry ignored")
		return nil
	}

	if c.canceller == nil {
		return nil
	}
	out, err := c.canceller.Cancel(ctx, rec.PositionID, "trade_"+string(rec.Status))
	if err != nil && !errors.Is(err, apperr.ErrValidation) {
		return fmt.Errorf("failed to cancel protection for %s: %w", rec.PositionID, err)
	}
	c.logger.Info().
		Str("position_id", rec.PositionID).
		Str("status", string(rec.Status)).
		Str("protection", string(out.Status)).
		Msg("trade outcome recorded")
	return nil
}

// Close closes the Kafka consumer
func (c *TelemetryConsumer) Close() error {
	return c.reader.Close()
}
