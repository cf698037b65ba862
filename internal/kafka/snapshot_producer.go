package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/governance-service/internal/models"
)

// EventOverridesPublished announces a new override snapshot.
const EventOverridesPublished = "OVERRIDES_PUBLISHED"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SnapshotEvent is the payload delivered to strategy runners.
type SnapshotEvent struct {
	EventType string                  `json:"event_type"`
	Source    string                  `json:"source"`
	Timestamp string                  `json:"timestamp"`
	BatchID   string                  `json:"batch_id"`
	CycleID   string                  `json:"cycle_id"`
	Snapshot  models.OverrideSnapshot `json:"snapshot"`
}

// SnapshotProducer applies published snapshots by broadcasting them to the
// strategy runners. It is the governance cycle's applier.
type SnapshotProducer struct {
	writer messageWriter
	logger zerolog.Logger
}

// NewSnapshotProducer creates a producer for the overrides topic.
func NewSnapshotProducer(brokers []string, topic string, logger zerolog.Logger) *SnapshotProducer {
	return &SnapshotProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger.With().Str("component", "SnapshotProducer").Logger(),
	}
}

// Apply publishes snap under the batch id. Messages are keyed by cycle so
// redeliveries of one batch land on the same partition.
func (p *SnapshotProducer) Apply(ctx context.Context, batch models.PendingBatch, snap models.OverrideSnapshot) error {
	payload, err := json.Marshal(SnapshotEvent{
		EventType: EventOverridesPublished,
		Source:    "governance-service",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		BatchID:   batch.BatchID,
		CycleID:   batch.CycleID,
		Snapshot:  snap,
	})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(batch.CycleID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventOverridesPublished)},
			{Key: "batch_id", Value: []byte(batch.BatchID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish snapshot %d: %w", snap.Version, err)
	}

	p.logger.Info().
		Str("cycle_id", batch.CycleID).
		Str("batch_id", batch.BatchID).
		Int64("version", snap.Version).
		Msg("override snapshot published")
	return nil
}

// Close flushes and closes the writer.
func (p *SnapshotProducer) Close() error {
	return p.writer.Close()
}
