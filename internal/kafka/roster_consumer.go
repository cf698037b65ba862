package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Roster event types.
const (
	EventRosterUpdated   = "STRATEGY_ROSTER_UPDATED"
	EventStrategyAdded   = "STRATEGY_ADDED"
	EventStrategyRemoved = "STRATEGY_REMOVED"
)

// RosterUpdater receives strategy roster changes.
type RosterUpdater interface {
	Add(id string) bool
	Remove(id string) bool
	Replace(ids []string)
}

// RosterEvent is a strategy roster event.
type RosterEvent struct {
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Timestamp string          `json:"timestamp"`
	Data      RosterEventData `json:"data"`
}

// RosterEventData holds the data for the roster event types.
type RosterEventData struct {
	// For STRATEGY_ROSTER_UPDATED events. A non-empty AllStrategies replaces
	// the roster; otherwise the deltas are applied.
	AllStrategies     []string `json:"all_strategies,omitempty"`
	AddedStrategies   []string `json:"added_strategies,omitempty"`
	RemovedStrategies []string `json:"removed_strategies,omitempty"`

	// For STRATEGY_ADDED/REMOVED events
	StrategyID string `json:"strategy_id,omitempty"`
}

// RosterConsumer keeps the governance strategy roster in sync with the
// strategy registry topic.
type RosterConsumer struct {
	reader messageReader
	roster RosterUpdater
	logger zerolog.Logger
}

// NewRosterConsumer creates a consumer for roster events. The roster topic is
// compacted state, so a new group reads it from the beginning.
func NewRosterConsumer(brokers []string, topic, groupID string, roster RosterUpdater, logger zerolog.Logger) *RosterConsumer {
	return &RosterConsumer{
		reader: newReader(brokers, topic, groupID+"-roster", kafka.FirstOffset),
		roster: roster,
		logger: logger.With().Str("component", "RosterConsumer").Logger(),
	}
}

// Start consumes until ctx is cancelled.
func (c *RosterConsumer) Start(ctx context.Context) error {
	return consume(ctx, c.reader, c.logger, func(msg kafka.Message) error {
		return c.processMessage(msg)
	})
}

func (c *RosterConsumer) processMessage(msg kafka.Message) error {
	var event RosterEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal roster event: %w", err)
	}

	switch event.EventType {
	case EventRosterUpdated:
		c.handleRosterUpdated(event)
		return nil
	case EventStrategyAdded:
		id := strings.TrimSpace(event.Data.StrategyID)
		if id == "" {
			return fmt.Errorf("%s event without strategy_id", event.EventType)
		}
		if c.roster.Add(id) {
			c.logger.Info().Str("strategy_id", id).Msg("strategy added to roster")
		}
		return nil
	case EventStrategyRemoved:
		id := strings.TrimSpace(event.Data.StrategyID)
		if c.roster.Remove(id) {
			c.logger.Info().Str("strategy_id", id).Msg("strategy removed from roster")
		}
		return nil
	default:
		c.logger.Debug().Str("event_type", event.EventType).Msg("ignoring roster event")
		return nil
	}
}

func (c *RosterConsumer) handleRosterUpdated(event RosterEvent) {
	if len(event.Data.AllStrategies) > 0 {
		c.roster.Replace(event.Data.AllStrategies)
		c.logger.Info().Int("total", len(event.Data.AllStrategies)).Msg("strategy roster replaced")
		return
	}
	for _, id := range event.Data.AddedStrategies {
		c.roster.Add(id)
	}
	for _, id := range event.Data.RemovedStrategies {
		c.roster.Remove(id)
	}
	c.logger.Info().
		Int("added", len(event.Data.AddedStrategies)).
		Int("removed", len(event.Data.RemovedStrategies)).
		Msg("strategy roster updated")
}

// Close closes the Kafka consumer
func (c *RosterConsumer) Close() error {
	return c.reader.Close()
}

// consume is the shared read loop: malformed or failing messages are logged
// and skipped so one bad event cannot stall the partition.
func consume(ctx context.Context, reader messageReader, logger zerolog.Logger, handle func(kafka.Message) error) error {
	logger.Info().Str("topic", reader.Config().Topic).Msg("starting consumer")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("consumer shutting down")
				return nil
			}
			logger.Error().Err(err).Msg("error reading message")
			continue
		}

		if err := handle(msg); err != nil {
			logger.Warn().Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("error processing message")
		}
	}
}
