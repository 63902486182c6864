package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/ports"
)

const (
	// SessionCompletedTopic carries session completion events
	SessionCompletedTopic = "pingmark.session.completed"
	// EpochFinalizedTopic carries epoch finalization events
	EpochFinalizedTopic = "pingmark.epoch.finalized"
)

// SessionCompletedEvent represents a completed attestation session
type SessionCompletedEvent struct {
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id"`
	EpochID   uint64 `json:"epoch_id"`
}

// EpochFinalizedEvent represents a finalized epoch commitment
type EpochFinalizedEvent struct {
	EpochID     uint64 `json:"epoch_id"`
	Root        string `json:"root"`
	SampleCount int    `json:"sample_count"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{publisher: publisher}
}

// PublishSessionCompleted publishes a session completion event
func (p *WatermillPublisher) PublishSessionCompleted(ctx context.Context, clientID, sessionID string, epochID uint64) error {
	event := SessionCompletedEvent{
		ClientID:  clientID,
		SessionID: sessionID,
		EpochID:   epochID,
	}
	return p.publish(SessionCompletedTopic, event)
}

// PublishEpochFinalized publishes an epoch finalization event
func (p *WatermillPublisher) PublishEpochFinalized(ctx context.Context, epochID uint64, root core.Hash, sampleCount int) error {
	event := EpochFinalizedEvent{
		EpochID:     epochID,
		Root:        root.String(),
		SampleCount: sampleCount,
	}
	return p.publish(EpochFinalizedTopic, event)
}

func (p *WatermillPublisher) publish(topic string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
