package ports

import (
	"context"

	"github.com/layer-3/pingmark/core"
)

// EventPublisher notifies other components about protocol milestones.
// Publishing is best-effort; failures never fail the operation that
// produced the event.
type EventPublisher interface {
	PublishSessionCompleted(ctx context.Context, clientID, sessionID string, epochID uint64) error
	PublishEpochFinalized(ctx context.Context, epochID uint64, root core.Hash, sampleCount int) error
}
