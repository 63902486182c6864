package ports

import (
	"context"
	"time"

	"github.com/layer-3/pingmark/core"
)

// SessionStore persists session snapshots with a bounded lifetime so a
// restart does not silently lose in-flight sessions. Expiry is a cache
// lifetime, not protocol truth.
type SessionStore interface {
	// Put stores a snapshot under both its session ID and its client ID.
	Put(ctx context.Context, session *core.Session, ttl time.Duration) error
	// Get retrieves a session by ID; core.ErrSessionNotFound when absent
	// or expired.
	Get(ctx context.Context, id string) (*core.Session, error)
	// GetByClient retrieves a client's most recent session.
	GetByClient(ctx context.Context, clientID string) (*core.Session, error)
	// Delete removes a session and its client mapping.
	Delete(ctx context.Context, id string) error
}

// CommitmentStore persists epoch commitments with first-writer-wins
// semantics: concurrent finalizers for the same epoch must converge on a
// single stored commitment.
type CommitmentStore interface {
	// PutIfAbsent stores the commitment unless one already exists for the
	// epoch. It reports whether the write happened and returns the
	// commitment that is now authoritative.
	PutIfAbsent(ctx context.Context, c *core.EpochCommitment, ttl time.Duration) (stored bool, existing *core.EpochCommitment, err error)
	// Get retrieves a commitment; core.ErrEpochNotFound when absent.
	Get(ctx context.Context, epochID uint64) (*core.EpochCommitment, error)
}
