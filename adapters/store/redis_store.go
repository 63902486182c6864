package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/ports"
)

const (
	sessionKeyPrefix    = "pingmark:session:"
	clientKeyPrefix     = "pingmark:client:"
	commitmentKeyPrefix = "pingmark:epoch:"
)

// RedisSessionStore is a Redis implementation of the SessionStore
// interface. Snapshots are stored as JSON under the session key; the
// client key maps a client to its live session ID. Both carry the store
// TTL.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore creates a new Redis session store
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

var _ ports.SessionStore = (*RedisSessionStore)(nil)

// Put stores a session snapshot under both its ID and its client ID.
func (s *RedisSessionStore) Put(ctx context.Context, session *core.Session, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, sessionKeyPrefix+session.ID, payload, ttl)
	pipe.Set(ctx, clientKeyPrefix+session.ClientID, session.ID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*core.Session, error) {
	payload, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}

	var session core.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// GetByClient retrieves a client's most recent session.
func (s *RedisSessionStore) GetByClient(ctx context.Context, clientID string) (*core.Session, error) {
	id, err := s.client.Get(ctx, clientKeyPrefix+clientID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return s.Get(ctx, id)
}

// Delete removes a session and its client mapping.
func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			return nil
		}
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, sessionKeyPrefix+id)
	pipe.Del(ctx, clientKeyPrefix+session.ClientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return nil
}

// RedisCommitmentStore is a Redis implementation of the CommitmentStore
// interface. SET NX gives the first-writer-wins guarantee across
// instances.
type RedisCommitmentStore struct {
	client *redis.Client
}

// NewRedisCommitmentStore creates a new Redis commitment store
func NewRedisCommitmentStore(client *redis.Client) *RedisCommitmentStore {
	return &RedisCommitmentStore{client: client}
}

var _ ports.CommitmentStore = (*RedisCommitmentStore)(nil)

// PutIfAbsent stores a commitment unless one already exists for the epoch.
func (s *RedisCommitmentStore) PutIfAbsent(ctx context.Context, c *core.EpochCommitment, ttl time.Duration) (bool, *core.EpochCommitment, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return false, nil, fmt.Errorf("failed to marshal commitment: %w", err)
	}

	key := commitmentKey(c.EpochID)
	stored, err := s.client.SetNX(ctx, key, payload, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	if stored {
		return true, c, nil
	}

	existing, err := s.Get(ctx, c.EpochID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// Get retrieves a commitment by epoch.
func (s *RedisCommitmentStore) Get(ctx context.Context, epochID uint64) (*core.EpochCommitment, error) {
	payload, err := s.client.Get(ctx, commitmentKey(epochID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrEpochNotFound
		}
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}

	var commitment core.EpochCommitment
	if err := json.Unmarshal(payload, &commitment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal commitment: %w", err)
	}
	return &commitment, nil
}

func commitmentKey(epochID uint64) string {
	return fmt.Sprintf("%s%d", commitmentKeyPrefix, epochID)
}
