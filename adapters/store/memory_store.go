package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/ports"
)

type sessionEntry struct {
	session   *core.Session
	expiresAt time.Time
}

// MemorySessionStore is an in-memory implementation of the SessionStore
// interface, used for tests and single-node development.
type MemorySessionStore struct {
	sessions map[string]sessionEntry
	byClient map[string]string
	mu       sync.RWMutex
}

// NewMemorySessionStore creates a new in-memory session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]sessionEntry),
		byClient: make(map[string]string),
	}
}

var _ ports.SessionStore = (*MemorySessionStore)(nil)

// Put stores a session snapshot under both its ID and its client ID.
func (s *MemorySessionStore) Put(ctx context.Context, session *core.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := time.Now().Add(ttl)
	s.sessions[session.ID] = sessionEntry{session: session.Snapshot(), expiresAt: expiresAt}
	s.byClient[session.ClientID] = session.ID

	// Evict after the TTL unless the entry was refreshed meanwhile.
	id := session.ID
	go func() {
		time.Sleep(ttl)

		s.mu.Lock()
		defer s.mu.Unlock()

		if entry, exists := s.sessions[id]; exists && !entry.expiresAt.After(expiresAt) {
			delete(s.sessions, id)
		}
	}()

	return nil
}

// Get retrieves a session by ID.
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.sessions[id]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil, core.ErrSessionNotFound
	}
	return entry.session.Snapshot(), nil
}

// GetByClient retrieves a client's most recent session.
func (s *MemorySessionStore) GetByClient(ctx context.Context, clientID string) (*core.Session, error) {
	s.mu.RLock()
	id, exists := s.byClient[clientID]
	s.mu.RUnlock()
	if !exists {
		return nil, core.ErrSessionNotFound
	}
	return s.Get(ctx, id)
}

// Delete removes a session and its client mapping.
func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.sessions[id]; exists {
		if s.byClient[entry.session.ClientID] == id {
			delete(s.byClient, entry.session.ClientID)
		}
		delete(s.sessions, id)
	}
	return nil
}

type commitmentEntry struct {
	commitment *core.EpochCommitment
	expiresAt  time.Time
}

// MemoryCommitmentStore is an in-memory implementation of the
// CommitmentStore interface.
type MemoryCommitmentStore struct {
	commitments map[uint64]commitmentEntry
	mu          sync.Mutex
}

// NewMemoryCommitmentStore creates a new in-memory commitment store
func NewMemoryCommitmentStore() *MemoryCommitmentStore {
	return &MemoryCommitmentStore{
		commitments: make(map[uint64]commitmentEntry),
	}
}

var _ ports.CommitmentStore = (*MemoryCommitmentStore)(nil)

// PutIfAbsent stores a commitment unless a live one already exists for
// the epoch. The write lock makes the check-then-write atomic, so the
// first writer wins and every later caller sees its commitment.
func (s *MemoryCommitmentStore) PutIfAbsent(ctx context.Context, c *core.EpochCommitment, ttl time.Duration) (bool, *core.EpochCommitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.commitments[c.EpochID]; exists && !time.Now().After(entry.expiresAt) {
		return false, entry.commitment, nil
	}
	s.commitments[c.EpochID] = commitmentEntry{commitment: c, expiresAt: time.Now().Add(ttl)}
	return true, c, nil
}

// Get retrieves a commitment by epoch.
func (s *MemoryCommitmentStore) Get(ctx context.Context, epochID uint64) (*core.EpochCommitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.commitments[epochID]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil, core.ErrEpochNotFound
	}
	return entry.commitment, nil
}
