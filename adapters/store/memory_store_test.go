package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/layer-3/pingmark/adapters/store"
	"github.com/layer-3/pingmark/core"
)

func newSession(id, clientID string) *core.Session {
	return &core.Session{
		ID:       id,
		ClientID: clientID,
		Samples:  make(map[uint32]core.Sample),
		Status:   core.SessionActive,
	}
}

func TestMemorySessionStorePutGet(t *testing.T) {
	s := store.NewMemorySessionStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newSession("s1", "c1"), time.Minute))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)

	byClient, err := s.GetByClient(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "s1", byClient.ID)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, core.ErrSessionNotFound)
	_, err = s.GetByClient(ctx, "nobody")
	require.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestMemorySessionStoreExpiry(t *testing.T) {
	s := store.NewMemorySessionStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newSession("s1", "c1"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := s.Get(ctx, "s1")
	require.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestMemorySessionStoreSnapshotIsolation(t *testing.T) {
	s := store.NewMemorySessionStore()
	ctx := context.Background()

	sess := newSession("s1", "c1")
	require.NoError(t, s.Put(ctx, sess, time.Minute))

	// Mutating the original after Put must not leak into the store.
	sess.Status = core.SessionExpired

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, core.SessionActive, got.Status)
}

func TestMemorySessionStoreDelete(t *testing.T) {
	s := store.NewMemorySessionStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newSession("s1", "c1"), time.Minute))
	require.NoError(t, s.Delete(ctx, "s1"))

	_, err := s.Get(ctx, "s1")
	require.ErrorIs(t, err, core.ErrSessionNotFound)
	_, err = s.GetByClient(ctx, "c1")
	require.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestMemoryCommitmentStoreFirstWriterWins(t *testing.T) {
	s := store.NewMemoryCommitmentStore()
	ctx := context.Background()

	first := &core.EpochCommitment{EpochID: 7, Root: core.Hash{1}}
	stored, existing, err := s.PutIfAbsent(ctx, first, time.Minute)
	require.NoError(t, err)
	require.True(t, stored)
	require.Equal(t, first, existing)

	second := &core.EpochCommitment{EpochID: 7, Root: core.Hash{2}}
	stored, existing, err = s.PutIfAbsent(ctx, second, time.Minute)
	require.NoError(t, err)
	require.False(t, stored)
	require.Equal(t, core.Hash{1}, existing.Root)

	got, err := s.Get(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, core.Hash{1}, got.Root)
}

func TestMemoryCommitmentStoreNotFound(t *testing.T) {
	s := store.NewMemoryCommitmentStore()

	_, err := s.Get(context.Background(), 99)
	require.ErrorIs(t, err, core.ErrEpochNotFound)
}
