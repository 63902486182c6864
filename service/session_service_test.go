package service_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/layer-3/pingmark/adapters/ledger"
	"github.com/layer-3/pingmark/adapters/store"
	"github.com/layer-3/pingmark/adapters/tokenizer"
	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/merkle"
	"github.com/layer-3/pingmark/ports"
	"github.com/layer-3/pingmark/service"
)

type challengeMsg struct {
	Index uint32
	Nonce core.Nonce
	TTLMs int64
}

type completeMsg struct {
	EpochID     uint64
	Root        core.Hash
	Eligibility core.Eligibility
	Receipt     string
}

// fakeConn records everything the service sends.
type fakeConn struct {
	mu         sync.Mutex
	challenges chan challengeMsg
	complete   chan completeMsg
	results    []int32
	errors     []string
}

var _ ports.SessionConn = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{
		challenges: make(chan challengeMsg, 64),
		complete:   make(chan completeMsg, 1),
	}
}

func (c *fakeConn) SendChallenge(index uint32, nonce core.Nonce, ttlMs int64) error {
	c.challenges <- challengeMsg{Index: index, Nonce: nonce, TTLMs: ttlMs}
	return nil
}

func (c *fakeConn) SendResult(index uint32, rttMs int32, valid bool, completed, total int) error {
	c.mu.Lock()
	c.results = append(c.results, rttMs)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SendComplete(epochID uint64, root core.Hash, eligibility core.Eligibility, receipt string) error {
	c.complete <- completeMsg{EpochID: epochID, Root: root, Eligibility: eligibility, Receipt: receipt}
	return nil
}

func (c *fakeConn) SendError(reason string) error {
	c.mu.Lock()
	c.errors = append(c.errors, reason)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error { return nil }

type sessionFixture struct {
	sessions *service.SessionService
	epochs   *service.EpochService
	ledger   *ledger.MockLedger
	tok      ports.Tokenizer
}

func newSessionFixture(t *testing.T, cfg service.SessionConfig) *sessionFixture {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tok := tokenizer.NewJWTTokenizer(key)

	sessionStore := store.NewMemorySessionStore()
	mock := ledger.NewMockLedger()
	epochs := service.NewEpochService(
		sessionStore,
		store.NewMemoryCommitmentStore(),
		mock,
		nil,
		merkle.MiMCHasher{},
		service.EpochConfig{
			TreeDepth:      merkle.DefaultDepth,
			CommitmentTTL:  time.Minute,
			AnchorAttempts: 2,
			AnchorBackoff:  time.Millisecond,
		},
	)
	sessions := service.NewSessionService(sessionStore, epochs, nil, tok, cfg)

	t.Cleanup(func() {
		sessions.Close()
		epochs.Close()
	})
	return &sessionFixture{sessions: sessions, epochs: epochs, ledger: mock, tok: tok}
}

func fastConfig(count int) service.SessionConfig {
	return service.SessionConfig{
		ChallengeCount: count,
		Interval:       2 * time.Millisecond,
		Jitter:         0,
		ChallengeTTL:   1500 * time.Millisecond,
		TailWait:       100 * time.Millisecond,
		EpochWindow:    core.DefaultEpochWindow,
		StoreTTL:       time.Minute,
	}
}

func nextChallenge(t *testing.T, conn *fakeConn) challengeMsg {
	t.Helper()
	select {
	case ch := <-conn.challenges:
		return ch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for challenge")
		return challengeMsg{}
	}
}

func waitComplete(t *testing.T, conn *fakeConn) completeMsg {
	t.Helper()
	select {
	case msg := <-conn.complete:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for completion frame")
		return completeMsg{}
	}
}

// issuedAt reads the persisted issue timestamp for a challenge; it is
// stamped before the frame goes out, so it is visible once the frame
// arrives.
func issuedAt(t *testing.T, f *sessionFixture, sessionID string, index uint32) time.Time {
	t.Helper()
	sess, err := f.sessions.Status(context.Background(), sessionID)
	require.NoError(t, err)
	at := sess.Challenges[index].IssuedAt
	require.False(t, at.IsZero())
	return at
}

func TestSessionRunsToCompletion(t *testing.T) {
	f := newSessionFixture(t, fastConfig(4))
	conn := newFakeConn()
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, testClientID, conn)
	require.NoError(t, err)
	require.Len(t, sess.Challenges, 4)
	require.Equal(t, core.SessionActive, sess.Status)

	for i := 0; i < 4; i++ {
		ch := nextChallenge(t, conn)
		at := issuedAt(t, f, sess.ID, ch.Index)

		sample, err := f.sessions.HandleEcho(ctx, sess.ID, ch.Index, ch.Nonce, at.Add(30*time.Millisecond))
		require.NoError(t, err)
		require.True(t, sample.Valid())
		require.Equal(t, int32(30), sample.RTTMs)
	}

	msg := waitComplete(t, conn)
	require.Equal(t, sess.EpochID, msg.EpochID)
	require.False(t, msg.Root.IsZero())
	require.NotEmpty(t, msg.Receipt)

	// The receipt is a verifiable binding of client, epoch, and root.
	receipt, err := f.tok.TokenToReceipt(msg.Receipt)
	require.NoError(t, err)
	require.Equal(t, testClientID, receipt.ClientID)
	require.Equal(t, sess.ID, receipt.SessionID)
	require.Equal(t, msg.Root, receipt.Root)

	final, err := f.sessions.Status(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, core.SessionCompleted, final.Status)
	require.Len(t, final.Samples, 4)

	f.epochs.Close()
	root, finalized, err := f.ledger.RootOf(ctx, sess.EpochID)
	require.NoError(t, err)
	require.True(t, finalized)
	require.Equal(t, msg.Root, root)
}

func TestEchoTimingClassification(t *testing.T) {
	f := newSessionFixture(t, fastConfig(4))
	conn := newFakeConn()
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, testClientID, conn)
	require.NoError(t, err)

	offsets := []struct {
		delta   time.Duration
		rtt     int32
		outcome core.Outcome
	}{
		{-5 * time.Millisecond, core.SentinelRTT, core.OutcomeInvalid}, // before issuance
		{1501 * time.Millisecond, 1501, core.OutcomeInvalid},           // just over deadline
		{1500 * time.Millisecond, 1500, core.OutcomeValid},             // exactly at deadline
		{0, 0, core.OutcomeValid},                                      // instantaneous
	}

	for i := 0; i < 4; i++ {
		ch := nextChallenge(t, conn)
		at := issuedAt(t, f, sess.ID, ch.Index)

		sample, err := f.sessions.HandleEcho(ctx, sess.ID, ch.Index, ch.Nonce, at.Add(offsets[ch.Index].delta))
		require.NoError(t, err, "challenge %d", ch.Index)
		require.Equal(t, offsets[ch.Index].rtt, sample.RTTMs, "challenge %d", ch.Index)
		require.Equal(t, offsets[ch.Index].outcome, sample.Outcome, "challenge %d", ch.Index)
	}

	waitComplete(t, conn)
}

func TestEchoAbsurdDelayClamped(t *testing.T) {
	f := newSessionFixture(t, fastConfig(2))
	conn := newFakeConn()
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, testClientID, conn)
	require.NoError(t, err)

	ch := nextChallenge(t, conn)
	at := issuedAt(t, f, sess.ID, ch.Index)

	sample, err := f.sessions.HandleEcho(ctx, sess.ID, ch.Index, ch.Nonce, at.Add(6*time.Second))
	require.NoError(t, err)
	require.Equal(t, core.SentinelRTT, sample.RTTMs)
	require.Equal(t, core.OutcomeInvalid, sample.Outcome)
}

func TestEchoRejectsUnknownChallenge(t *testing.T) {
	f := newSessionFixture(t, fastConfig(2))
	conn := newFakeConn()
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, testClientID, conn)
	require.NoError(t, err)

	ch := nextChallenge(t, conn)

	wrongNonce, err := core.NewNonce()
	require.NoError(t, err)
	_, err = f.sessions.HandleEcho(ctx, sess.ID, ch.Index, wrongNonce, time.Now())
	require.ErrorIs(t, err, core.ErrUnknownChallenge)

	_, err = f.sessions.HandleEcho(ctx, sess.ID, 99, ch.Nonce, time.Now())
	require.ErrorIs(t, err, core.ErrUnknownChallenge)

	_, err = f.sessions.HandleEcho(ctx, "no-such-session", ch.Index, ch.Nonce, time.Now())
	require.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestDuplicateEchoKeepsFastest(t *testing.T) {
	f := newSessionFixture(t, fastConfig(2))
	conn := newFakeConn()
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, testClientID, conn)
	require.NoError(t, err)

	ch := nextChallenge(t, conn)
	at := issuedAt(t, f, sess.ID, ch.Index)

	_, err = f.sessions.HandleEcho(ctx, sess.ID, ch.Index, ch.Nonce, at.Add(200*time.Millisecond))
	require.NoError(t, err)
	_, err = f.sessions.HandleEcho(ctx, sess.ID, ch.Index, ch.Nonce, at.Add(50*time.Millisecond))
	require.NoError(t, err)

	persisted, err := f.sessions.Status(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, int32(50), persisted.Samples[ch.Index].RTTMs)
}

func TestDuplicateSessionRejected(t *testing.T) {
	f := newSessionFixture(t, fastConfig(2))
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, testClientID, newFakeConn())
	require.NoError(t, err)

	_, err = f.sessions.Start(ctx, testClientID, newFakeConn())
	require.ErrorIs(t, err, core.ErrDuplicateSession)

	// A different client is unaffected.
	_, err = f.sessions.Start(ctx, "0x2222222222222222222222222222222222222222", newFakeConn())
	require.NoError(t, err)

	f.sessions.Disconnect(sess.ID)
}

func TestDisconnectExpiresSession(t *testing.T) {
	f := newSessionFixture(t, fastConfig(8))
	conn := newFakeConn()
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, testClientID, conn)
	require.NoError(t, err)
	nextChallenge(t, conn)

	f.sessions.Disconnect(sess.ID)

	persisted, err := f.sessions.Status(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, core.SessionExpired, persisted.Status)

	// The session is gone as far as echoes are concerned, and it never
	// reaches the epoch coordinator.
	_, err = f.sessions.HandleEcho(ctx, sess.ID, 0, sess.Challenges[0].Nonce, time.Now())
	require.ErrorIs(t, err, core.ErrSessionNotFound)

	select {
	case <-conn.complete:
		t.Fatal("expired session must not complete")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForceCompleteFillsMissing(t *testing.T) {
	cfg := fastConfig(3)
	cfg.ChallengeTTL = 50 * time.Millisecond
	cfg.TailWait = 50 * time.Millisecond

	f := newSessionFixture(t, cfg)
	conn := newFakeConn()
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, testClientID, conn)
	require.NoError(t, err)

	// Answer only the first challenge; let the rest time out.
	ch := nextChallenge(t, conn)
	at := issuedAt(t, f, sess.ID, ch.Index)
	_, err = f.sessions.HandleEcho(ctx, sess.ID, ch.Index, ch.Nonce, at.Add(time.Millisecond))
	require.NoError(t, err)

	msg := waitComplete(t, conn)
	require.False(t, msg.Root.IsZero())

	final, err := f.sessions.Status(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, core.SessionCompleted, final.Status)
	require.Len(t, final.Samples, 3)
	require.True(t, final.Samples[ch.Index].Valid())
	for _, idx := range []uint32{0, 1, 2} {
		if idx == ch.Index {
			continue
		}
		require.Equal(t, core.SentinelRTT, final.Samples[idx].RTTMs)
		require.Equal(t, core.OutcomeMissing, final.Samples[idx].Outcome)
	}
}

func TestStatsOverCompletedSession(t *testing.T) {
	f := newSessionFixture(t, fastConfig(4))
	conn := newFakeConn()
	ctx := context.Background()

	sess, err := f.sessions.Start(ctx, testClientID, conn)
	require.NoError(t, err)

	rtts := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond, 2 * time.Second}
	for i := 0; i < 4; i++ {
		ch := nextChallenge(t, conn)
		at := issuedAt(t, f, sess.ID, ch.Index)
		_, err := f.sessions.HandleEcho(ctx, sess.ID, ch.Index, ch.Nonce, at.Add(rtts[ch.Index]))
		require.NoError(t, err)
	}
	waitComplete(t, conn)

	stats, err := f.sessions.Stats(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 4, stats.Total)
	require.Equal(t, 3, stats.Valid)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, int32(20), stats.MinRTTMs)
	require.Equal(t, int32(60), stats.MaxRTTMs)
	require.Equal(t, "40", stats.AvgRTTMs.String())
	require.Equal(t, "40", stats.MedianRTTMs.String())
	require.Equal(t, int32(60), stats.P95RTTMs)
	require.Equal(t, 3, stats.Tiers.Under75MS)
}
