package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/logger"
	"github.com/layer-3/pingmark/ports"
)

// SessionConfig tunes the challenge schedule. Challenge issue times are
// spaced by Interval with a uniform ±Jitter so clients cannot predict the
// exact send instant.
type SessionConfig struct {
	ChallengeCount int
	Interval       time.Duration
	Jitter         time.Duration
	ChallengeTTL   time.Duration
	TailWait       time.Duration
	EpochWindow    time.Duration
	StoreTTL       time.Duration
}

// DefaultSessionConfig returns the production defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ChallengeCount: 32,
		Interval:       time.Second,
		Jitter:         200 * time.Millisecond,
		ChallengeTTL:   1500 * time.Millisecond,
		TailWait:       3 * time.Second,
		EpochWindow:    core.DefaultEpochWindow,
		StoreTTL:       5 * time.Minute,
	}
}

// sessionWorker owns one session's mutable state. The timer loop and the
// echo path are the only writers, serialized by mu; everything leaving
// the worker is a snapshot.
type sessionWorker struct {
	mu       sync.Mutex
	sess     *core.Session
	conn     ports.SessionConn
	cancel   context.CancelFunc
	done     chan struct{}
	complete chan struct{}
	once     sync.Once
	finished bool
}

func (w *sessionWorker) signalComplete() {
	w.once.Do(func() { close(w.complete) })
}

// SessionService runs the per-client challenge/response state machine:
// one timer-driven worker per connected client, no state shared between
// sessions beyond the store.
type SessionService struct {
	store     ports.SessionStore
	epochs    *EpochService
	events    ports.EventPublisher
	tokenizer ports.Tokenizer
	cfg       SessionConfig
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	workers map[string]*sessionWorker
}

// NewSessionService creates a new session service.
func NewSessionService(
	store ports.SessionStore,
	epochs *EpochService,
	events ports.EventPublisher,
	tokenizer ports.Tokenizer,
	cfg SessionConfig,
) *SessionService {
	return &SessionService{
		store:     store,
		epochs:    epochs,
		events:    events,
		tokenizer: tokenizer,
		cfg:       cfg,
		log:       logger.Logger().With().Str("component", "session").Logger(),
		now:       time.Now,
		workers:   make(map[string]*sessionWorker),
	}
}

// Start opens a session for a client and begins streaming challenges over
// conn. A client may only hold one active session at a time.
func (s *SessionService) Start(ctx context.Context, clientID string, conn ports.SessionConn) (*core.Session, error) {
	existing, err := s.store.GetByClient(ctx, clientID)
	if err == nil && existing.Status == core.SessionActive {
		return nil, core.ErrDuplicateSession
	}
	if err != nil && !errors.Is(err, core.ErrSessionNotFound) {
		return nil, err
	}

	now := s.now()
	sess := &core.Session{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		EpochID:   core.EpochAt(now, s.cfg.EpochWindow),
		StartedAt: now,
		Samples:   make(map[uint32]core.Sample),
		Status:    core.SessionActive,
	}

	at := now
	for i := 0; i < s.cfg.ChallengeCount; i++ {
		nonce, err := core.NewNonce()
		if err != nil {
			return nil, err
		}
		sess.Challenges = append(sess.Challenges, core.Challenge{
			Index:     uint32(i),
			Nonce:     nonce,
			PlannedAt: at,
			TTL:       s.cfg.ChallengeTTL,
		})
		at = at.Add(s.jitteredInterval())
	}

	if err := s.store.Put(ctx, sess, s.cfg.StoreTTL); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.Background())
	w := &sessionWorker{
		sess:     sess,
		conn:     conn,
		cancel:   cancel,
		done:     make(chan struct{}),
		complete: make(chan struct{}),
	}

	s.mu.Lock()
	s.workers[sess.ID] = w
	s.mu.Unlock()

	s.log.Info().Str("session", sess.ID).Str("client", clientID).Uint64("epoch", sess.EpochID).Msg("session started")
	go s.run(wctx, w)

	return sess.Snapshot(), nil
}

// HandleEcho matches an echo against its challenge by (index, nonce),
// computes the RTT, and records the sample. Unknown echoes are rejected
// without failing the session; out-of-range timings are clamped to the
// sentinel and recorded invalid.
func (s *SessionService) HandleEcho(ctx context.Context, sessionID string, index uint32, nonce core.Nonce, receivedAt time.Time) (core.Sample, error) {
	w := s.worker(sessionID)
	if w == nil {
		return core.Sample{}, core.ErrSessionNotFound
	}

	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return core.Sample{}, core.ErrSessionNotFound
	}
	ch, ok := w.sess.ChallengeAt(index, nonce)
	if !ok || ch.IssuedAt.IsZero() {
		w.mu.Unlock()
		s.log.Debug().Str("session", sessionID).Uint32("index", index).Msg("echo for unknown challenge ignored")
		return core.Sample{}, core.ErrUnknownChallenge
	}

	rtt := receivedAt.Sub(ch.IssuedAt).Milliseconds()
	sample := core.Sample{Index: index, Nonce: nonce}
	switch {
	case rtt < 0 || rtt > int64(core.SentinelRTT):
		// Clock skew or absurd delay: bound the value entering the
		// commitment so the circuit's input range stays fixed.
		sample.RTTMs = core.SentinelRTT
		sample.Outcome = core.OutcomeInvalid
	case rtt > ch.TTL.Milliseconds():
		sample.RTTMs = int32(rtt)
		sample.Outcome = core.OutcomeInvalid
	default:
		sample.RTTMs = int32(rtt)
		sample.Outcome = core.OutcomeValid
	}

	w.sess.RecordSample(sample)
	completed := len(w.sess.Samples)
	total := len(w.sess.Challenges)
	snapshot := w.sess.Snapshot()
	w.mu.Unlock()

	s.persist(ctx, snapshot)

	if err := w.conn.SendResult(sample.Index, sample.RTTMs, sample.Valid(), completed, total); err != nil {
		s.log.Warn().Err(err).Str("session", sessionID).Msg("failed to send result")
	}
	if completed == total {
		w.signalComplete()
	}
	return sample, nil
}

// Disconnect tears a session down when its client goes away. An
// unfinished session expires; its samples are not handed to the epoch
// coordinator.
func (s *SessionService) Disconnect(sessionID string) {
	w := s.worker(sessionID)
	if w == nil {
		return
	}
	w.cancel()
	<-w.done
}

// Status returns the persisted snapshot; it works across restarts for
// any session still within its store lifetime.
func (s *SessionService) Status(ctx context.Context, sessionID string) (*core.Session, error) {
	return s.store.Get(ctx, sessionID)
}

// Close expires every running session and waits for their workers.
func (s *SessionService) Close() {
	s.mu.Lock()
	workers := make([]*sessionWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.cancel()
		<-w.done
	}
}

// run is the session's worker loop. It issues challenges on the jittered
// schedule, in order, then waits out the tail window before forcing
// completion. It is the only goroutine that finishes the session.
func (s *SessionService) run(ctx context.Context, w *sessionWorker) {
	defer close(w.done)

	total := len(w.sess.Challenges)
	for i := 0; i < total; i++ {
		w.mu.Lock()
		planned := w.sess.Challenges[i].PlannedAt
		w.mu.Unlock()

		if wait := planned.Sub(s.now()); wait > 0 {
			select {
			case <-ctx.Done():
				s.expire(w)
				return
			case <-time.After(wait):
			}
		}

		w.mu.Lock()
		if w.finished {
			w.mu.Unlock()
			return
		}
		ch := &w.sess.Challenges[i]
		ch.IssuedAt = s.now()
		index, nonce, ttl := ch.Index, ch.Nonce, ch.TTL
		snapshot := w.sess.Snapshot()
		w.mu.Unlock()

		s.persist(ctx, snapshot)

		if err := w.conn.SendChallenge(index, nonce, ttl.Milliseconds()); err != nil {
			s.log.Warn().Err(err).Str("session", w.sess.ID).Msg("failed to send challenge, expiring session")
			s.expire(w)
			return
		}
	}

	select {
	case <-ctx.Done():
		s.expire(w)
		return
	case <-w.complete:
	case <-time.After(s.cfg.ChallengeTTL + s.cfg.TailWait):
	}
	s.completeSession(w)
}

// completeSession force-fills missing indices with the sentinel, hands
// the snapshot to the epoch coordinator, and delivers the terminal frame.
func (s *SessionService) completeSession(w *sessionWorker) {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.finished = true
	w.sess.FillMissing()
	w.sess.Status = core.SessionCompleted
	snapshot := w.sess.Snapshot()
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.persist(ctx, snapshot)
	s.deregister(snapshot.ID)

	if s.events != nil {
		if err := s.events.PublishSessionCompleted(ctx, snapshot.ClientID, snapshot.ID, snapshot.EpochID); err != nil {
			s.log.Warn().Err(err).Str("session", snapshot.ID).Msg("failed to publish completion event")
		}
	}

	commitment, err := s.epochs.Finalize(ctx, snapshot.EpochID, []string{snapshot.ID})
	if err != nil {
		s.log.Error().Err(err).Str("session", snapshot.ID).Uint64("epoch", snapshot.EpochID).Msg("epoch finalization failed")
		if serr := w.conn.SendError("finalization failed"); serr != nil {
			s.log.Debug().Err(serr).Str("session", snapshot.ID).Msg("failed to send error frame")
		}
		return
	}

	eligibility := core.EligibilityFor(snapshot.Samples)
	receipt := ""
	if s.tokenizer != nil {
		receipt, err = s.tokenizer.ReceiptToToken(&core.Receipt{
			ClientID:    snapshot.ClientID,
			SessionID:   snapshot.ID,
			EpochID:     snapshot.EpochID,
			Root:        commitment.Root,
			Eligibility: eligibility,
			IssuedAt:    s.now(),
		})
		if err != nil {
			s.log.Warn().Err(err).Str("session", snapshot.ID).Msg("failed to sign receipt")
		}
	}

	if err := w.conn.SendComplete(snapshot.EpochID, commitment.Root, eligibility, receipt); err != nil {
		s.log.Warn().Err(err).Str("session", snapshot.ID).Msg("failed to send completion frame")
	}
	s.log.Info().Str("session", snapshot.ID).Uint64("epoch", snapshot.EpochID).Msg("session completed")
}

func (s *SessionService) expire(w *sessionWorker) {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.finished = true
	w.sess.Status = core.SessionExpired
	snapshot := w.sess.Snapshot()
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.persist(ctx, snapshot)
	s.deregister(snapshot.ID)
	s.log.Info().Str("session", snapshot.ID).Msg("session expired")
}

func (s *SessionService) jitteredInterval() time.Duration {
	if s.cfg.Jitter <= 0 {
		return s.cfg.Interval
	}
	return s.cfg.Interval + time.Duration(rand.Int64N(int64(2*s.cfg.Jitter))) - s.cfg.Jitter
}

func (s *SessionService) persist(ctx context.Context, snapshot *core.Session) {
	if err := s.store.Put(ctx, snapshot, s.cfg.StoreTTL); err != nil {
		s.log.Error().Err(err).Str("session", snapshot.ID).Msg("failed to persist session snapshot")
	}
}

func (s *SessionService) worker(sessionID string) *sessionWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[sessionID]
}

func (s *SessionService) deregister(sessionID string) {
	s.mu.Lock()
	delete(s.workers, sessionID)
	s.mu.Unlock()
}
