package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/rs/zerolog"

	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/logger"
	"github.com/layer-3/pingmark/merkle"
	"github.com/layer-3/pingmark/ports"
)

// EpochConfig tunes epoch finalization and anchoring.
type EpochConfig struct {
	TreeDepth      int
	CommitmentTTL  time.Duration
	AnchorAttempts int
	AnchorBackoff  time.Duration
}

// DefaultEpochConfig returns the production defaults.
func DefaultEpochConfig() EpochConfig {
	return EpochConfig{
		TreeDepth:      merkle.DefaultDepth,
		CommitmentTTL:  time.Hour,
		AnchorAttempts: 5,
		AnchorBackoff:  2 * time.Second,
	}
}

// RootStatus is the prover-facing view of an epoch's anchor. Root is nil
// while the epoch is pending.
type RootStatus struct {
	EpochID   uint64     `json:"epochId"`
	Root      *core.Hash `json:"root"`
	Finalized bool       `json:"isFinalized"`
}

// BundleLeaf is one committed sample with its leaf hash.
type BundleLeaf struct {
	Index uint32    `json:"index"`
	Nonce core.Nonce `json:"nonce"`
	RTTMs int32     `json:"rttMs"`
	Hash  core.Hash `json:"hash"`
}

// BundleProof is the inclusion path for one leaf.
type BundleProof struct {
	Index    uint32      `json:"index"`
	Siblings []core.Hash `json:"siblings"`
	PathBits []uint8     `json:"pathIndices"`
}

// Bundle carries everything an external prover needs for one epoch.
type Bundle struct {
	EpochID uint64        `json:"epochId"`
	Root    core.Hash     `json:"root"`
	Leaves  []BundleLeaf  `json:"leaves"`
	Proofs  []BundleProof `json:"proofs"`
}

// EpochService buckets completed sessions into epochs, builds the batch
// commitment once per epoch, and mirrors the root to the external ledger.
type EpochService struct {
	sessions    ports.SessionStore
	commitments ports.CommitmentStore
	ledger      ports.Ledger
	events      ports.EventPublisher
	hasher      merkle.FieldHasher
	cfg         EpochConfig
	log         zerolog.Logger

	mu       sync.Mutex
	inflight map[uint64]*sync.Mutex
	anchors  sync.WaitGroup
}

// NewEpochService creates a new epoch coordinator.
func NewEpochService(
	sessions ports.SessionStore,
	commitments ports.CommitmentStore,
	ledger ports.Ledger,
	events ports.EventPublisher,
	hasher merkle.FieldHasher,
	cfg EpochConfig,
) *EpochService {
	return &EpochService{
		sessions:    sessions,
		commitments: commitments,
		ledger:      ledger,
		events:      events,
		hasher:      hasher,
		cfg:         cfg,
		log:         logger.Logger().With().Str("component", "epoch").Logger(),
		inflight:    make(map[uint64]*sync.Mutex),
	}
}

// Finalize builds the commitment for an epoch from the given completed
// sessions. It is idempotent: if a commitment already exists it is
// returned unchanged, whoever calls and however often. Anchoring to the
// ledger happens in the background and its outcome never affects the
// returned commitment.
func (s *EpochService) Finalize(ctx context.Context, epochID uint64, sessionIDs []string) (*core.EpochCommitment, error) {
	if existing, err := s.commitments.Get(ctx, epochID); err == nil {
		return existing, nil
	} else if !errors.Is(err, core.ErrEpochNotFound) {
		return nil, err
	}

	// Serialize finalization per epoch within this instance; the store's
	// PutIfAbsent covers races across instances.
	lock := s.epochLock(epochID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := s.commitments.Get(ctx, epochID); err == nil {
		return existing, nil
	} else if !errors.Is(err, core.ErrEpochNotFound) {
		return nil, err
	}

	samples, err := s.collectSamples(ctx, epochID, sessionIDs)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, core.ErrNoSamples
	}

	tree, err := merkle.Build(samples, s.cfg.TreeDepth, s.hasher)
	if err != nil {
		return nil, fmt.Errorf("failed to build commitment tree: %w", err)
	}

	commitment := &core.EpochCommitment{
		EpochID:     epochID,
		Samples:     samples,
		Root:        tree.RootBytes(),
		Levels:      levelsToHashes(tree.Levels()),
		FinalizedAt: time.Now(),
	}

	stored, authoritative, err := s.commitments.PutIfAbsent(ctx, commitment, s.cfg.CommitmentTTL)
	if err != nil {
		return nil, err
	}
	if !stored {
		// Another finalizer won the race; its commitment is the truth.
		return authoritative, nil
	}

	s.log.Info().
		Uint64("epoch", epochID).
		Str("root", commitment.Root.String()).
		Int("samples", len(samples)).
		Msg("epoch finalized")

	s.anchors.Add(1)
	go s.anchor(epochID, commitment.Root)

	if s.events != nil {
		if err := s.events.PublishEpochFinalized(ctx, epochID, commitment.Root, len(samples)); err != nil {
			s.log.Warn().Err(err).Uint64("epoch", epochID).Msg("failed to publish finalization event")
		}
	}

	return commitment, nil
}

// Commitment returns the locally persisted commitment for an epoch.
func (s *EpochService) Commitment(ctx context.Context, epochID uint64) (*core.EpochCommitment, error) {
	return s.commitments.Get(ctx, epochID)
}

// Root reads the anchored root from the ledger. An unreachable ledger
// reports the epoch as pending rather than failing: pollers must be able
// to distinguish "not yet" from "broken".
func (s *EpochService) Root(ctx context.Context, epochID uint64) (RootStatus, error) {
	root, finalized, err := s.ledger.RootOf(ctx, epochID)
	if err != nil {
		if errors.Is(err, core.ErrLedgerUnavailable) {
			s.log.Warn().Err(err).Uint64("epoch", epochID).Msg("ledger read failed, reporting pending")
			return RootStatus{EpochID: epochID}, nil
		}
		return RootStatus{}, err
	}
	if !finalized {
		return RootStatus{EpochID: epochID}, nil
	}
	return RootStatus{EpochID: epochID, Root: &root, Finalized: true}, nil
}

// Bundle assembles the prover bundle for a finalized epoch: the root,
// every committed leaf, and each leaf's inclusion proof.
func (s *EpochService) Bundle(ctx context.Context, epochID uint64) (*Bundle, error) {
	commitment, err := s.commitments.Get(ctx, epochID)
	if err != nil {
		return nil, err
	}

	tree, err := merkle.Restore(hashesToLevels(commitment.Levels), len(commitment.Samples), s.hasher)
	if err != nil {
		return nil, fmt.Errorf("failed to restore commitment tree: %w", err)
	}

	bundle := &Bundle{
		EpochID: epochID,
		Root:    commitment.Root,
		Leaves:  make([]BundleLeaf, 0, len(commitment.Samples)),
		Proofs:  make([]BundleProof, 0, len(commitment.Samples)),
	}
	for i, sample := range commitment.Samples {
		leaf, err := tree.Leaf(i)
		if err != nil {
			return nil, err
		}
		proof, err := tree.Proof(i)
		if err != nil {
			return nil, err
		}

		siblings := make([]core.Hash, len(proof.Siblings))
		for j, sib := range proof.Siblings {
			siblings[j] = merkle.HashBytes(sib)
		}
		bundle.Leaves = append(bundle.Leaves, BundleLeaf{
			Index: sample.Index,
			Nonce: sample.Nonce,
			RTTMs: sample.RTTMs,
			Hash:  merkle.HashBytes(leaf),
		})
		bundle.Proofs = append(bundle.Proofs, BundleProof{
			Index:    sample.Index,
			Siblings: siblings,
			PathBits: proof.PathBits,
		})
	}
	return bundle, nil
}

// Close waits for in-flight anchor submissions to finish.
func (s *EpochService) Close() {
	s.anchors.Wait()
}

func (s *EpochService) collectSamples(ctx context.Context, epochID uint64, sessionIDs []string) ([]core.Sample, error) {
	var samples []core.Sample
	for _, id := range sessionIDs {
		session, err := s.sessions.Get(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrSessionNotFound) {
				s.log.Warn().Str("session", id).Msg("session not found, skipping")
				continue
			}
			return nil, err
		}
		if session.EpochID != epochID {
			s.log.Warn().Str("session", id).Uint64("expected", epochID).Uint64("got", session.EpochID).Msg("session epoch mismatch, skipping")
			continue
		}
		if session.Status != core.SessionCompleted {
			s.log.Warn().Str("session", id).Str("status", string(session.Status)).Msg("session not completed, skipping")
			continue
		}
		samples = append(samples, session.OrderedSamples()...)
	}
	return samples, nil
}

// anchor mirrors a finalized root to the ledger with bounded retries.
// Failure leaves the locally persisted commitment untouched; the ledger
// read path simply keeps reporting the epoch as pending.
func (s *EpochService) anchor(epochID uint64, root core.Hash) {
	defer s.anchors.Done()

	backoff := s.cfg.AnchorBackoff
	for attempt := 1; attempt <= s.cfg.AnchorAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		anchored, err := s.ledger.Submit(ctx, epochID, root)
		cancel()
		if err == nil {
			if anchored != root {
				s.log.Warn().
					Uint64("epoch", epochID).
					Str("ours", root.String()).
					Str("anchored", anchored.String()).
					Msg("ledger already carries a different root")
			}
			return
		}

		s.log.Warn().Err(err).Uint64("epoch", epochID).Int("attempt", attempt).Msg("anchor submission failed")
		if attempt < s.cfg.AnchorAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	s.log.Error().Uint64("epoch", epochID).Msg("giving up anchoring epoch root")
}

func (s *EpochService) epochLock(epochID uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.inflight[epochID]
	if !ok {
		lock = &sync.Mutex{}
		s.inflight[epochID] = lock
	}
	return lock
}

func levelsToHashes(levels [][]fr.Element) [][]core.Hash {
	out := make([][]core.Hash, len(levels))
	for i, level := range levels {
		out[i] = make([]core.Hash, len(level))
		for j, e := range level {
			out[i][j] = merkle.HashBytes(e)
		}
	}
	return out
}

func hashesToLevels(levels [][]core.Hash) [][]fr.Element {
	out := make([][]fr.Element, len(levels))
	for i, level := range levels {
		out[i] = make([]fr.Element, len(level))
		for j, h := range level {
			out[i][j] = merkle.HashElement(h)
		}
	}
	return out
}
