package ledger

import (
	"context"
	"sync"

	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/ports"
)

// MockLedger is an in-memory ledger with the same write-once semantics as
// the on-chain EpochManager. Used for tests and local development.
type MockLedger struct {
	roots map[uint64]core.Hash
	mu    sync.Mutex
}

// NewMockLedger creates a new in-memory ledger
func NewMockLedger() *MockLedger {
	return &MockLedger{roots: make(map[uint64]core.Hash)}
}

var _ ports.Ledger = (*MockLedger)(nil)

// Submit anchors a root unless the epoch already carries one.
func (l *MockLedger) Submit(ctx context.Context, epochID uint64, root core.Hash) (core.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.roots[epochID]; ok && !existing.IsZero() {
		return existing, nil
	}
	l.roots[epochID] = root
	return root, nil
}

// RootOf reads the anchored root for an epoch.
func (l *MockLedger) RootOf(ctx context.Context, epochID uint64) (core.Hash, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	root, ok := l.roots[epochID]
	return root, ok && !root.IsZero(), nil
}
