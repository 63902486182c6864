package ports

import (
	"context"

	"github.com/layer-3/pingmark/core"
)

// Ledger is the external append-only anchor for finalized epoch roots.
// A zero root means the epoch is not finalized; once set, a root is
// immutable.
type Ledger interface {
	// Submit anchors a root for an epoch. If the epoch already carries a
	// non-zero root, that root is returned as-is: another writer anchored
	// first, which is success, not an error. Write failures are surfaced
	// for retry and never mutate local state.
	Submit(ctx context.Context, epochID uint64, root core.Hash) (core.Hash, error)
	// RootOf reads the anchored root. finalized is false for the zero
	// root so pollers can distinguish "pending" from "failed".
	RootOf(ctx context.Context, epochID uint64) (root core.Hash, finalized bool, err error)
}
