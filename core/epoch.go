package core

import "time"

// DefaultEpochWindow is the width of the time bucket grouping sessions
// for one shared commitment.
const DefaultEpochWindow = 5 * time.Minute

// EpochAt derives the epoch identifier for a point in time. Epochs are
// fixed-width wall-clock windows, so the mapping is deterministic.
func EpochAt(t time.Time, window time.Duration) uint64 {
	return uint64(t.UnixMilli() / window.Milliseconds())
}
