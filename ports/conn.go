package ports

import "github.com/layer-3/pingmark/core"

// SessionConn is the server side of one client's session connection.
// Implementations must be safe for use from the session worker and the
// echo path concurrently.
type SessionConn interface {
	SendChallenge(index uint32, nonce core.Nonce, ttlMs int64) error
	SendResult(index uint32, rttMs int32, valid bool, completed, total int) error
	SendComplete(epochID uint64, root core.Hash, eligibility core.Eligibility, receipt string) error
	SendError(reason string) error
	Close() error
}
