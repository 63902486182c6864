package core

import "errors"

var (
	ErrDuplicateSession  = errors.New("client already has an active session")
	ErrSessionNotFound   = errors.New("session not found")
	ErrUnknownChallenge  = errors.New("unknown challenge")
	ErrNoSamples         = errors.New("no samples recorded for epoch")
	ErrEpochNotFound     = errors.New("epoch not finalized")
	ErrInvalidReceipt    = errors.New("invalid receipt token")
	ErrLedgerWriteFailed = errors.New("ledger write failed")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrStoreUnavailable  = errors.New("store operation failed")
)
