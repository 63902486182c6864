package core

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SentinelRTT is the reserved out-of-range RTT value substituted for
// missing samples and for measurements outside sane bounds. It must stay
// outside the valid range so the commitment circuit's input domain is fixed.
const SentinelRTT int32 = 5000

// Outcome classifies how a sample was produced. Missing and Invalid both
// carry the sentinel RTT on the wire; they are kept distinct internally.
type Outcome uint8

const (
	OutcomeValid Outcome = iota
	OutcomeInvalid
	OutcomeMissing
)

// Nonce is the 128-bit random challenge identifier.
type Nonce [16]byte

// NewNonce returns a cryptographically random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return n, nil
}

// ParseNonce decodes a hex-encoded nonce.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(n) {
		return Nonce{}, ErrUnknownChallenge
	}
	copy(n[:], b)
	return n, nil
}

func (n Nonce) String() string { return hex.EncodeToString(n[:]) }

func (n Nonce) MarshalJSON() ([]byte, error) { return json.Marshal(n.String()) }

func (n *Nonce) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseNonce(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Hash is a canonical big-endian field element, as anchored on the ledger.
type Hash [32]byte

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) MarshalJSON() ([]byte, error) { return json.Marshal(h.String()) }

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 0x-prefixed (or bare) hex hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return Hash{}, fmt.Errorf("invalid hash encoding %q", s)
	}
	copy(h[:], b)
	return h, nil
}

// Challenge is a single timed round-trip probe. It is immutable once
// issued and referenced by its (Index, Nonce) pair.
type Challenge struct {
	Index     uint32        `json:"index"`
	Nonce     Nonce         `json:"nonce"`
	PlannedAt time.Time     `json:"plannedAt"`
	IssuedAt  time.Time     `json:"issuedAt"` // zero until actually sent
	TTL       time.Duration `json:"ttlMs"`
}

// Sample is the recorded outcome of one challenge.
type Sample struct {
	Index   uint32  `json:"index"`
	Nonce   Nonce   `json:"nonce"`
	RTTMs   int32   `json:"rttMs"`
	Outcome Outcome `json:"outcome"`
}

func (s Sample) Valid() bool { return s.Outcome == OutcomeValid }

// Eligibility reports which latency tiers a completed session qualifies
// for. A tier is met when at least MinTierSamples samples are valid with
// an RTT at or under the tier threshold.
type Eligibility struct {
	Tier75  bool `json:"tier75"`
	Tier150 bool `json:"tier150"`
	Tier300 bool `json:"tier300"`
}

// MinTierSamples is how many qualifying samples a tier requires.
const MinTierSamples = 28

// EligibilityFor computes tier eligibility over a session's samples.
func EligibilityFor(samples map[uint32]Sample) Eligibility {
	var under75, under150, under300 int
	for _, s := range samples {
		if !s.Valid() {
			continue
		}
		if s.RTTMs <= 75 {
			under75++
		}
		if s.RTTMs <= 150 {
			under150++
		}
		if s.RTTMs <= 300 {
			under300++
		}
	}
	return Eligibility{
		Tier75:  under75 >= MinTierSamples,
		Tier150: under150 >= MinTierSamples,
		Tier300: under300 >= MinTierSamples,
	}
}

// Receipt is the signed attestation handed to a client when its session
// completes. It binds the client to the anchored commitment.
type Receipt struct {
	ClientID    string      `json:"clientId"`
	SessionID   string      `json:"sessionId"`
	EpochID     uint64      `json:"epochId"`
	Root        Hash        `json:"root"`
	Eligibility Eligibility `json:"eligibility"`
	IssuedAt    time.Time   `json:"issuedAt"`
}

// EpochCommitment is the finalized batch commitment for one epoch. It is
// created exactly once per epoch; Samples are sorted by index and Levels
// holds every tree level (leaves first) so inclusion proofs can be served
// without rebuilding the tree.
type EpochCommitment struct {
	EpochID     uint64    `json:"epochId"`
	Samples     []Sample  `json:"samples"`
	Root        Hash      `json:"root"`
	Levels      [][]Hash  `json:"levels"`
	FinalizedAt time.Time `json:"finalizedAt"`
}
