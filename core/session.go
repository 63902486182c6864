package core

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// Session is the per-client challenge/response state. All mutation happens
// on the session's worker; everything handed outside goes through Snapshot.
type Session struct {
	ID         string            `json:"id"`
	ClientID   string            `json:"clientId"`
	EpochID    uint64            `json:"epochId"`
	StartedAt  time.Time         `json:"startedAt"`
	Challenges []Challenge       `json:"challenges"`
	Samples    map[uint32]Sample `json:"samples"`
	Status     SessionStatus     `json:"status"`
}

// ChallengeAt looks up a challenge by its (index, nonce) pair. Echoes that
// do not match an issued challenge are stale or forged.
func (s *Session) ChallengeAt(index uint32, nonce Nonce) (*Challenge, bool) {
	if int(index) >= len(s.Challenges) {
		return nil, false
	}
	c := &s.Challenges[index]
	if c.Index != index || c.Nonce != nonce {
		return nil, false
	}
	return c, true
}

// RecordSample records a sample for its index. A prior sample is only
// overwritten by a valid one with a strictly lower RTT.
func (s *Session) RecordSample(sample Sample) bool {
	if existing, ok := s.Samples[sample.Index]; ok {
		if !sample.Valid() || sample.RTTMs >= existing.RTTMs {
			return false
		}
	}
	s.Samples[sample.Index] = sample
	return true
}

// FillMissing records a sentinel sample for every unanswered index. Called
// when a session is force-completed at its deadline.
func (s *Session) FillMissing() {
	for i := range s.Challenges {
		c := &s.Challenges[i]
		if _, ok := s.Samples[c.Index]; ok {
			continue
		}
		s.Samples[c.Index] = Sample{
			Index:   c.Index,
			Nonce:   c.Nonce,
			RTTMs:   SentinelRTT,
			Outcome: OutcomeMissing,
		}
	}
}

// Snapshot returns a deep copy safe to hand off or persist while the
// worker keeps mutating the original.
func (s *Session) Snapshot() *Session {
	cp := *s
	cp.Challenges = make([]Challenge, len(s.Challenges))
	copy(cp.Challenges, s.Challenges)
	cp.Samples = make(map[uint32]Sample, len(s.Samples))
	for k, v := range s.Samples {
		cp.Samples[k] = v
	}
	return &cp
}

// OrderedSamples returns the session's samples sorted by index.
func (s *Session) OrderedSamples() []Sample {
	out := make([]Sample, 0, len(s.Samples))
	for i := range s.Challenges {
		if sample, ok := s.Samples[s.Challenges[i].Index]; ok {
			out = append(out, sample)
		}
	}
	return out
}
