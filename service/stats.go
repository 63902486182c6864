package service

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/layer-3/pingmark/core"
)

// TierCounts breaks valid samples down by latency band.
type TierCounts struct {
	Under75MS  int `json:"under75Ms"`
	Under150MS int `json:"under150Ms"`
	Under300MS int `json:"under300Ms"`
}

// SessionStats summarizes a session's recorded samples. Aggregates are
// computed over valid samples only; sentinel and over-deadline values
// count toward Failed.
type SessionStats struct {
	SessionID   string           `json:"sessionId"`
	ClientID    string           `json:"clientId"`
	EpochID     uint64           `json:"epochId"`
	Status      string           `json:"status"`
	Total       int              `json:"total"`
	Valid       int              `json:"valid"`
	Failed      int              `json:"failed"`
	MinRTTMs    int32            `json:"minRttMs"`
	MaxRTTMs    int32            `json:"maxRttMs"`
	AvgRTTMs    decimal.Decimal  `json:"avgRttMs"`
	MedianRTTMs decimal.Decimal  `json:"medianRttMs"`
	P95RTTMs    int32            `json:"p95RttMs"`
	Tiers       TierCounts       `json:"tiers"`
	Eligibility core.Eligibility `json:"eligibility"`
}

// Stats loads a session and computes its latency summary.
func (s *SessionService) Stats(ctx context.Context, sessionID string) (*SessionStats, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return computeStats(sess), nil
}

func computeStats(sess *core.Session) *SessionStats {
	stats := &SessionStats{
		SessionID:   sess.ID,
		ClientID:    sess.ClientID,
		EpochID:     sess.EpochID,
		Status:      string(sess.Status),
		Total:       len(sess.Samples),
		AvgRTTMs:    decimal.Zero,
		MedianRTTMs: decimal.Zero,
		Eligibility: core.EligibilityFor(sess.Samples),
	}

	var valid []int32
	for _, sample := range sess.Samples {
		if !sample.Valid() {
			stats.Failed++
			continue
		}
		valid = append(valid, sample.RTTMs)
		switch {
		case sample.RTTMs <= 75:
			stats.Tiers.Under75MS++
			stats.Tiers.Under150MS++
			stats.Tiers.Under300MS++
		case sample.RTTMs <= 150:
			stats.Tiers.Under150MS++
			stats.Tiers.Under300MS++
		case sample.RTTMs <= 300:
			stats.Tiers.Under300MS++
		}
	}
	stats.Valid = len(valid)
	if len(valid) == 0 {
		return stats
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
	stats.MinRTTMs = valid[0]
	stats.MaxRTTMs = valid[len(valid)-1]

	var sum int64
	for _, rtt := range valid {
		sum += int64(rtt)
	}
	n := int64(len(valid))
	stats.AvgRTTMs = decimal.NewFromInt(sum).Div(decimal.NewFromInt(n)).Round(2)

	mid := len(valid) / 2
	if len(valid)%2 == 1 {
		stats.MedianRTTMs = decimal.NewFromInt32(valid[mid])
	} else {
		stats.MedianRTTMs = decimal.NewFromInt32(valid[mid-1]).
			Add(decimal.NewFromInt32(valid[mid])).
			Div(decimal.NewFromInt(2)).
			Round(2)
	}

	p95 := (len(valid)*95 + 99) / 100
	if p95 < 1 {
		p95 = 1
	}
	stats.P95RTTMs = valid[p95-1]
	return stats
}
