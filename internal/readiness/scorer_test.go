package readiness

import (
	"testing"
	"time"

	"github.com/starwreckntx/mergeguard/internal/policy"
	"github.com/starwreckntx/mergeguard/internal/session"

	"github.com/stretchr/testify/assert"
)

var loadedAt = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func stateAt(elapsed time.Duration) *session.State {
	return &session.State{
		SchemaVersion: session.SchemaVersion,
		ResourceID:    "pr-1",
		LoadedAt:      loadedAt,
		LastActiveAt:  loadedAt.Add(elapsed),
	}
}

func TestCalculateThoroughReview(t *testing.T) {
	doc := policy.Builtin()
	st := stateAt(5 * time.Minute)
	st.SecondaryReviewed = true
	st.Engagement.ActiveTimeMs = 75000
	st.Engagement.MaxScrollPct = 80
	st.SectionsVisited = []string{"files", "conversation"}

	res := Calculate(st, doc, loadedAt.Add(5*time.Minute))

	// 0.35 + 0.25 + 0.20 + 2*0.10, no penalty.
	assert.InDelta(t, 1.0, res.Score, 1e-9)
	assert.Equal(t, 0, res.Tier)
	assert.Empty(t, res.Penalties)
	assert.ElementsMatch(t, []SignalID{
		SignalSecondaryReviewed, SignalEngagementTime, SignalScrollDepth, SignalSectionVisited,
	}, res.ContributingSignals)
	assert.Empty(t, res.MissingSignals)
}

func TestCalculateRubberStamp(t *testing.T) {
	doc := policy.Builtin()
	st := stateAt(5 * time.Second)

	res := Calculate(st, doc, loadedAt.Add(5*time.Second))

	// No signals and a too-soon penalty; the clamp keeps the score at 0.
	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, 2, res.Tier)
	assert.Equal(t, []SignalID{PenaltyTooSoon}, res.Penalties)
	assert.Len(t, res.MissingSignals, 4)
}

func TestCalculatePartialEngagementScales(t *testing.T) {
	doc := policy.Builtin()
	st := stateAt(2 * time.Minute)
	st.Engagement.ActiveTimeMs = 30000 // half the 60s target

	res := Calculate(st, doc, loadedAt.Add(2*time.Minute))

	assert.InDelta(t, 0.125, res.Score, 1e-9)
	assert.Equal(t, 2, res.Tier)
	assert.Contains(t, res.ContributingSignals, SignalEngagementTime)
}

func TestCalculateSectionCountCapped(t *testing.T) {
	doc := policy.Builtin()
	st := stateAt(2 * time.Minute)
	st.SectionsVisited = []string{"files", "conversation", "checks", "commits"}

	res := Calculate(st, doc, loadedAt.Add(2*time.Minute))

	// Only max_counted_sections (2) count toward the score.
	assert.InDelta(t, 0.20, res.Score, 1e-9)
	assert.Equal(t, 4, res.Snapshot.SectionsVisited)
}

func TestCalculateTierBoundaries(t *testing.T) {
	// Exact-binary weights keep the boundary comparisons deterministic.
	doc := policy.Builtin()
	doc.Thresholds.Signals = map[string]float64{
		policy.SignalSecondaryReviewed: 0.5,
		policy.SignalEngagementTime:    0.25,
		policy.SignalScrollDepth:       0.125,
		policy.SignalSectionVisited:    0.0625,
		policy.SignalTooSoonPenalty:    0.25,
	}
	doc.Thresholds.Tier1Min = 0.75
	doc.Thresholds.Tier2Min = 0.5

	// Score exactly at tier1_min maps to tier 0.
	st := stateAt(2 * time.Minute)
	st.SecondaryReviewed = true
	st.Engagement.ActiveTimeMs = 60000
	res := Calculate(st, doc, loadedAt.Add(2*time.Minute))
	assert.Equal(t, 0.75, res.Score)
	assert.Equal(t, 0, res.Tier)

	// Score exactly at tier2_min maps to tier 1.
	st = stateAt(2 * time.Minute)
	st.SecondaryReviewed = true
	res = Calculate(st, doc, loadedAt.Add(2*time.Minute))
	assert.Equal(t, 0.5, res.Score)
	assert.Equal(t, 1, res.Tier)

	// Just below tier2_min maps to tier 2.
	st = stateAt(2 * time.Minute)
	st.Engagement.MaxScrollPct = 60
	res = Calculate(st, doc, loadedAt.Add(2*time.Minute))
	assert.Equal(t, 0.125, res.Score)
	assert.Equal(t, 2, res.Tier)
}

func TestCalculatePenaltyApplied(t *testing.T) {
	doc := policy.Builtin()
	st := stateAt(5 * time.Second)
	st.SecondaryReviewed = true
	st.Engagement.MaxScrollPct = 80

	res := Calculate(st, doc, loadedAt.Add(5*time.Second))

	// 0.35 + 0.20 - 0.25.
	assert.InDelta(t, 0.30, res.Score, 1e-9)
	assert.Equal(t, []SignalID{PenaltyTooSoon}, res.Penalties)
}

func TestCalculateClampUpper(t *testing.T) {
	doc := policy.Builtin()
	doc.Thresholds.Signals[policy.SignalSecondaryReviewed] = 0.9
	st := stateAt(2 * time.Minute)
	st.SecondaryReviewed = true
	st.Engagement.ActiveTimeMs = 120000
	st.Engagement.MaxScrollPct = 100
	st.SectionsVisited = []string{"files", "conversation", "checks"}

	res := Calculate(st, doc, loadedAt.Add(2*time.Minute))
	assert.Equal(t, 1.0, res.Score)
}

func TestCalculateDisplayScoreRounded(t *testing.T) {
	doc := policy.Builtin()
	st := stateAt(2 * time.Minute)
	st.Engagement.ActiveTimeMs = 20000 // third of target: 0.25/3

	res := Calculate(st, doc, loadedAt.Add(2*time.Minute))
	assert.InDelta(t, 0.0833333, res.Score, 1e-6)
	assert.Equal(t, 0.08, res.DisplayScore)
}

func TestCalculateSnapshot(t *testing.T) {
	doc := policy.Builtin()
	st := stateAt(90 * time.Second)
	st.Engagement.ActiveTimeMs = 42000
	st.Engagement.MaxScrollPct = 55
	st.SectionsVisited = []string{"files"}

	res := Calculate(st, doc, loadedAt.Add(90*time.Second))
	assert.Equal(t, int64(42000), res.Snapshot.ActiveTimeMs)
	assert.Equal(t, float64(55), res.Snapshot.MaxScrollPct)
	assert.Equal(t, 1, res.Snapshot.SectionsVisited)
	assert.Equal(t, int64(90000), res.Snapshot.ElapsedMs)
}
