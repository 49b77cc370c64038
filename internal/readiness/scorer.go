// Package readiness turns behavioral session state into a review-readiness
// score. Calculate is a pure function of (state, policy, clock); it holds
// no state and is safe to call from anywhere.
package readiness

import (
	"math"
	"time"

	"github.com/starwreckntx/mergeguard/internal/policy"
	"github.com/starwreckntx/mergeguard/internal/session"
)

type SignalID string

const (
	SignalSecondaryReviewed SignalID = "secondary_reviewed"
	SignalEngagementTime    SignalID = "engagement_time"
	SignalScrollDepth       SignalID = "scroll_depth"
	SignalSectionVisited    SignalID = "section_visited"
	PenaltyTooSoon          SignalID = "too_soon"
)

type Result struct {
	// Score is the clamped raw score used for thresholding.
	Score float64 `json:"score"`
	// DisplayScore is Score rounded to two decimals, for stable display.
	DisplayScore float64 `json:"display_score"`
	// Tier is 0 (none), 1 (advisory) or 2 (blocking-but-overridable).
	// Tier 3 is never score-driven; the gate assigns it by kind.
	Tier                int        `json:"tier"`
	ContributingSignals []SignalID `json:"contributing_signals"`
	MissingSignals      []SignalID `json:"missing_signals"`
	Penalties           []SignalID `json:"penalties"`
	Snapshot            Snapshot   `json:"snapshot"`
}

// Snapshot carries the raw metrics the score was derived from.
type Snapshot struct {
	ActiveTimeMs    int64   `json:"active_time_ms"`
	MaxScrollPct    float64 `json:"max_scroll_pct"`
	SectionsVisited int     `json:"sections_visited"`
	ElapsedMs       int64   `json:"elapsed_ms"`
}

// Calculate scores a session against the policy weights. Positive signals
// add their weight (engagement time scales continuously toward its target);
// an action attempted too soon after load subtracts the configured penalty.
// The result is clamped to [0,1] before tier mapping.
func Calculate(st *session.State, doc *policy.Document, now time.Time) Result {
	weights := doc.Thresholds.Signals
	targets := doc.Thresholds.Targets

	res := Result{
		Snapshot: Snapshot{
			ActiveTimeMs:    st.Engagement.ActiveTimeMs,
			MaxScrollPct:    st.Engagement.MaxScrollPct,
			SectionsVisited: len(st.SectionsVisited),
			ElapsedMs:       now.Sub(st.LoadedAt).Milliseconds(),
		},
	}

	score := 0.0

	if st.SecondaryReviewed {
		score += weights[policy.SignalSecondaryReviewed]
		res.ContributingSignals = append(res.ContributingSignals, SignalSecondaryReviewed)
	} else {
		res.MissingSignals = append(res.MissingSignals, SignalSecondaryReviewed)
	}

	// Engagement time scales continuously rather than all-or-nothing.
	if targets.EngagementMs > 0 && st.Engagement.ActiveTimeMs > 0 {
		frac := math.Min(float64(st.Engagement.ActiveTimeMs)/float64(targets.EngagementMs), 1)
		score += frac * weights[policy.SignalEngagementTime]
		res.ContributingSignals = append(res.ContributingSignals, SignalEngagementTime)
	} else {
		res.MissingSignals = append(res.MissingSignals, SignalEngagementTime)
	}

	if st.Engagement.MaxScrollPct >= targets.ScrollPct && targets.ScrollPct > 0 {
		score += weights[policy.SignalScrollDepth]
		res.ContributingSignals = append(res.ContributingSignals, SignalScrollDepth)
	} else {
		res.MissingSignals = append(res.MissingSignals, SignalScrollDepth)
	}

	counted := len(st.SectionsVisited)
	if targets.MaxCountedSections > 0 && counted > targets.MaxCountedSections {
		counted = targets.MaxCountedSections
	}
	if counted > 0 {
		score += float64(counted) * weights[policy.SignalSectionVisited]
		res.ContributingSignals = append(res.ContributingSignals, SignalSectionVisited)
	} else {
		res.MissingSignals = append(res.MissingSignals, SignalSectionVisited)
	}

	if res.Snapshot.ElapsedMs < targets.MinElapsedMs {
		score -= weights[policy.SignalTooSoonPenalty]
		res.Penalties = append(res.Penalties, PenaltyTooSoon)
	}

	// Clamp before thresholding; round only the display value.
	score = math.Max(0, math.Min(1, score))
	res.Score = score
	res.DisplayScore = math.Round(score*100) / 100
	res.Tier = tierFor(score, doc.Thresholds.Tier1Min, doc.Thresholds.Tier2Min)

	return res
}

func tierFor(score, tier1Min, tier2Min float64) int {
	switch {
	case score >= tier1Min:
		return 0
	case score >= tier2Min:
		return 1
	default:
		return 2
	}
}
