package policy

// Builtin returns the hard-coded minimal policy used when no configured
// source loads or validates. It must always validate; there is a test
// pinning that.
func Builtin() *Document {
	return &Document{
		PolicyVersion: "builtin-1",
		Matchers: Matchers{
			ScopeRule: "merge-controls",
			Kinds: []Kind{
				{
					ID:          KindMergeNow,
					Description: "Immediate merge confirmation controls",
					Timing:      TimingImmediate,
					Patterns: []string{
						`^confirm (squash and |rebase and )?merge$`,
						`^merge pull request$`,
						`^confirm merge$`,
						`^(squash and |rebase and )?merge$`,
					},
				},
				{
					ID:          KindMergeScheduled,
					Description: "Deferred merge controls (auto-merge, merge queue)",
					Timing:      TimingScheduled,
					Patterns: []string{
						`enable auto-merge`,
						`merge when ready`,
						`add to merge queue`,
					},
				},
			},
		},
		Thresholds: Scoring{
			Signals: map[string]float64{
				SignalSecondaryReviewed: 0.35,
				SignalEngagementTime:    0.25,
				SignalScrollDepth:       0.20,
				SignalSectionVisited:    0.10,
				SignalTooSoonPenalty:    0.25,
			},
			Targets: Targets{
				EngagementMs:       60000,
				ScrollPct:          50,
				MinElapsedMs:       30000,
				MaxCountedSections: 2,
			},
			Tier1Min: 0.70,
			Tier2Min: 0.40,
		},
		Cooldowns: Cooldowns{
			ProactiveMs:     4 * 60 * 60 * 1000,
			PremergeResetMs: 10 * 60 * 1000,
			TokenTTLMs:      5000,
		},
		Templates: Templates{
			Tier1: map[KindID]Template{
				KindMergeNow: {
					Title: "Ready to merge?",
					Body:  "A quick look at the files and discussion first can save a revert later.",
				},
				KindMergeScheduled: {
					Title: "Scheduling a merge",
					Body:  "This change will land automatically once checks pass.",
				},
			},
			Tier2: map[KindID]Template{
				KindMergeNow: {
					Title: "Hold on — this merge looks unreviewed",
					Body:  "Briefly note why this is ready to merge, or go back and review.",
				},
				KindMergeScheduled: {
					Title: "Auto-merge with little review",
					Body:  "Briefly note why scheduling this merge is safe right now.",
				},
			},
			Tier3: map[KindID]Template{
				KindMergeNow: {
					Title: "Merging is hard to undo",
					Body:  "Confirm each item, then type the confirmation text to proceed.",
					Checklist: []string{
						"I have read the changed files",
						"I have checked the discussion for unresolved threads",
						"CI status is green or failures are understood",
					},
					ExpectedText: "merge",
				},
				KindMergeScheduled: {
					Title: "Scheduled merge is hard to undo once it lands",
					Body:  "Confirm each item, then type the confirmation text to proceed.",
					Checklist: []string{
						"I have read the changed files",
						"I understand when this will land",
					},
					ExpectedText: "merge",
				},
			},
		},
	}
}
