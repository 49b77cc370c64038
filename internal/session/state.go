package session

import "time"

// SchemaVersion tags persisted session records. A record with a different
// version is discarded wholesale on load, never field-merged.
const SchemaVersion = 1

// MaxCheckpointHistory bounds the per-resource checkpoint log; the oldest
// entry is evicted first.
const MaxCheckpointHistory = 10

type Engagement struct {
	ActiveTimeMs int64   `json:"active_time_ms"`
	MaxScrollPct float64 `json:"max_scroll_pct"`
}

type CheckpointOutcome string

const (
	OutcomeCompleted  CheckpointOutcome = "completed"
	OutcomeOverridden CheckpointOutcome = "overridden"
	OutcomeAborted    CheckpointOutcome = "aborted"
)

type CheckpointRecord struct {
	Timestamp time.Time         `json:"ts"`
	Kind      string            `json:"kind"`
	Outcome   CheckpointOutcome `json:"outcome"`
}

// State is the behavioral session for one resource (e.g. one pull request).
type State struct {
	SchemaVersion     int                `json:"schema_version"`
	ResourceID        string             `json:"resource_id"`
	LoadedAt          time.Time          `json:"loaded_at"`
	LastActiveAt      time.Time          `json:"last_active_at"`
	SectionsVisited   []string           `json:"sections_visited"`
	SecondaryReviewed bool               `json:"secondary_reviewed"`
	Engagement        Engagement         `json:"engagement"`
	CheckpointHistory []CheckpointRecord `json:"checkpoint_history"`
}

func (s *State) HasVisited(section string) bool {
	for _, v := range s.SectionsVisited {
		if v == section {
			return true
		}
	}
	return false
}

// valid is the structural acceptance check for a persisted record.
func (s *State) valid() bool {
	if s.SchemaVersion != SchemaVersion {
		return false
	}
	if s.ResourceID == "" || s.LoadedAt.IsZero() {
		return false
	}
	if s.Engagement.MaxScrollPct < 0 || s.Engagement.MaxScrollPct > 100 {
		return false
	}
	if len(s.CheckpointHistory) > MaxCheckpointHistory {
		return false
	}
	return true
}
