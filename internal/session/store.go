package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
	"github.com/starwreckntx/mergeguard/internal/store"
)

// Store persists per-resource session state through the KV worker. Every
// mutation is a read-modify-write inside one worker turn followed by a
// full-record persist. A dropped write never crashes the gate; the next
// read just reflects the pre-mutation record.
type Store struct {
	worker *store.Worker
	now    func() time.Time
}

func NewStore(worker *store.Worker) *Store {
	return &Store{worker: worker, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Initialize loads-or-creates the session for a resource. A persisted
// record is accepted wholesale when it passes the structural check,
// otherwise discarded; either way the fresh-session markers are stamped
// and the record persisted immediately.
func (s *Store) Initialize(resourceID string) (*State, error) {
	now := s.now()
	fresh := &State{
		SchemaVersion: SchemaVersion,
		ResourceID:    resourceID,
		LoadedAt:      now,
		LastActiveAt:  now,
	}

	var out State
	err := s.worker.Update(store.SessionKey(resourceID), func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		st := fresh
		if exists {
			var persisted State
			if err := json.Unmarshal(current, &persisted); err == nil && persisted.valid() && persisted.ResourceID == resourceID {
				st = &persisted
				st.LoadedAt = now
				st.LastActiveAt = now
			} else {
				slog.Warn("Discarding invalid persisted session", "resource", resourceID)
			}
		}
		out = *st
		return json.Marshal(st)
	})
	if err != nil {
		slog.Warn("Failed to persist session on initialize", "resource", resourceID, "error", err)
		out = *fresh
	}
	return &out, nil
}

// Get returns the current session record, or ErrNotFound.
func (s *Store) Get(resourceID string) (*State, error) {
	var st State
	if err := s.worker.GetInto(store.SessionKey(resourceID), &st); err != nil {
		return nil, err
	}
	if !st.valid() {
		return nil, guardErrors.ErrNotFound
	}
	return &st, nil
}

// Discard drops the session for a superseded resource.
func (s *Store) Discard(resourceID string) error {
	return s.worker.Delete(store.SessionKey(resourceID))
}

// RecordSectionVisit marks a section visited. Repeat visits are no-ops.
func (s *Store) RecordSectionVisit(resourceID, section string) {
	s.mutate(resourceID, func(st *State) bool {
		if st.HasVisited(section) {
			return false
		}
		st.SectionsVisited = append(st.SectionsVisited, section)
		return true
	})
}

// RecordSecondaryReviewed marks the secondary surface as reviewed.
func (s *Store) RecordSecondaryReviewed(resourceID string) {
	s.mutate(resourceID, func(st *State) bool {
		if st.SecondaryReviewed {
			return false
		}
		st.SecondaryReviewed = true
		return true
	})
}

// AccumulateEngagement adds active time.
func (s *Store) AccumulateEngagement(resourceID string, ms int64) {
	if ms <= 0 {
		return
	}
	s.mutate(resourceID, func(st *State) bool {
		st.Engagement.ActiveTimeMs += ms
		return true
	})
}

// UpdateEngagementSnapshot raises the max scroll depth; it never lowers it.
func (s *Store) UpdateEngagementSnapshot(resourceID string, scrollPct float64) {
	if scrollPct < 0 {
		scrollPct = 0
	}
	if scrollPct > 100 {
		scrollPct = 100
	}
	s.mutate(resourceID, func(st *State) bool {
		if scrollPct <= st.Engagement.MaxScrollPct {
			return false
		}
		st.Engagement.MaxScrollPct = scrollPct
		return true
	})
}

// RecordCheckpoint appends to the bounded checkpoint history, evicting the
// oldest entry beyond the cap.
func (s *Store) RecordCheckpoint(resourceID, kind string, outcome CheckpointOutcome) {
	ts := s.now()
	s.mutate(resourceID, func(st *State) bool {
		st.CheckpointHistory = append(st.CheckpointHistory, CheckpointRecord{
			Timestamp: ts,
			Kind:      kind,
			Outcome:   outcome,
		})
		if len(st.CheckpointHistory) > MaxCheckpointHistory {
			st.CheckpointHistory = st.CheckpointHistory[len(st.CheckpointHistory)-MaxCheckpointHistory:]
		}
		return true
	})
}

// mutate applies fn to the stored record in one worker turn. Missing or
// invalid records abort the mutation (the caller should have initialized
// first); persistence failures are logged and swallowed.
func (s *Store) mutate(resourceID string, fn func(st *State) bool) {
	err := s.worker.Update(store.SessionKey(resourceID), func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		if !exists {
			return nil, guardErrors.ErrNotFound
		}
		var st State
		if err := json.Unmarshal(current, &st); err != nil || !st.valid() {
			return nil, guardErrors.ErrNotFound
		}
		if !fn(&st) {
			// No-op mutation; rewrite the unchanged record.
			return current, nil
		}
		st.LastActiveAt = s.now()
		return json.Marshal(&st)
	})
	if err != nil && !errors.Is(err, guardErrors.ErrNotFound) {
		slog.Warn("Session mutation not persisted", "resource", resourceID, "error", err)
	}
}
