package session

import (
	"errors"
	"testing"
	"time"

	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
	"github.com/starwreckntx/mergeguard/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	worker, err := store.NewWorker(t.TempDir(), store.RuntimeConfig{})
	require.NoError(t, err)
	worker.Start()
	t.Cleanup(worker.Stop)
	return NewStore(worker)
}

func TestInitializeFresh(t *testing.T) {
	s := setupStore(t)

	st, err := s.Initialize("pr-1")
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, st.SchemaVersion)
	assert.Equal(t, "pr-1", st.ResourceID)
	assert.False(t, st.LoadedAt.IsZero())
	assert.Empty(t, st.SectionsVisited)
	assert.False(t, st.SecondaryReviewed)
}

func TestInitializeKeepsValidPersistedState(t *testing.T) {
	s := setupStore(t)

	_, err := s.Initialize("pr-1")
	require.NoError(t, err)
	s.RecordSectionVisit("pr-1", "files")
	s.RecordSecondaryReviewed("pr-1")

	st, err := s.Initialize("pr-1")
	require.NoError(t, err)
	assert.True(t, st.HasVisited("files"))
	assert.True(t, st.SecondaryReviewed)
}

func TestInitializeRestampsLoadTime(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	s := setupStore(t).WithClock(func() time.Time { return base })

	_, err := s.Initialize("pr-1")
	require.NoError(t, err)

	later := base.Add(2 * time.Hour)
	s.now = func() time.Time { return later }

	st, err := s.Initialize("pr-1")
	require.NoError(t, err)
	assert.Equal(t, later, st.LoadedAt)
}

func TestInitializeDiscardsSchemaMismatch(t *testing.T) {
	worker, err := store.NewWorker(t.TempDir(), store.RuntimeConfig{})
	require.NoError(t, err)
	worker.Start()
	t.Cleanup(worker.Stop)

	// A record from a different schema version is discarded wholesale,
	// never field-merged.
	old := map[string]any{
		"schema_version":     99,
		"resource_id":        "pr-1",
		"loaded_at":          time.Now(),
		"secondary_reviewed": true,
	}
	require.NoError(t, worker.Put(store.SessionKey("pr-1"), old))

	s := NewStore(worker)
	st, err := s.Initialize("pr-1")
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, st.SchemaVersion)
	assert.False(t, st.SecondaryReviewed)
}

func TestGetMissing(t *testing.T) {
	s := setupStore(t)

	_, err := s.Get("pr-9")
	assert.True(t, errors.Is(err, guardErrors.ErrNotFound))
}

func TestRecordSectionVisitIdempotent(t *testing.T) {
	s := setupStore(t)

	_, err := s.Initialize("pr-1")
	require.NoError(t, err)

	s.RecordSectionVisit("pr-1", "files")
	s.RecordSectionVisit("pr-1", "files")
	s.RecordSectionVisit("pr-1", "conversation")

	st, err := s.Get("pr-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"files", "conversation"}, st.SectionsVisited)
}

func TestMutateWithoutInitializeIsNoop(t *testing.T) {
	s := setupStore(t)

	s.RecordSectionVisit("pr-1", "files")

	_, err := s.Get("pr-1")
	assert.True(t, errors.Is(err, guardErrors.ErrNotFound))
}

func TestAccumulateEngagement(t *testing.T) {
	s := setupStore(t)

	_, err := s.Initialize("pr-1")
	require.NoError(t, err)

	s.AccumulateEngagement("pr-1", 1500)
	s.AccumulateEngagement("pr-1", 500)
	s.AccumulateEngagement("pr-1", -10)

	st, err := s.Get("pr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), st.Engagement.ActiveTimeMs)
}

func TestScrollDepthOnlyRises(t *testing.T) {
	s := setupStore(t)

	_, err := s.Initialize("pr-1")
	require.NoError(t, err)

	s.UpdateEngagementSnapshot("pr-1", 60)
	s.UpdateEngagementSnapshot("pr-1", 30)
	s.UpdateEngagementSnapshot("pr-1", 150)

	st, err := s.Get("pr-1")
	require.NoError(t, err)
	assert.Equal(t, float64(100), st.Engagement.MaxScrollPct)
}

func TestCheckpointHistoryCapped(t *testing.T) {
	s := setupStore(t)

	_, err := s.Initialize("pr-1")
	require.NoError(t, err)

	for i := 0; i < MaxCheckpointHistory+3; i++ {
		outcome := OutcomeCompleted
		if i < 3 {
			outcome = OutcomeAborted
		}
		s.RecordCheckpoint("pr-1", "merge_now", outcome)
	}

	st, err := s.Get("pr-1")
	require.NoError(t, err)
	require.Len(t, st.CheckpointHistory, MaxCheckpointHistory)
	// The oldest (aborted) entries were evicted first.
	for _, rec := range st.CheckpointHistory {
		assert.Equal(t, OutcomeCompleted, rec.Outcome)
	}
}

func TestDiscard(t *testing.T) {
	s := setupStore(t)

	_, err := s.Initialize("pr-1")
	require.NoError(t, err)
	require.NoError(t, s.Discard("pr-1"))

	_, err = s.Get("pr-1")
	assert.True(t, errors.Is(err, guardErrors.ErrNotFound))
}
