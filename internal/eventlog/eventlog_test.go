package eventlog

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starwreckntx/mergeguard/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stamp = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func setupWorker(t *testing.T) *store.Worker {
	t.Helper()
	worker, err := store.NewWorker(t.TempDir(), store.RuntimeConfig{})
	require.NoError(t, err)
	worker.Start()
	t.Cleanup(worker.Stop)
	return worker
}

func setupBuffer(t *testing.T, worker *store.Worker, maxEntries int) *Buffer {
	t.Helper()
	return NewBuffer(worker, maxEntries, 500, "0.1.0").WithClock(func() time.Time { return stamp })
}

func TestAppendStampsEntry(t *testing.T) {
	b := setupBuffer(t, setupWorker(t), 10)

	b.Append(TypeResourceViewed, "builtin-1", map[string]any{"resource_id": "pr-1"})

	entries := b.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, EntrySchemaVersion, entries[0].SchemaVersion)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, stamp, entries[0].Timestamp)
	assert.Equal(t, TypeResourceViewed, entries[0].Type)
	assert.Equal(t, "builtin-1", entries[0].PolicyVersion)
	assert.Equal(t, "0.1.0", entries[0].ExtensionVersion)
}

func TestAppendEvictsOldestFirst(t *testing.T) {
	b := setupBuffer(t, setupWorker(t), 3)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		b.Append(TypeSectionViewed, "builtin-1", map[string]any{"section_id": id})
	}

	entries := b.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Payload["section_id"])
	assert.Equal(t, "e", entries[2].Payload["section_id"])
}

func TestAppendRedactsDenylistedFields(t *testing.T) {
	b := setupBuffer(t, setupWorker(t), 10)

	b.Append(TypeCheckpointIntercepted, "builtin-1", map[string]any{
		"resource_id": "pr-1",
		"diff":        "super secret change",
		"authToken":   "abc123",
		"nested": map[string]any{
			"password": "hunter2",
			"label":    "Confirm merge",
		},
	})

	payload := b.Entries()[0].Payload
	assert.Equal(t, "pr-1", payload["resource_id"])
	assert.NotContains(t, payload, "diff")
	assert.NotContains(t, payload, "authToken")
	nested := payload["nested"].(map[string]any)
	assert.NotContains(t, nested, "password")
	assert.Equal(t, "Confirm merge", nested["label"])
}

func TestAppendTruncatesLongFields(t *testing.T) {
	b := setupBuffer(t, setupWorker(t), 10)

	long := strings.Repeat("x", 600)
	b.Append(TypeNudgeShown, "builtin-1", map[string]any{"label": long})

	got := b.Entries()[0].Payload["label"].(string)
	assert.True(t, strings.HasSuffix(got, TruncationMarker))
	assert.Len(t, []rune(got), 500+len([]rune(TruncationMarker)))
}

func TestBufferPersistsAcrossReload(t *testing.T) {
	worker := setupWorker(t)
	b := setupBuffer(t, worker, 10)
	b.Append(TypeResourceViewed, "builtin-1", map[string]any{"resource_id": "pr-1"})

	b2 := NewBuffer(worker, 10, 500, "0.1.0")
	require.Equal(t, 1, b2.Len())
	assert.Equal(t, b.Entries()[0].ID, b2.Entries()[0].ID)
}

func TestConcurrentAppendsAllPersisted(t *testing.T) {
	worker := setupWorker(t)
	b := setupBuffer(t, worker, 100)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Append(TypeSectionViewed, "builtin-1", map[string]any{"resource_id": "pr-1"})
		}()
	}
	wg.Wait()

	// The persisted record must match the in-memory ring; a persist
	// landing out of order would durably drop the newest entries.
	reloaded := NewBuffer(worker, 100, 500, "0.1.0")
	assert.Equal(t, 20, reloaded.Len())
}

func TestExportImportRoundTrip(t *testing.T) {
	worker := setupWorker(t)
	b := setupBuffer(t, worker, 10)
	b.Append(TypeResourceViewed, "builtin-1", map[string]any{"resource_id": "pr-1"})
	b.Append(TypeNudgeShown, "builtin-1", map[string]any{"tier": "1"})
	b.Append(TypeCheckpointCompleted, "builtin-1", map[string]any{"kind": "merge_now"})

	data, err := b.Export()
	require.NoError(t, err)

	b2 := setupBuffer(t, setupWorker(t), 10)
	require.NoError(t, b2.Import(data))

	// The imported buffer holds an identical ordered set.
	assert.Equal(t, b.Entries(), b2.Entries())
}

func TestImportReappliesCap(t *testing.T) {
	b := setupBuffer(t, setupWorker(t), 10)
	for i := 0; i < 5; i++ {
		b.Append(TypeSectionViewed, "builtin-1", map[string]any{"n": "x"})
	}

	data, err := b.Export()
	require.NoError(t, err)

	small := setupBuffer(t, setupWorker(t), 2)
	require.NoError(t, small.Import(data))
	assert.Equal(t, 2, small.Len())
}

func TestImportRejectsGarbage(t *testing.T) {
	b := setupBuffer(t, setupWorker(t), 10)
	assert.Error(t, b.Import([]byte("{not an export")))
}
