// Package eventlog keeps the append-only telemetry buffer: a capped ring
// of redacted entries persisted as one record, oldest evicted first.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
	"github.com/starwreckntx/mergeguard/internal/store"

	"github.com/oklog/ulid/v2"
)

const EntrySchemaVersion = 1

type EntryType string

const (
	TypeResourceViewed        EntryType = "resource-viewed"
	TypeSectionViewed         EntryType = "section-viewed"
	TypeEngagementMetrics     EntryType = "engagement-metrics"
	TypeNudgeShown            EntryType = "nudge-shown"
	TypeNudgeAction           EntryType = "nudge-action"
	TypeCheckpointIntercepted EntryType = "checkpoint-intercepted"
	TypeCheckpointCompleted   EntryType = "checkpoint-completed"
	TypeCheckpointAborted     EntryType = "checkpoint-aborted"
	TypeOverrideAcknowledged  EntryType = "override-acknowledged"
)

type Entry struct {
	SchemaVersion    int            `json:"schema_version"`
	ID               string         `json:"id"`
	Timestamp        time.Time      `json:"ts"`
	Type             EntryType      `json:"type"`
	Payload          map[string]any `json:"payload,omitempty"`
	PolicyVersion    string         `json:"policy_version"`
	ExtensionVersion string         `json:"extension_version"`
}

// Buffer holds the ring in memory and persists the whole ordered slice
// under one key after every append.
type Buffer struct {
	worker        *store.Worker
	maxEntries    int
	maxFieldRunes int
	version       string

	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

func NewBuffer(worker *store.Worker, maxEntries, maxFieldRunes int, extensionVersion string) *Buffer {
	b := &Buffer{
		worker:        worker,
		maxEntries:    maxEntries,
		maxFieldRunes: maxFieldRunes,
		version:       extensionVersion,
		now:           time.Now,
	}

	var persisted []Entry
	err := worker.GetInto(store.KeyEventBuffer, &persisted)
	if err != nil && !errors.Is(err, guardErrors.ErrNotFound) {
		slog.Warn("Failed to load event buffer, starting empty", "error", err)
	}
	b.entries = persisted
	return b
}

// WithClock overrides the clock, for tests.
func (b *Buffer) WithClock(now func() time.Time) *Buffer {
	b.now = now
	return b
}

// Append redacts, truncates, stamps and stores one entry, evicting the
// oldest entry once the cap is reached.
func (b *Buffer) Append(entryType EntryType, policyVersion string, payload map[string]any) {
	entry := Entry{
		SchemaVersion:    EntrySchemaVersion,
		ID:               ulid.Make().String(),
		Timestamp:        b.now(),
		Type:             entryType,
		Payload:          Redact(payload, b.maxFieldRunes),
		PolicyVersion:    policyVersion,
		ExtensionVersion: b.version,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.maxEntries {
		b.entries = b.entries[len(b.entries)-b.maxEntries:]
	}
	snapshot := make([]Entry, len(b.entries))
	copy(snapshot, b.entries)

	// The persist stays inside the critical section so two concurrent
	// appends cannot write their snapshots out of order and durably drop
	// the newer entry.
	if err := b.worker.Put(store.KeyEventBuffer, snapshot); err != nil {
		slog.Warn("Failed to persist event buffer", "error", err)
	}
}

// Entries returns the buffered entries in order.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Export serializes the ordered buffer as JSON.
func (b *Buffer) Export() ([]byte, error) {
	return json.MarshalIndent(b.Entries(), "", "  ")
}

// Import replaces the buffer with previously exported entries, preserving
// order and re-applying the cap. Export followed by Import reproduces an
// identical ordered set.
func (b *Buffer) Import(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode event export: %w", err)
	}
	if len(entries) > b.maxEntries {
		entries = entries[len(entries)-b.maxEntries:]
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = entries
	if err := b.worker.Put(store.KeyEventBuffer, entries); err != nil {
		return fmt.Errorf("persist imported event buffer: %w", err)
	}
	return nil
}
