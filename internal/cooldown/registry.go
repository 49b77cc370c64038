// Package cooldown tracks when each nudge class was last shown for a
// resource and decides whether it may be shown again.
package cooldown

import (
	"errors"
	"log/slog"
	"time"

	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
	"github.com/starwreckntx/mergeguard/internal/store"
)

type Class string

const (
	// ClassProactive is the early "start reviewing" nudge, re-shown only
	// after a fixed window elapses.
	ClassProactive Class = "proactive"
	// ClassPremerge is the pre-merge advisory; after a dismissal it is
	// re-shown only once a meaningful review event lands (review-triggered
	// reset), never on a bare retry.
	ClassPremerge Class = "premerge"
)

type Record struct {
	ResourceID string            `json:"resource_id"`
	Class      Class             `json:"class"`
	ShownAt    time.Time         `json:"shown_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type ReviewStamp struct {
	ResourceID string    `json:"resource_id"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

type Registry struct {
	worker          *store.Worker
	proactiveWindow time.Duration
	now             func() time.Time
}

func NewRegistry(worker *store.Worker, proactiveWindow time.Duration) *Registry {
	return &Registry{
		worker:          worker,
		proactiveWindow: proactiveWindow,
		now:             time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// ShouldShow reports whether a nudge class may be shown for a resource.
// A persistence failure reads as "never shown": the nudge shows, which is
// the safer direction.
func (r *Registry) ShouldShow(resourceID string, class Class) bool {
	var rec Record
	err := r.worker.GetInto(store.NudgeKey(string(class), resourceID), &rec)
	if errors.Is(err, guardErrors.ErrNotFound) {
		return true
	}
	if err != nil {
		slog.Warn("Failed to read cooldown record, treating as never shown",
			"resource", resourceID, "class", class, "error", err)
		return true
	}

	switch class {
	case ClassProactive:
		return r.now().Sub(rec.ShownAt) > r.proactiveWindow
	case ClassPremerge:
		stamp, ok := r.reviewStamp(resourceID)
		return ok && stamp.ReviewedAt.After(rec.ShownAt)
	default:
		return true
	}
}

// Record persists a fresh cooldown record, replacing any previous one for
// the (resource, class) pair.
func (r *Registry) Record(resourceID string, class Class, metadata map[string]string) {
	rec := Record{
		ResourceID: resourceID,
		Class:      class,
		ShownAt:    r.now(),
		Metadata:   metadata,
	}
	if err := r.worker.Put(store.NudgeKey(string(class), resourceID), rec); err != nil {
		slog.Warn("Failed to persist cooldown record", "resource", resourceID, "class", class, "error", err)
	}
}

// RecordReview stamps a meaningful-review timestamp. Only the pre-merge
// reset rule reads it.
func (r *Registry) RecordReview(resourceID string) {
	stamp := ReviewStamp{ResourceID: resourceID, ReviewedAt: r.now()}
	if err := r.worker.Put(store.ReviewKey(resourceID), stamp); err != nil {
		slog.Warn("Failed to persist review stamp", "resource", resourceID, "error", err)
	}
}

func (r *Registry) reviewStamp(resourceID string) (ReviewStamp, bool) {
	var stamp ReviewStamp
	if err := r.worker.GetInto(store.ReviewKey(resourceID), &stamp); err != nil {
		return ReviewStamp{}, false
	}
	return stamp, true
}
