package ingress

import (
	"context"
	"log/slog"
	"sync"

	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
	"github.com/starwreckntx/mergeguard/internal/gate"
	"github.com/starwreckntx/mergeguard/internal/logger"
)

// ReplayBuffer queues replay instructions for the observer to poll on
// GET /api/v1/replay. The observer re-issues the action in the page,
// which arrives back as a fresh trigger holding a valid allow token.
type ReplayBuffer struct {
	mu    sync.Mutex
	queue []gate.Candidate
	max   int
}

func NewReplayBuffer(max int) *ReplayBuffer {
	if max <= 0 {
		max = 8
	}
	return &ReplayBuffer{max: max}
}

// Replay enqueues the instruction. A full queue fails rather than drop
// silently; the gate clears the pending mark on error.
func (r *ReplayBuffer) Replay(ctx context.Context, candidate gate.Candidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) >= r.max {
		return guardErrors.ErrGateBusy
	}
	r.queue = append(r.queue, candidate)
	slog.Debug("Replay queued",
		"trace_id", logger.GetTraceID(ctx),
		"resource", candidate.ResourceID,
		"element", candidate.ElementIdentity,
	)
	return nil
}

// Next pops the oldest queued instruction, if any.
func (r *ReplayBuffer) Next() (gate.Candidate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return gate.Candidate{}, false
	}
	candidate := r.queue[0]
	r.queue = r.queue[1:]
	return candidate, true
}
