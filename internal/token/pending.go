package token

import (
	"sync"
	"time"
)

// PendingRegistry prevents re-entrant replay of the same logical action
// while a prior replay for it is still in flight. It is independent of
// token state and keyed by the stable element identity string, with
// deterministic insert and remove.
//
// Marks expire: the observer may never re-issue a queued replay (crash,
// page navigation), and a mark that outlived its allow token would keep
// the element suppressed with no surface ever opening again.
type PendingRegistry struct {
	mu      sync.Mutex
	pending map[string]time.Time // element identity -> expiry
	ttl     time.Duration
	now     func() time.Time
}

// NewPendingRegistry creates a registry whose marks expire after ttl.
// The ttl should cover the allow token's lifetime plus its grace period.
func NewPendingRegistry(ttl time.Duration) *PendingRegistry {
	return &PendingRegistry{
		pending: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (p *PendingRegistry) WithClock(now func() time.Time) *PendingRegistry {
	p.now = now
	return p
}

func (p *PendingRegistry) MarkPending(elementIdentity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[elementIdentity] = p.now().Add(p.ttl)
}

func (p *PendingRegistry) ClearPending(elementIdentity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, elementIdentity)
}

func (p *PendingRegistry) IsPending(elementIdentity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	expiry, ok := p.pending[elementIdentity]
	return ok && expiry.After(p.now())
}

// Prune removes expired marks and returns how many it dropped.
func (p *PendingRegistry) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	count := 0
	for id, expiry := range p.pending {
		if !expiry.After(now) {
			delete(p.pending, id)
			count++
		}
	}
	return count
}
