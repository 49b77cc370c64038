package ingress

import (
	"sync"
	"time"

	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
)

// Dedupe is an in-memory check-and-mark set for observer event IDs. The
// observer retries on flaky connections, so duplicate deliveries are
// expected and must not re-trigger the gate.
type Dedupe struct {
	mu   sync.Mutex
	seen map[string]time.Time // id -> expiry
	ttl  time.Duration
	now  func() time.Time
}

func NewDedupe(ttl time.Duration) *Dedupe {
	return &Dedupe{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// CheckAndMark reports whether the id was already seen, marking it either way.
func (d *Dedupe) CheckAndMark(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expiry, exists := d.seen[id]; exists && expiry.After(now) {
		return true
	}
	d.seen[id] = now.Add(d.ttl)
	return false
}

// Observe marks the id and reports ErrDuplicateEvent when it was already
// seen inside the TTL.
func (d *Dedupe) Observe(id string) error {
	if d.CheckAndMark(id) {
		return guardErrors.ErrDuplicateEvent
	}
	return nil
}

// Prune removes expired entries and returns how many it dropped.
func (d *Dedupe) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	count := 0
	for id, expiry := range d.seen {
		if expiry.Before(now) {
			delete(d.seen, id)
			count++
		}
	}
	return count
}
