// Package token implements the allow-token vault that lets a replayed
// action pass back through the gate exactly once.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
	"github.com/starwreckntx/mergeguard/internal/store"

	"github.com/oklog/ulid/v2"
)

type Token struct {
	ID              string     `json:"id"`
	ResourceID      string     `json:"resource_id"`
	ElementIdentity string     `json:"element_identity"`
	IssuedAt        time.Time  `json:"issued_at"`
	TTLMs           int64      `json:"ttl_ms"`
	Consumed        bool       `json:"consumed"`
	ConsumedAt      *time.Time `json:"consumed_at,omitempty"`
}

// validAt is the token invariant: not consumed and within TTL (inclusive).
func (t *Token) validAt(now time.Time) bool {
	return !t.Consumed && now.Sub(t.IssuedAt).Milliseconds() <= t.TTLMs
}

// Vault issues and consumes single-use allow tokens keyed by
// (resource, element identity). Check-then-consume executes as one
// read-modify-write turn on the store worker goroutine, so two
// near-simultaneous observations cannot both pass on one token — the
// loser gets ErrTokenSpent and must fail closed into full gating.
type Vault struct {
	worker *store.Worker
	ttl    time.Duration
	grace  time.Duration
	now    func() time.Time
}

func NewVault(worker *store.Worker, ttl, grace time.Duration) *Vault {
	return &Vault{
		worker: worker,
		ttl:    ttl,
		grace:  grace,
		now:    time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (v *Vault) WithClock(now func() time.Time) *Vault {
	v.now = now
	return v
}

// Issue creates a fresh unconsumed token immediately before a replay.
// Any previous token for the pair is overwritten.
func (v *Vault) Issue(resourceID, elementIdentity string) error {
	tok := Token{
		ID:              ulid.Make().String(),
		ResourceID:      resourceID,
		ElementIdentity: elementIdentity,
		IssuedAt:        v.now(),
		TTLMs:           v.ttl.Milliseconds(),
	}
	if err := v.worker.Put(store.TokenKey(resourceID, elementIdentity), tok); err != nil {
		return fmt.Errorf("issue allow token: %w", err)
	}
	slog.Debug("Allow token issued", "resource", resourceID, "element", elementIdentity, "token", tok.ID)
	return nil
}

// IsValid reports whether an unconsumed, unexpired token exists.
func (v *Vault) IsValid(resourceID, elementIdentity string) bool {
	var tok Token
	if err := v.worker.GetInto(store.TokenKey(resourceID, elementIdentity), &tok); err != nil {
		return false
	}
	return tok.validAt(v.now())
}

// Consume atomically checks and spends the token. The record is flagged,
// not deleted, so a duplicate near-simultaneous observation of the same
// replayed action reads a spent token instead of a missing one; the sweep
// removes it after the grace period.
func (v *Vault) Consume(resourceID, elementIdentity string) error {
	now := v.now()
	err := v.worker.Update(store.TokenKey(resourceID, elementIdentity), func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		if !exists {
			return nil, guardErrors.ErrTokenSpent
		}
		var tok Token
		if err := json.Unmarshal(current, &tok); err != nil {
			return nil, guardErrors.ErrTokenSpent
		}
		if !tok.validAt(now) {
			return nil, guardErrors.ErrTokenSpent
		}
		tok.Consumed = true
		tok.ConsumedAt = &now
		return json.Marshal(&tok)
	})
	if err != nil {
		if errors.Is(err, guardErrors.ErrTokenSpent) {
			return err
		}
		// A persistence failure on consume must not let the action through
		// twice; report the token as spent.
		slog.Warn("Token consume failed, failing closed", "resource", resourceID, "element", elementIdentity, "error", err)
		return guardErrors.ErrTokenSpent
	}
	slog.Debug("Allow token consumed", "resource", resourceID, "element", elementIdentity)
	return nil
}

// Sweep garbage-collects tokens that expired or were consumed longer than
// the grace period ago. Returns the number removed.
func (v *Vault) Sweep() int {
	keys, err := v.worker.KeysWithPrefix(store.PrefixToken)
	if err != nil {
		slog.Warn("Token sweep failed to list keys", "error", err)
		return 0
	}

	now := v.now()
	removed := 0
	for _, key := range keys {
		err := v.worker.Update(key, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
			if !exists {
				return nil, nil
			}
			var tok Token
			if err := json.Unmarshal(current, &tok); err != nil {
				return nil, nil // unreadable record, drop it
			}
			if tok.Consumed && tok.ConsumedAt != nil && now.Sub(*tok.ConsumedAt) > v.grace {
				return nil, nil
			}
			if !tok.Consumed && now.Sub(tok.IssuedAt).Milliseconds() > tok.TTLMs {
				return nil, nil
			}
			return current, nil
		})
		if err != nil {
			continue
		}
		if _, getErr := v.worker.Get(key); errors.Is(getErr, guardErrors.ErrNotFound) {
			removed++
		}
	}
	return removed
}
