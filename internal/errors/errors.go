package errors

import (
	"errors"
)

// Sentinel errors for the gating taxonomy. Every failure surfaced by a
// component wraps exactly one of these so callers can branch with errors.Is.
var (
	// ErrPolicyInvalid - policy document failed structural validation
	// (recovered by falling back to last-known-good or the built-in policy)
	ErrPolicyInvalid = errors.New("policy invalid")

	// ErrPersistence - state read/write failure (recovered locally, treated
	// as "no prior record", never blocks a gating decision)
	ErrPersistence = errors.New("persistence failure")

	// ErrTokenSpent - allow token already consumed or expired; the loser of
	// a consumption race gets this and must fail closed into full gating
	ErrTokenSpent = errors.New("allow token spent")

	// ErrGateBusy - a confirmation surface is already open; the trigger is
	// ignored, not queued
	ErrGateBusy = errors.New("gate busy")

	// ErrAborted - the user exited a confirmation surface without completing it
	ErrAborted = errors.New("checkpoint aborted")

	// ErrDuplicateEvent - observer delivered the same event twice
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrNotFound - no record for the requested key
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput - malformed observer payload
	ErrInvalidInput = errors.New("invalid input")
)
