package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra payload.
var (
	// ErrNotFound reports an unknown simulation, user, or document store.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientCredits reports that an authorize would overdraw the
	// balance. No partial deduction happens.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrConcurrencyConflict reports a turn-numbering race: another cycle
	// claimed the same turn range first.
	ErrConcurrencyConflict = errors.New("turn number conflict")

	// ErrSimulationCompleted reports a turn cycle against a simulation that
	// already reached its terminal state.
	ErrSimulationCompleted = errors.New("simulation already completed")
)

// ValidationError reports malformed caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthError reports a missing or invalid session token.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "unauthorized: " + e.Reason
}

// ParseError reports model output that is not the expected JSON shape, after
// the internal corrective retry was exhausted.
type ParseError struct {
	Attempts int
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("model output parse failed after %d attempt(s): %s", e.Attempts, e.Reason)
}

// UnknownSpeakerError reports a model-returned name that matches no roster
// entry. The whole cycle fails atomically; nothing is persisted.
type UnknownSpeakerError struct {
	Name string
}

func (e *UnknownSpeakerError) Error() string {
	return fmt.Sprintf("speaker %q does not match any roster entry", e.Name)
}

// UpstreamError reports a provider failure after retries are exhausted. The
// raw provider body goes to logs only; Reason is safe to surface.
type UpstreamError struct {
	Provider string
	Status   int
	Reason   string
	Attempts int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed (status %d, %d attempt(s)): %s", e.Provider, e.Status, e.Attempts, e.Reason)
}
