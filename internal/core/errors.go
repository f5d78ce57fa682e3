package core

import "errors"

// Error kinds surfaced by the sync engine. Callers match them with
// errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrNotFound: unknown agent, calendar, event or update. Never
	// retried internally.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict: an optimistic-concurrency check failed and
	// the configured policy declined to pick a winner automatically.
	ErrVersionConflict = errors.New("version conflict")

	// ErrCapabilityDenied: the declared source lacks the write
	// capability for the requested change. No update is generated.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrDeliveryExhausted: an update exceeded its retry ceiling and
	// was moved to the dead-letter state.
	ErrDeliveryExhausted = errors.New("delivery exhausted")
)
