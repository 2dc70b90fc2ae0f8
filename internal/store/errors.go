package store

import "errors"

// Sentinel errors distinguishing the store's error kinds. Callers
// at the HTTP boundary (internal/api) map these to status codes with
// errors.Is, the same way control.Handler keys its
// writeJSON status off concrete error values.
var (
	// ErrNotFound is returned when a requested row does not exist. Never
	// propagated as a 5xx — callers map it to 404.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidInput is returned for an argument rejected before any
	// query runs, such as an unknown bucket size in BucketedOffenseStats.
	ErrInvalidInput = errors.New("store: invalid input")

	// ErrUnavailable is returned when the underlying database cannot be
	// reached. Whitelist checks treat this as "do not sync" (fail-safe);
	// mutating HTTP handlers map it to 503.
	ErrUnavailable = errors.New("store: unavailable")
)
