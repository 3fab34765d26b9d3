// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/remote layers.
var (
	// ErrNotFound indicates the requested local record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAuthInvalid indicates a bad or expired remote credential.
	ErrAuthInvalid = errors.New("auth invalid")

	// ErrRateLimited indicates the remote asked us to back off; retry on the next cycle.
	ErrRateLimited = errors.New("rate limited")

	// ErrNetwork covers transport failures and 5xx responses.
	ErrNetwork = errors.New("network error")

	// ErrPreconditionFailed indicates optimistic concurrency loss (remote changed since base version).
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrResourceMissing indicates the remote object does not exist (404).
	ErrResourceMissing = errors.New("resource missing")

	// ErrParse indicates a malformed remote response.
	ErrParse = errors.New("parse error")

	// ErrConfigMissing indicates no credential or library is configured.
	ErrConfigMissing = errors.New("config missing")

	// ErrSyncInProgress is returned when a second sync cycle is started while one is active.
	ErrSyncInProgress = errors.New("sync in progress")

	// ErrInvalidState indicates an operation that the record's sync status does not allow.
	ErrInvalidState = errors.New("invalid sync state")

	// ErrStale indicates a local record changed between read and write; the caller re-reads and retries.
	ErrStale = errors.New("stale local record")

	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation")
)
