package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrVersionConflict    = errors.New("version conflict")
	ErrRateLimited        = errors.New("rate limited")
	ErrLockHeld           = errors.New("lock already held")
	ErrStaleQuote         = errors.New("quote is stale")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrSigningFailed      = errors.New("signing failed")
	ErrWSDisconnect       = errors.New("websocket disconnected")
)
