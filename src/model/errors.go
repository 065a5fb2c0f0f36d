package model

import "errors"

// Domain errors shared across components. Handlers map these to HTTP codes,
// engines use them to decide between skip, retry and terminal failure.
var (
	ErrNotFound          = errors.New("record not found")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrTerminalState     = errors.New("record is in a terminal state")
	ErrIllegalStatus     = errors.New("operation not allowed in current status")
	ErrSessionInactive   = errors.New("session key is not active")
	ErrSessionExpired    = errors.New("session key is expired")
	ErrBudgetExceeded    = errors.New("session budget exceeded")
	ErrAllowlist         = errors.New("target not covered by session allowlists")
	ErrActionNotAllowed  = errors.New("action not covered by session permissions")
	ErrVersionConflict   = errors.New("optimistic version conflict")
	ErrRateLimited       = errors.New("rate limit exceeded")
)
