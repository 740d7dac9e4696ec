package ledger

import "errors"

// Caller-recoverable error kinds. Every operation that fails with one of
// these leaves ledger state unchanged.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrAlreadyRegistered = errors.New("identity already registered")
	ErrInvalidAge        = errors.New("patient age must be greater than zero")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotActive         = errors.New("participant is not active")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyEnrolled   = errors.New("patient already holds an active policy")
	ErrNoActivePolicy    = errors.New("patient has no active policy")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadySettled    = errors.New("transaction already settled")
)

// ErrStorageUnavailable marks a failure of the persistent store itself. It is
// the only fatal condition; committed state is never affected by it.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrRateUnavailable marks a failed or timed-out exchange-rate lookup. The
// operation that needed the rate is abandoned before any write.
var ErrRateUnavailable = errors.New("exchange rate unavailable")
