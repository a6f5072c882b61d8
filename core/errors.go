package core

import "errors"

var (
	// ErrValidation is returned for malformed or missing input
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned for an unknown identity, party or session
	ErrNotFound = errors.New("not found")

	// ErrAlreadyVoted is returned when a prior vote exists locally or on the ledger
	ErrAlreadyVoted = errors.New("identity has already voted")

	// ErrSessionInvalid is returned when a session is missing, expired or in the wrong state
	ErrSessionInvalid = errors.New("session is invalid")

	// ErrInvalidTransition is returned when a session transition is attempted out of order
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrSessionConflict is returned by stores when a compare-and-set transition loses a race
	ErrSessionConflict = errors.New("session state changed concurrently")

	// ErrChallengeNotFound is returned when no live challenge exists for an identity
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrChallengeExhausted is returned when the challenge attempt budget is spent
	ErrChallengeExhausted = errors.New("challenge attempts exhausted")

	// ErrLedgerUnavailable is returned when the ledger cannot be reached
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrLedgerRejected is returned when the ledger refuses a submission
	ErrLedgerRejected = errors.New("ledger rejected submission")

	// ErrIntegrityMismatch marks a local vote that has no matching ledger event
	ErrIntegrityMismatch = errors.New("ledger event mismatch")

	// ErrStorage is returned when a store operation fails
	ErrStorage = errors.New("store operation failed")

	// ErrInvalidToken is returned when a session token cannot be parsed
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when a session token has expired
	ErrTokenExpired = errors.New("token has expired")
)
