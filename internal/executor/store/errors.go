package store

import "errors"

var (
	// ErrJobNotFound is returned when no job with the given ID exists.
	ErrJobNotFound = errors.New("job not found")

	// ErrIllegalTransition is returned when a requested state change is not
	// allowed by the job state machine.
	ErrIllegalTransition = errors.New("illegal job state transition")

	// ErrIdempotencyConflict is returned when an Idempotency-Key is replayed
	// with a different request body.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")
)
