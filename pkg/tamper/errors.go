package tamper

import "errors"

var (
	// ErrMissingKey indicates no protection key was supplied and the
	// checksum fallback is not enabled.
	ErrMissingKey = errors.New("protection key required")

	// ErrInvalidPayload indicates the payload could not be serialized.
	ErrInvalidPayload = errors.New("payload cannot be serialized")

	// ErrSigningFailed indicates the keyed signature could not be
	// computed over the envelope.
	ErrSigningFailed = errors.New("failed to compute envelope signature")

	// ErrEntropyFailure indicates the platform random source failed
	// while generating canary nonces.
	ErrEntropyFailure = errors.New("secure random source unavailable")
)
