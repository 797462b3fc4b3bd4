package store

import "errors"

var (
	// ErrEntryNotFound is returned when no entry exists under the
	// requested identifier.
	ErrEntryNotFound = errors.New("storage entry not found")

	// ErrEntryExpired is returned when an entry's TTL has elapsed.
	// The expired entry is deleted as a side effect of the read.
	ErrEntryExpired = errors.New("storage entry expired")

	// ErrEntryCorrupted is returned when a stored entry cannot be
	// parsed. Treated as security-relevant: a well-behaved writer never
	// produces an unparsable entry.
	ErrEntryCorrupted = errors.New("storage entry corrupted")

	// ErrInvalidWallet is returned when a wallet is missing its address
	// or private key.
	ErrInvalidWallet = errors.New("wallet requires address and private key")

	// ErrMissingData is returned when nil data is passed to a store call.
	ErrMissingData = errors.New("data must not be nil")
)
