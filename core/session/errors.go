package session

import "errors"

var (
	// ErrNoActiveSession is returned by operations that require an
	// initialized session.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionExists is returned by Initialize when a session is
	// already active. Terminate first.
	ErrSessionExists = errors.New("session already active")

	// ErrExtensionLimit is returned by Extend once the extension count
	// reached the policy maximum. The expiry is left untouched.
	ErrExtensionLimit = errors.New("session extension limit reached")

	// ErrInvalidKey is returned by RegisterKey when the category is not a
	// managed one or the storage id is empty.
	ErrInvalidKey = errors.New("invalid key registration")

	// ErrKeyNotFound is returned when no registry record exists for the
	// given key id, including ids invalidated by rotation.
	ErrKeyNotFound = errors.New("key not found")

	// ErrTamperDetected is returned when an integrity check fails. The
	// session is already terminated by the time callers see it.
	ErrTamperDetected = errors.New("tamper detected")

	// ErrSecretGeneration is returned when the random source cannot
	// produce a session or per-item secret.
	ErrSecretGeneration = errors.New("secret generation failed")
)
