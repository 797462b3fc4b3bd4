package keymanager

import "errors"

var (
	// ErrMissingPassword indicates an empty password was supplied to a
	// derivation or encryption call.
	ErrMissingPassword = errors.New("password must not be empty")

	// ErrInvalidEnvelope indicates the envelope is malformed or missing
	// required fields (ciphertext, IV, salt).
	ErrInvalidEnvelope = errors.New("invalid ciphertext envelope")

	// ErrUnsupportedAlgorithm indicates the envelope was produced by an
	// algorithm this manager does not handle.
	ErrUnsupportedAlgorithm = errors.New("unsupported envelope algorithm")

	// ErrEncryptionFailed indicates the underlying cipher failed during
	// encryption. Not caller-fixable.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed indicates authentication failed during
	// decryption. Covers both a wrong password and a tampered ciphertext;
	// the two cases are intentionally indistinguishable.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrEntropyFailure indicates the platform random source failed.
	// Fatal for the affected call but does not corrupt other state.
	ErrEntropyFailure = errors.New("secure random source unavailable")

	// ErrInvalidPrivateKey indicates the private key is not a 64-character
	// hex string.
	ErrInvalidPrivateKey = errors.New("private key must be a 64-character hex string")

	// ErrKeyTypeMismatch indicates a generic envelope was passed where a
	// private-key envelope was required, or vice versa.
	ErrKeyTypeMismatch = errors.New("envelope key type mismatch")

	// ErrPasswordPolicy indicates password generation could not satisfy
	// the composition rules within the attempt bound.
	ErrPasswordPolicy = errors.New("could not generate a policy-conforming password")

	// ErrPasswordLength indicates the requested password length is too
	// short to satisfy the composition rules.
	ErrPasswordLength = errors.New("password length too short for composition rules")
)
