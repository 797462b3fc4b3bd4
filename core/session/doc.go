// Package session orchestrates the secret lifecycle of one client session:
// an ephemeral session secret, a registry of per-item encryption keys, and
// the timers that drive expiry checks, key rotation, and tamper scans.
//
// A Manager is an explicit caller-owned object with a Shutdown lifecycle.
// Initialize moves it from NoSession to Active; expiry, idleness, tamper
// detection, or an explicit Terminate move it back. Termination is
// fail-closed: every registered key and its ciphertext is deleted, the
// persisted descriptor is removed, and the in-memory secret is wiped.
//
// The session secret and per-item passwords never leave this package and
// are never persisted. Only a tamper-protected descriptor (metadata, no
// secrets) is written to the host region.
package session
