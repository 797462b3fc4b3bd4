// Package store keeps ciphertext envelopes in the host key-value region,
// organized into four categories with distinct key prefixes and default
// TTLs: wallets (30m), circuit inputs (15m), proofs (60m), and session data
// (24h).
//
// Entries never contain plaintext secrets. Wallets are stored as a plain
// address beside a separately wrapped private-key envelope; everything else
// is a single envelope produced by the key manager.
//
// Expiry is enforced lazily on every read (an expired entry is deleted as a
// side effect of the failed read) and eagerly by a periodic Sweeper.
// CleanupAll removes every managed entry unconditionally and is meant for
// session teardown.
package store
