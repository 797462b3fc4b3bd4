// Package tamper wraps arbitrary payloads in keyed integrity envelopes and
// verifies them later.
//
// An envelope carries the payload, a set of independently derived canary
// values, and an HMAC-SHA256 signature over the whole structure. The
// signature catches whole-message tampering; the canaries catch targeted
// field substitution that tries to reuse a stolen valid signature against
// different contents. Verification requires the same key that protected the
// data, compares in constant time, and only passes when the signature and
// every canary match.
//
// Structures that get signed are encoded with deterministic CBOR, not JSON,
// so the signing input is byte-reproducible across encode calls.
//
// A non-cryptographic checksum fallback exists for environments without key
// material. It is an explicit, separately-enabled capability
// (WithChecksumFallback) and is informational only, never a security
// boundary.
package tamper
