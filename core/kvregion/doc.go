// Package kvregion models the host key-value region the secret store writes
// into: a volatile, session-scoped map of JSON blobs addressed by prefixed
// string keys.
//
// The region is the trust boundary of the storage layer. Everything placed
// in it is assumed observable and writable by other contexts sharing the
// region (another tab, another consumer of the same host storage), so the
// region only ever holds ciphertext envelopes and integrity-protected
// descriptors.
//
// Cross-context writes are surfaced through Subscribe. Mirroring the
// semantics of browser storage events, a change notification fires only for
// mutations that did not originate from this handle. The region detects
// external interference, it does not prevent it.
package kvregion
