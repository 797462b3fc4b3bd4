package store

import "time"

// Category identifies one of the four managed storage classes.
type Category string

const (
	CategoryWallet      Category = "wallet"
	CategoryInput       Category = "circuit-input"
	CategoryProof       Category = "proof"
	CategorySessionData Category = "session-data"
)

// Region key prefixes form the fixed enumerated addressing scheme of the
// host key-value region. They are part of the external interface and must
// not change.
const (
	PrefixWallet      = "temp-wallet-"
	PrefixInput       = "zk-input-"
	PrefixProof       = "zk-proof-"
	PrefixSessionData = "zk-session-"
)

// categoryPrefixes maps categories to their region key prefixes.
var categoryPrefixes = map[Category]string{
	CategoryWallet:      PrefixWallet,
	CategoryInput:       PrefixInput,
	CategoryProof:       PrefixProof,
	CategorySessionData: PrefixSessionData,
}

// defaultTTLs holds the per-category default time-to-live.
var defaultTTLs = map[Category]time.Duration{
	CategoryWallet:      30 * time.Minute,
	CategoryInput:       15 * time.Minute,
	CategoryProof:       60 * time.Minute,
	CategorySessionData: 24 * time.Hour,
}

// Prefix returns the region key prefix for a category.
func (c Category) Prefix() string {
	return categoryPrefixes[c]
}

// Valid reports whether c is one of the managed categories.
func (c Category) Valid() bool {
	_, ok := categoryPrefixes[c]
	return ok
}
