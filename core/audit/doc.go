// Package audit maintains a tamper-evident, hash-chained log of
// security-relevant events.
//
// Every entry's hash covers the entry's own fields plus the hash of the
// previous entry, so the chain is anchored at an initialization marker and
// any silent deletion, reordering, or edit of the history is detectable by
// replaying the chain. The log is bounded: once the retention limit is
// reached the oldest entries are dropped, and verification continues from
// the oldest retained entry.
//
// Beyond chain integrity the logger applies two lightweight anomaly
// heuristics: a burst detector that flags a message arriving more than two
// standard deviations faster than its rolling mean interval, and a sequence
// detector that flags three or more error/security entries within the last
// five in a short window.
package audit
