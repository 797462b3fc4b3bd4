package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jonboulle/clockwork"

	"github.com/veilpay/clientvault/core/kvregion"
)

const (
	// chainAnchor seeds the hash chain before the first entry.
	chainAnchor = "audit-chain-anchor-v1"
	// anchorMessage marks the initialization entry every chain starts with.
	anchorMessage = "audit log initialized"

	defaultMaxEntries   = 500
	defaultPersistEvery = 10
	defaultPersistKey   = "zk-session-audit-log"

	// burstMinSamples is the minimum number of observed intervals before
	// the frequency heuristic produces verdicts.
	burstMinSamples = 5
	// intervalHistory bounds per-message arrival tracking.
	intervalHistory = 20
	// sequenceWindow is the time window for the error-sequence heuristic.
	sequenceWindow = 10 * time.Second
)

// Logger is a hash-chained, level-filtered audit log.
type Logger struct {
	mu sync.Mutex

	clock   clockwork.Clock
	log     *slog.Logger
	region  kvregion.Region
	encMode cbor.EncMode

	minLevel     Level
	maxEntries   int
	persistEvery int
	persistKey   string

	entries  []Entry
	sequence uint64
	prevHash string

	sincePersist int

	// anomaly tracking
	arrivals   map[string][]time.Time
	recent     []Entry
	inAnomaly  bool
	anomalyMsg map[string]struct{}
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock sets the clock used for entry timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Logger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger mirrors audit entries to an operational slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Logger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithRegion persists the chain to the given region and reloads it on
// construction, verifying the persisted chain before adopting it.
func WithRegion(region kvregion.Region) Option {
	return func(l *Logger) {
		l.region = region
	}
}

// WithMinLevel drops entries below the given level.
func WithMinLevel(level Level) Option {
	return func(l *Logger) {
		if _, ok := levelRank[level]; ok {
			l.minLevel = level
		}
	}
}

// WithMaxEntries bounds the retained chain length.
func WithMaxEntries(n int) Option {
	return func(l *Logger) {
		if n > 1 {
			l.maxEntries = n
		}
	}
}

// WithPersistEvery sets how many appends pass between persists.
func WithPersistEvery(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.persistEvery = n
		}
	}
}

// New creates an audit logger and writes the chain's initialization anchor.
// If a region is configured and holds a previously persisted chain, the
// persisted chain is verified and adopted; a corrupt persisted chain is
// discarded and the corruption itself is audited.
func New(opts ...Option) *Logger {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("audit: deterministic cbor mode: %v", err))
	}

	l := &Logger{
		clock:        clockwork.NewRealClock(),
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		encMode:      enc,
		minLevel:     LevelInfo,
		maxEntries:   defaultMaxEntries,
		persistEvery: defaultPersistEvery,
		persistKey:   defaultPersistKey,
		prevHash:     chainAnchor,
		arrivals:     make(map[string][]time.Time),
		anomalyMsg:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	restored := l.restore()
	if !restored {
		l.append(LevelInfo, anchorMessage, nil)
	}
	return l
}

// Info records an informational event.
func (l *Logger) Info(message string, data map[string]any) {
	l.record(LevelInfo, message, data)
}

// Warn records a warning event.
func (l *Logger) Warn(message string, data map[string]any) {
	l.record(LevelWarn, message, data)
}

// Error records an error event.
func (l *Logger) Error(message string, data map[string]any) {
	l.record(LevelError, message, data)
}

// Security records a security-critical event.
func (l *Logger) Security(message string, data map[string]any) {
	l.record(LevelSecurity, message, data)
}

// record filters, appends, and runs the anomaly heuristics.
func (l *Logger) record(level Level, message string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := l.append(level, message, data)
	l.detectAnomalies(entry)
}

// append builds, hashes, and stores one entry. Caller holds the lock
// (except during construction, which is single-threaded).
func (l *Logger) append(level Level, message string, data map[string]any) Entry {
	entry := Entry{
		Sequence:  l.sequence,
		Timestamp: l.clock.Now().UTC(),
		Level:     level,
		Message:   message,
		Data:      data,
		PrevHash:  l.prevHash,
	}

	hash, err := computeHash(l.encMode, entry)
	if err != nil {
		// Hashing only fails on unencodable Data; drop the payload
		// rather than the chain link.
		entry.Data = map[string]any{"dropped": "unencodable data"}
		hash, _ = computeHash(l.encMode, entry)
	}
	entry.Hash = hash

	l.entries = append(l.entries, entry)
	l.sequence++
	l.prevHash = entry.Hash

	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}

	l.mirror(entry)

	l.sincePersist++
	if l.region != nil && l.sincePersist >= l.persistEvery {
		l.persist()
	}

	return entry
}

// mirror forwards an entry to the operational logger at a matching level.
func (l *Logger) mirror(entry Entry) {
	attrs := []any{
		slog.Uint64("sequence", entry.Sequence),
		slog.String("audit_level", string(entry.Level)),
	}
	switch entry.Level {
	case LevelWarn:
		l.log.Warn(entry.Message, attrs...)
	case LevelError, LevelSecurity:
		l.log.Error(entry.Message, attrs...)
	default:
		l.log.Info(entry.Message, attrs...)
	}
}

// VerifyIntegrity replays the retained chain and recomputes every hash.
// Returns true when the chain is intact, otherwise false and the index of
// the first entry that fails verification.
func (l *Logger) VerifyIntegrity() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return verifyChain(l.encMode, l.entries)
}

// verifyChain checks hash correctness and linkage of a chain slice.
func verifyChain(enc cbor.EncMode, entries []Entry) (bool, int) {
	for i, entry := range entries {
		want, err := computeHash(enc, entry)
		if err != nil || want != entry.Hash {
			return false, i
		}
		if i > 0 && entry.PrevHash != entries[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}

// Entries returns a snapshot of the retained chain.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Flush forces a persist of the retained chain.
func (l *Logger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.region != nil {
		l.persist()
	}
}

// persist writes the retained chain to the region. Caller holds the lock.
func (l *Logger) persist() {
	raw, err := json.Marshal(l.entries)
	if err != nil {
		l.log.Error("audit chain persist failed", slog.Any("error", err))
		return
	}
	l.region.Set(l.persistKey, raw)
	l.sincePersist = 0
}

// restore loads and verifies a previously persisted chain. Returns true
// when a valid chain was adopted.
func (l *Logger) restore() bool {
	if l.region == nil {
		return false
	}
	raw, ok := l.region.Get(l.persistKey)
	if !ok {
		return false
	}

	var persisted []Entry
	if err := json.Unmarshal(raw, &persisted); err != nil {
		l.log.Error("persisted audit chain unreadable", slog.Any("error", err))
		return false
	}
	if len(persisted) == 0 {
		return false
	}

	if ok, idx := verifyChain(l.encMode, persisted); !ok {
		l.log.Error("persisted audit chain corrupt", slog.Int("index", idx))
		l.region.Delete(l.persistKey)
		// The replacement chain starts from the anchor like any fresh chain;
		// the finding is its second entry.
		l.append(LevelInfo, anchorMessage, nil)
		l.append(LevelSecurity, "persisted audit chain failed verification", map[string]any{
			"index": idx,
		})
		return true
	}

	l.entries = persisted
	last := persisted[len(persisted)-1]
	l.sequence = last.Sequence + 1
	l.prevHash = last.Hash
	return true
}

// detectAnomalies applies the burst and error-sequence heuristics to a
// freshly appended entry. Caller holds the lock. Heuristic findings are
// themselves appended as security entries, guarded against recursion.
func (l *Logger) detectAnomalies(entry Entry) {
	if l.inAnomaly {
		return
	}
	if _, isFinding := l.anomalyMsg[entry.Message]; isFinding {
		return
	}

	l.trackRecent(entry)
	now := entry.Timestamp

	// Burst detection: latest inter-arrival more than two standard
	// deviations below the rolling mean.
	times := append(l.arrivals[entry.Message], now)
	if len(times) > intervalHistory {
		times = times[len(times)-intervalHistory:]
	}
	l.arrivals[entry.Message] = times

	if len(times) > burstMinSamples {
		intervals := make([]float64, len(times)-1)
		for i := 1; i < len(times); i++ {
			intervals[i-1] = times[i].Sub(times[i-1]).Seconds()
		}

		mean, stddev := meanStddev(intervals[:len(intervals)-1])
		latest := intervals[len(intervals)-1]
		if latest < mean-2*stddev {
			l.flag("anomalous event frequency", map[string]any{
				"message":          entry.Message,
				"interval_seconds": latest,
				"mean_seconds":     mean,
			})
		}
	}

	// Sequence detection: three or more severe entries among the last
	// five inside the burst window.
	severe := 0
	for _, r := range l.recent {
		if r.Level.severe() && now.Sub(r.Timestamp) <= sequenceWindow {
			severe++
		}
	}
	if severe >= 3 {
		l.flag("suspicious error sequence", map[string]any{
			"severe_count": severe,
			"window":       sequenceWindow.String(),
		})
		l.recent = nil
	}
}

// trackRecent keeps the last five entries for the sequence heuristic.
func (l *Logger) trackRecent(entry Entry) {
	l.recent = append(l.recent, entry)
	if len(l.recent) > 5 {
		l.recent = l.recent[len(l.recent)-5:]
	}
}

// flag appends a heuristic finding as a security entry.
func (l *Logger) flag(message string, data map[string]any) {
	l.anomalyMsg[message] = struct{}{}
	l.inAnomaly = true
	l.append(LevelSecurity, message, data)
	l.inAnomaly = false
}

// meanStddev computes the mean and population standard deviation.
func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
