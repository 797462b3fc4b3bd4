package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/veilpay/clientvault/core/audit"
	"github.com/veilpay/clientvault/core/kvregion"
	"github.com/veilpay/clientvault/core/store"
	"github.com/veilpay/clientvault/pkg/keymanager"
	"github.com/veilpay/clientvault/pkg/logger"
	"github.com/veilpay/clientvault/pkg/tamper"
)

// descriptorRegionKey is where the tamper-protected session descriptor
// lives in the host region. It shares the session-data prefix so teardown
// sweeps cover it.
const descriptorRegionKey = store.PrefixSessionData + "descriptor"

const keyStripes = 32

// Manager owns one session's state, key registry, and background timers.
// Construct with New; the zero value is not usable.
type Manager struct {
	policy    Policy
	region    kvregion.Region
	clock     clockwork.Clock
	logger    *slog.Logger
	km        *keymanager.Manager
	store     *store.Store
	protector *tamper.Protector
	detector  *tamper.Detector
	audit     *audit.Logger

	mu             sync.Mutex
	state          State
	id             string
	secret         []byte
	createdAt      time.Time
	expiresAt      time.Time
	lastActivityAt time.Time
	extensionCount int
	registry       map[string]*keyRecord
	lastReason     Reason
	cancelTimers   context.CancelFunc
	unsubscribe    func()

	// keyLocks serializes operations per key id so a rotation of key K
	// never races a get or unregister of the same K.
	keyLocks [keyStripes]sync.Mutex

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy replaces the default session policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithClock sets the clock driving timers, expiry, and timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithKeyManager replaces the default key manager. Intended for tests that
// lower the derivation cost.
func WithKeyManager(km *keymanager.Manager) Option {
	return func(m *Manager) {
		if km != nil {
			m.km = km
		}
	}
}

// WithProtector replaces the default tamper protector.
func WithProtector(p *tamper.Protector) Option {
	return func(m *Manager) {
		if p != nil {
			m.protector = p
		}
	}
}

// WithAudit replaces the default audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(m *Manager) {
		if a != nil {
			m.audit = a
		}
	}
}

// New creates a session manager over the given host region. Subcomponents
// not supplied via options are constructed with defaults sharing the
// manager's clock and logger.
func New(region kvregion.Region, opts ...Option) *Manager {
	m := &Manager{
		policy: DefaultPolicy(),
		region: region,
		clock:  clockwork.NewRealClock(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		state:  StateNoSession,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.km == nil {
		m.km = keymanager.New(keymanager.WithClock(m.clock))
	}
	if m.protector == nil {
		m.protector = tamper.New(tamper.WithClock(m.clock))
	}
	if m.audit == nil {
		m.audit = audit.New(
			audit.WithClock(m.clock),
			audit.WithLogger(m.logger),
			audit.WithRegion(region),
		)
	}
	m.store = store.New(m.km, region, store.WithClock(m.clock), store.WithLogger(m.logger))
	m.detector = tamper.NewDetector(m.protector, region)
	return m
}

// Store exposes the underlying encrypted store, for wiring a cleanup
// Sweeper or for direct category-level access.
func (m *Manager) Store() *store.Store {
	return m.store
}

// Audit exposes the session's audit logger.
func (m *Manager) Audit() *audit.Logger {
	return m.audit
}

// Initialize moves the manager from NoSession to Active: generates the
// session id and ephemeral secret, persists the tamper-protected descriptor
// (never the secret), starts the three background timers, and subscribes to
// external region changes. The timers stop when ctx is cancelled or the
// session terminates, whichever comes first. Returns the session id.
func (m *Manager) Initialize(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.state == StateActive {
		m.mu.Unlock()
		return "", ErrSessionExists
	}

	secret, err := keymanager.GeneratePassword(m.policy.SecretLength, true)
	if err != nil {
		m.mu.Unlock()
		return "", errors.Join(ErrSecretGeneration, err)
	}

	now := m.clock.Now().UTC()
	m.id = uuid.NewString()
	m.secret = secret
	m.createdAt = now
	m.expiresAt = now.Add(m.policy.Duration)
	m.lastActivityAt = now
	m.extensionCount = 0
	m.registry = make(map[string]*keyRecord)
	m.state = StateActive

	if err := m.persistDescriptorLocked(); err != nil {
		m.resetLocked()
		m.mu.Unlock()
		return "", err
	}

	tctx, cancel := context.WithCancel(ctx)
	m.cancelTimers = cancel
	m.wg.Add(3)
	go m.runTimer(tctx, m.policy.StatusInterval, m.checkStatus)
	go m.runTimer(tctx, m.policy.RotationInterval, m.rotateAllKeys)
	go m.runTimer(tctx, m.policy.TamperInterval, m.backgroundTamperCheck)
	m.unsubscribe = m.region.Subscribe(m.onRegionChange)

	id := m.id
	m.mu.Unlock()

	m.logger.Info("session initialized", logger.SessionID(id))
	m.audit.Info("session initialized", map[string]any{"session_id": id})
	return id, nil
}

// Active reports whether a session is currently active.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActive
}

// Info returns a snapshot of the session.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		ID:             m.id,
		State:          m.state,
		CreatedAt:      m.createdAt,
		ExpiresAt:      m.expiresAt,
		LastActivityAt: m.lastActivityAt,
		ExtensionCount: m.extensionCount,
		RegisteredKeys: len(m.registry),
		LastReason:     m.lastReason,
	}
}

// Extend pushes the expiry out by the policy duration. Bounded: once the
// extension count reaches the policy maximum it returns ErrExtensionLimit
// and leaves the expiry untouched.
func (m *Manager) Extend() error {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	if m.extensionCount >= m.policy.MaxExtensions {
		m.mu.Unlock()
		return ErrExtensionLimit
	}

	now := m.clock.Now().UTC()
	m.expiresAt = now.Add(m.policy.Duration)
	m.extensionCount++
	m.lastActivityAt = now
	count := m.extensionCount
	err := m.persistDescriptorLocked()
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.audit.Info("session extended", map[string]any{"extension_count": count})
	return nil
}

// Terminate tears the session down: deletes every registered key and its
// ciphertext, removes the persisted descriptor, stops the timers, wipes the
// secret, and nulls all session fields. Idempotent; a no-op when no session
// is active.
func (m *Manager) Terminate(reason Reason) {
	m.mu.Lock()
	finish := m.terminateLocked(reason)
	m.mu.Unlock()
	finish()
}

// terminateIf terminates only when the session with the given id is still
// the active one. Guards paths that decide on a termination, release the
// lock for long verification work, and act afterwards; by then the decision
// may concern a session that no longer exists.
func (m *Manager) terminateIf(id string, reason Reason) {
	m.mu.Lock()
	if m.state != StateActive || m.id != id {
		m.mu.Unlock()
		return
	}
	finish := m.terminateLocked(reason)
	m.mu.Unlock()
	finish()
}

// terminateLocked performs the teardown under m.mu and returns the work
// that must run after the lock is released. Caller holds mu.
func (m *Manager) terminateLocked(reason Reason) func() {
	if m.state == StateNoSession {
		return func() {}
	}
	m.state = reason.terminalState()

	id := m.id
	records := m.registry
	cancel := m.cancelTimers
	unsub := m.unsubscribe

	for _, rec := range records {
		m.store.Delete(rec.category, rec.dataID)
		keymanager.Wipe(rec.password)
	}
	m.region.Delete(descriptorRegionKey)

	m.resetLocked()
	m.lastReason = reason

	return func() {
		if cancel != nil {
			cancel()
		}
		if unsub != nil {
			unsub()
		}

		m.logger.Info("session terminated",
			logger.SessionID(id), logger.Reason(string(reason)), logger.Count("keys_removed", len(records)))

		data := map[string]any{"session_id": id, "reason": string(reason), "keys_removed": len(records)}
		if reason == ReasonTampered {
			m.audit.Security("session terminated", data)
		} else {
			m.audit.Info("session terminated", data)
		}
	}
}

// Shutdown terminates the session, waits for the timers to exit, and
// removes every managed entry from the region. Meant for the host's
// teardown hook.
func (m *Manager) Shutdown() {
	m.Terminate(ReasonClosed)
	m.wg.Wait()
	m.store.CleanupAll()
}

// CheckForTampering verifies the protected descriptor and scans the region
// for tampered envelopes. Any integrity failure is fail-closed: the session
// is terminated with ReasonTampered and ErrTamperDetected is returned.
func (m *Manager) CheckForTampering() error {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	id := m.id
	secret := bytes.Clone(m.secret)
	m.mu.Unlock()
	defer keymanager.Wipe(secret)

	detail := m.verifyDescriptor(id, secret)
	if detail == "" {
		if report := m.detector.ScanRegion(secret); !report.Clean() {
			detail = fmt.Sprintf("%d of %d protected entries failed verification", report.Tampered, report.Checked)
		}
	}
	if detail == "" {
		return nil
	}

	m.audit.Security("session integrity check failed", map[string]any{"detail": detail})
	// The scan ran outside the lock; only the session it inspected may be
	// torn down for its verdict.
	m.terminateIf(id, ReasonTampered)
	return ErrTamperDetected
}

// HandleVisibilityRestored is the host's "visibility restored" hook: a
// tamper check followed by an activity refresh.
func (m *Manager) HandleVisibilityRestored() error {
	if err := m.CheckForTampering(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == StateActive {
		m.lastActivityAt = m.clock.Now().UTC()
	}
	m.mu.Unlock()

	m.audit.Info("visibility restored", nil)
	return nil
}

// verifyDescriptor checks the persisted descriptor against the session.
// Returns an empty string when intact, otherwise a short failure detail.
func (m *Manager) verifyDescriptor(id string, secret []byte) string {
	raw, ok := m.region.Get(descriptorRegionKey)
	if !ok {
		return "session descriptor missing"
	}

	var env tamper.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "session descriptor unparsable"
	}
	if !m.protector.Verify(&env, secret) {
		return "session descriptor failed verification"
	}

	var desc descriptor
	if err := m.protector.Unwrap(&env, secret, &desc); err != nil || desc.ID != id {
		return "session descriptor does not match session"
	}
	return ""
}

// persistDescriptorLocked protects and writes the descriptor. Caller holds mu.
func (m *Manager) persistDescriptorLocked() error {
	desc := descriptor{
		ID:             m.id,
		CreatedAt:      m.createdAt,
		ExpiresAt:      m.expiresAt,
		LastActivityAt: m.lastActivityAt,
		ExtensionCount: m.extensionCount,
	}

	env, err := m.protector.Protect(desc, m.secret)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("descriptor serialization: %w", err)
	}

	m.region.Set(descriptorRegionKey, raw)
	return nil
}

// resetLocked wipes the secret and nulls all session fields. Caller holds mu.
func (m *Manager) resetLocked() {
	keymanager.Wipe(m.secret)
	m.secret = nil
	m.id = ""
	m.createdAt = time.Time{}
	m.expiresAt = time.Time{}
	m.lastActivityAt = time.Time{}
	m.extensionCount = 0
	m.registry = nil
	m.cancelTimers = nil
	m.unsubscribe = nil
	m.state = StateNoSession
}

// runTimer drives one background check on a fixed interval until ctx ends.
func (m *Manager) runTimer(ctx context.Context, interval time.Duration, fn func()) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			fn()
		}
	}
}

// checkStatus terminates an expired or idle session. Timer-driven.
func (m *Manager) checkStatus() {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now().UTC()

	var reason Reason
	switch {
	case now.After(m.expiresAt):
		reason = ReasonExpired
	case now.Sub(m.lastActivityAt) > m.policy.IdleTimeout:
		reason = ReasonIdle
	default:
		m.mu.Unlock()
		return
	}

	// Decision and transition share one critical section so a concurrent
	// Extend cannot commit between them and then be torn down by a stale
	// verdict.
	finish := m.terminateLocked(reason)
	m.mu.Unlock()
	finish()
}

// backgroundTamperCheck runs the periodic integrity scan. Failures already
// terminate and audit inside CheckForTampering.
func (m *Manager) backgroundTamperCheck() {
	_ = m.CheckForTampering()
}

// onRegionChange records external mutations of managed keys. Cross-context
// writes are detected and audited, not prevented.
func (m *Manager) onRegionChange(ev kvregion.ChangeEvent) {
	if ev.Key == descriptorRegionKey {
		m.audit.Security("external change to session descriptor", map[string]any{
			"key": ev.Key, "op": string(ev.Op),
		})
		return
	}
	if _, ok := store.ManagedKey(ev.Key); !ok {
		return
	}
	m.audit.Warn("external change to managed entry", map[string]any{
		"key": ev.Key, "op": string(ev.Op),
	})
}

// keyLock returns the stripe mutex serializing operations on one key id.
func (m *Manager) keyLock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.keyLocks[h.Sum32()%keyStripes]
}
