package store_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilpay/clientvault/core/kvregion"
	"github.com/veilpay/clientvault/core/store"
	"github.com/veilpay/clientvault/pkg/keymanager"
)

const testIterations = 1000

const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestStore(t *testing.T, clock clockwork.Clock) (*store.Store, *kvregion.MemoryRegion) {
	t.Helper()
	km := keymanager.New(keymanager.WithIterations(testIterations), keymanager.WithClock(clock))
	region := kvregion.NewMemoryRegion()
	return store.New(km, region, store.WithClock(clock)), region
}

func TestStore_WalletRoundTrip(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, region := newTestStore(t, clock)
	password := []byte("correct horse battery staple")

	id, err := s.StoreWallet(store.Wallet{
		Address:    "0xAbC123",
		PrivateKey: testPrivateKey,
	}, password)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// The region holds the address in plaintext but never the key.
	raw, ok := region.Get(store.PrefixWallet + id)
	require.True(t, ok)
	assert.Contains(t, string(raw), "0xAbC123")
	assert.NotContains(t, string(raw), testPrivateKey)

	w, err := s.GetWallet(id, password)
	require.NoError(t, err)
	assert.Equal(t, "0xAbC123", w.Address)
	assert.Equal(t, testPrivateKey, w.PrivateKey)
}

func TestStore_WalletValidation(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, _ := newTestStore(t, clock)

	_, err := s.StoreWallet(store.Wallet{Address: "0x1"}, []byte("pw"))
	assert.ErrorIs(t, err, store.ErrInvalidWallet)

	_, err = s.StoreWallet(store.Wallet{PrivateKey: testPrivateKey}, []byte("pw"))
	assert.ErrorIs(t, err, store.ErrInvalidWallet)
}

func TestStore_WalletWrongPassword(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, _ := newTestStore(t, clock)

	id, err := s.StoreWallet(store.Wallet{Address: "0x1", PrivateKey: testPrivateKey}, []byte("right"))
	require.NoError(t, err)

	_, err = s.GetWallet(id, []byte("wrong"))
	assert.ErrorIs(t, err, keymanager.ErrDecryptionFailed)
}

func TestStore_CategoryRoundTrips(t *testing.T) {
	t.Parallel()

	type payload struct {
		Circuit string `json:"circuit"`
		Nonce   int    `json:"nonce"`
	}

	clock := clockwork.NewFakeClock()
	s, region := newTestStore(t, clock)
	password := []byte("pw")
	in := payload{Circuit: "transfer-v2", Nonce: 7}

	tests := []struct {
		name   string
		prefix string
		put    func() (string, error)
		get    func(id string, dst *payload) error
	}{
		{
			name:   "circuit input",
			prefix: store.PrefixInput,
			put:    func() (string, error) { return s.StoreInput(in, password) },
			get:    func(id string, dst *payload) error { return s.GetInput(id, password, dst) },
		},
		{
			name:   "proof",
			prefix: store.PrefixProof,
			put:    func() (string, error) { return s.StoreProof(in, password) },
			get:    func(id string, dst *payload) error { return s.GetProof(id, password, dst) },
		},
		{
			name:   "session data",
			prefix: store.PrefixSessionData,
			put:    func() (string, error) { return s.StoreSessionData(in, password) },
			get:    func(id string, dst *payload) error { return s.GetSessionData(id, password, dst) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tt.put()
			require.NoError(t, err)

			_, ok := region.Get(tt.prefix + id)
			require.True(t, ok, "entry must live under its category prefix")

			var out payload
			require.NoError(t, tt.get(id, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestStore_CiphertextOnlyInRegion(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, region := newTestStore(t, clock)

	secret := map[string]string{"witness": "super-secret-witness-value"}
	id, err := s.StoreInput(secret, []byte("pw"))
	require.NoError(t, err)

	raw, ok := region.Get(store.PrefixInput + id)
	require.True(t, ok)
	assert.NotContains(t, string(raw), "super-secret-witness-value")
}

func TestStore_NotFound(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, _ := newTestStore(t, clock)

	var dst map[string]any
	err := s.GetInput("missing-id", []byte("pw"), &dst)
	assert.ErrorIs(t, err, store.ErrEntryNotFound)
}

func TestStore_LazyExpiry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, region := newTestStore(t, clock)

	id, err := s.StoreInput(map[string]int{"n": 1}, []byte("pw"))
	require.NoError(t, err)

	// Default input TTL is 15 minutes.
	clock.Advance(15*time.Minute + time.Second)

	var dst map[string]int
	err = s.GetInput(id, []byte("pw"), &dst)
	assert.ErrorIs(t, err, store.ErrEntryExpired)

	// The failed read deletes the expired entry.
	_, ok := region.Get(store.PrefixInput + id)
	assert.False(t, ok)
}

func TestStore_CustomTTL(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, _ := newTestStore(t, clock)

	id, err := s.StoreInput(map[string]int{"n": 1}, []byte("pw"), time.Hour)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)

	var dst map[string]int
	require.NoError(t, s.GetInput(id, []byte("pw"), &dst))
}

func TestStore_WalletCategoryGuard(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, _ := newTestStore(t, clock)
	password := []byte("pw")

	id, err := s.StoreWallet(store.Wallet{Address: "0x1", PrivateKey: testPrivateKey}, password)
	require.NoError(t, err)

	// The generic paths point wallet callers at the dedicated methods
	// instead of misreading a healthy two-envelope entry.
	var dst map[string]any
	err = s.Get(store.CategoryWallet, id, password, &dst)
	assert.ErrorIs(t, err, store.ErrInvalidWallet)
	assert.NotErrorIs(t, err, store.ErrEntryCorrupted)

	_, err = s.Store(store.CategoryWallet, map[string]int{"n": 1}, password)
	assert.ErrorIs(t, err, store.ErrInvalidWallet)

	w, err := s.GetWallet(id, password)
	require.NoError(t, err)
	assert.Equal(t, testPrivateKey, w.PrivateKey)
}

func TestStore_DeleteAndExists(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, _ := newTestStore(t, clock)

	id, err := s.StoreProof(map[string]int{"n": 1}, []byte("pw"))
	require.NoError(t, err)
	assert.True(t, s.Exists(store.CategoryProof, id))

	s.Delete(store.CategoryProof, id)
	assert.False(t, s.Exists(store.CategoryProof, id))

	// Deleting a missing id is a no-op, never an error.
	s.Delete(store.CategoryProof, "already-gone")
}

func TestStore_CorruptedEntry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, region := newTestStore(t, clock)

	id, err := s.StoreProof(map[string]int{"n": 1}, []byte("pw"))
	require.NoError(t, err)

	region.Set(store.PrefixProof+id, []byte("{not json"))

	var dst map[string]int
	err = s.GetProof(id, []byte("pw"), &dst)
	assert.ErrorIs(t, err, store.ErrEntryCorrupted)
}

func TestStore_CleanupExpired(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, region := newTestStore(t, clock)
	password := []byte("pw")

	inputID, err := s.StoreInput(map[string]int{"n": 1}, password) // 15m TTL
	require.NoError(t, err)
	proofID, err := s.StoreProof(map[string]int{"n": 2}, password) // 60m TTL
	require.NoError(t, err)

	// Unmanaged keys and non-entry values under managed prefixes survive.
	region.Set("host-app-theme", []byte("dark"))
	region.Set(store.PrefixSessionData+"audit-log", []byte(`[{"seq":1}]`))

	clock.Advance(20 * time.Minute)

	removed := s.CleanupExpired()
	assert.Equal(t, 1, removed)

	assert.False(t, s.Exists(store.CategoryInput, inputID))
	assert.True(t, s.Exists(store.CategoryProof, proofID))
	_, ok := region.Get("host-app-theme")
	assert.True(t, ok)
	_, ok = region.Get(store.PrefixSessionData + "audit-log")
	assert.True(t, ok)
}

func TestStore_CleanupAll(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, region := newTestStore(t, clock)
	password := []byte("pw")

	_, err := s.StoreWallet(store.Wallet{Address: "0x1", PrivateKey: testPrivateKey}, password)
	require.NoError(t, err)
	_, err = s.StoreInput(map[string]int{"n": 1}, password)
	require.NoError(t, err)
	_, err = s.StoreProof(map[string]int{"n": 2}, password)
	require.NoError(t, err)
	region.Set("host-app-theme", []byte("dark"))

	removed := s.CleanupAll()
	assert.Equal(t, 3, removed)
	assert.Equal(t, 1, region.Len())

	// Idempotent on an already-clean region.
	assert.Equal(t, 0, s.CleanupAll())
}

func TestStore_CleanupAllQuietOnNonEntryValues(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	km := keymanager.New(keymanager.WithIterations(testIterations), keymanager.WithClock(clock))
	region := kvregion.NewMemoryRegion()

	var buf bytes.Buffer
	s := store.New(km, region,
		store.WithClock(clock),
		store.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
	)

	// The audit log's persisted chain lives under a managed prefix but is
	// not an entry. Tearing it down is routine, not noteworthy.
	region.Set(store.PrefixSessionData+"audit-log", []byte(`[{"sequence":0}]`))
	_, err := s.StoreProof(map[string]int{"n": 1}, []byte("pw"))
	require.NoError(t, err)

	assert.Equal(t, 2, s.CleanupAll())
	assert.NotContains(t, buf.String(), "level=WARN")
	assert.NotContains(t, buf.String(), "non-entry")
}

func TestSweeper(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, _ := newTestStore(t, clock)

	_, err := s.StoreInput(map[string]int{"n": 1}, []byte("pw"))
	require.NoError(t, err)

	sw := store.NewSweeper(s, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sw.Start(ctx) }()

	// Wait for the sweep loop to arm its ticker.
	require.Eventually(t, func() bool {
		return sw.Stats().IsRunning
	}, time.Second, 10*time.Millisecond)
	clock.BlockUntilContext(ctx, 1)

	// First tick: nothing expired yet.
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return sw.Stats().SweepsRun >= 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), sw.Stats().EntriesRemoved)

	// Push past the input TTL and tick again.
	clock.Advance(15 * time.Minute)
	require.Eventually(t, func() bool {
		return sw.Stats().EntriesRemoved == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sw.Stop())
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, sw.Stats().IsRunning)
}

func TestSweeper_StartValidation(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s, _ := newTestStore(t, clock)

	sw := store.NewSweeper(s, 0)
	err := sw.Start(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "interval"))

	assert.Error(t, sw.Stop())
}
