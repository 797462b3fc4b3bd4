package store

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/veilpay/clientvault/core/kvregion"
	"github.com/veilpay/clientvault/pkg/keymanager"
)

// Wallet is the plaintext wallet shape handed to StoreWallet. Only the
// address survives in the region as plaintext; the private key is wrapped
// into its own envelope.
type Wallet struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// Entry is the wire shape written into the host key-value region under a
// category-prefixed key. It never contains plaintext secrets.
type Entry struct {
	ID          string               `json:"id"`
	Type        Category             `json:"type"`
	Envelope    *keymanager.Envelope `json:"envelope,omitempty"`
	Address     string               `json:"address,omitempty"`
	KeyEnvelope *keymanager.Envelope `json:"key_envelope,omitempty"`
	CreatedAt   time.Time            `json:"created"`
	ExpiresAt   time.Time            `json:"expires_at"`
}

// expired reports whether the entry's TTL elapsed as of now.
func (e Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Store writes and reads ciphertext entries in the host region.
type Store struct {
	km     *keymanager.Manager
	region kvregion.Region
	clock  clockwork.Clock
	logger *slog.Logger
	ttls   map[Category]time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for TTL stamping and expiry checks.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTTL overrides the default TTL for one category.
func WithTTL(category Category, ttl time.Duration) Option {
	return func(s *Store) {
		if category.Valid() && ttl > 0 {
			s.ttls[category] = ttl
		}
	}
}

// New creates a store over the given key manager and region.
func New(km *keymanager.Manager, region kvregion.Region, opts ...Option) *Store {
	s := &Store{
		km:     km,
		region: region,
		clock:  clockwork.NewRealClock(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ttls:   make(map[Category]time.Duration, len(defaultTTLs)),
	}
	for c, ttl := range defaultTTLs {
		s.ttls[c] = ttl
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreWallet encrypts a wallet's private key into its own tagged envelope
// and writes it beside the plaintext address. Returns the entry id.
func (s *Store) StoreWallet(w Wallet, password []byte, ttl ...time.Duration) (string, error) {
	if w.Address == "" || w.PrivateKey == "" {
		return "", ErrInvalidWallet
	}

	keyEnv, err := s.km.EncryptPrivateKey(w.PrivateKey, password)
	if err != nil {
		return "", err
	}

	return s.write(CategoryWallet, Entry{
		Address:     w.Address,
		KeyEnvelope: keyEnv,
	}, ttl)
}

// GetWallet reads and decrypts a wallet entry. The returned private key is
// plaintext; the caller owns its lifetime.
func (s *Store) GetWallet(id string, password []byte) (Wallet, error) {
	entry, err := s.read(CategoryWallet, id)
	if err != nil {
		return Wallet{}, err
	}
	if entry.KeyEnvelope == nil {
		return Wallet{}, ErrEntryCorrupted
	}

	privateKey, err := s.km.DecryptPrivateKey(entry.KeyEnvelope, password)
	if err != nil {
		return Wallet{}, err
	}

	return Wallet{Address: entry.Address, PrivateKey: string(privateKey)}, nil
}

// StoreInput encrypts circuit input data under the input category.
func (s *Store) StoreInput(data any, password []byte, ttl ...time.Duration) (string, error) {
	return s.storeEncrypted(CategoryInput, data, password, ttl)
}

// GetInput reads and decrypts a circuit input entry into dst.
func (s *Store) GetInput(id string, password []byte, dst any) error {
	return s.getEncrypted(CategoryInput, id, password, dst)
}

// StoreProof encrypts a generated proof artifact under the proof category.
func (s *Store) StoreProof(data any, password []byte, ttl ...time.Duration) (string, error) {
	return s.storeEncrypted(CategoryProof, data, password, ttl)
}

// GetProof reads and decrypts a proof entry into dst.
func (s *Store) GetProof(id string, password []byte, dst any) error {
	return s.getEncrypted(CategoryProof, id, password, dst)
}

// StoreSessionData encrypts session-scoped data under the session category.
func (s *Store) StoreSessionData(data any, password []byte, ttl ...time.Duration) (string, error) {
	return s.storeEncrypted(CategorySessionData, data, password, ttl)
}

// GetSessionData reads and decrypts a session-data entry into dst.
func (s *Store) GetSessionData(id string, password []byte, dst any) error {
	return s.getEncrypted(CategorySessionData, id, password, dst)
}

// Store encrypts data under an arbitrary managed category.
func (s *Store) Store(category Category, data any, password []byte, ttl ...time.Duration) (string, error) {
	if category == CategoryWallet {
		return "", fmt.Errorf("%w: wallets use StoreWallet", ErrInvalidWallet)
	}
	return s.storeEncrypted(category, data, password, ttl)
}

// Get reads and decrypts an entry of an arbitrary managed category.
func (s *Store) Get(category Category, id string, password []byte, dst any) error {
	if category == CategoryWallet {
		return fmt.Errorf("%w: wallets use GetWallet", ErrInvalidWallet)
	}
	return s.getEncrypted(category, id, password, dst)
}

// Delete removes an entry by category and id. Safe to call for missing ids.
func (s *Store) Delete(category Category, id string) {
	s.Remove(category.Prefix() + id)
}

// Exists reports whether an entry is present, without decrypting it or
// touching its TTL.
func (s *Store) Exists(category Category, id string) bool {
	_, ok := s.region.Get(category.Prefix() + id)
	return ok
}

// Remove deletes a region key by its full prefixed name, best-effort wiping
// the parsed entry first. Removal never fails: cleanup paths must stay
// robust, so problems are logged and swallowed.
func (s *Store) Remove(regionKey string) {
	raw, ok := s.region.Get(regionKey)
	if ok {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err == nil {
			wipeEntry(&entry)
		} else {
			// Managed prefixes legitimately hold non-entry values, the
			// audit log's persisted chain among them.
			s.logger.Debug("removing non-entry value", slog.String("key", regionKey))
		}
		keymanager.Wipe(raw)
	}
	s.region.Delete(regionKey)
}

// storeEncrypted is the common write path for single-envelope categories.
func (s *Store) storeEncrypted(category Category, data any, password []byte, ttl []time.Duration) (string, error) {
	if !category.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrMissingData, category)
	}
	if data == nil {
		return "", ErrMissingData
	}

	env, err := s.km.Encrypt(data, password)
	if err != nil {
		return "", err
	}

	return s.write(category, Entry{Envelope: env}, ttl)
}

// getEncrypted is the common read path for single-envelope categories.
func (s *Store) getEncrypted(category Category, id string, password []byte, dst any) error {
	entry, err := s.read(category, id)
	if err != nil {
		return err
	}
	if entry.Envelope == nil {
		return ErrEntryCorrupted
	}
	return s.km.Decrypt(entry.Envelope, password, dst)
}

// write stamps and persists an entry under its category prefix.
func (s *Store) write(category Category, entry Entry, ttl []time.Duration) (string, error) {
	effective := s.ttls[category]
	if len(ttl) > 0 && ttl[0] > 0 {
		effective = ttl[0]
	}

	now := s.clock.Now().UTC()
	entry.ID = uuid.NewString()
	entry.Type = category
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(effective)

	raw, err := json.Marshal(entry)
	if err != nil {
		// Never echo entry contents; ciphertext stays out of errors.
		return "", fmt.Errorf("%w: entry serialization", ErrEntryCorrupted)
	}

	s.region.Set(category.Prefix()+entry.ID, raw)
	return entry.ID, nil
}

// read loads an entry and enforces lazy expiry: an expired entry is
// deleted and reported as expired.
func (s *Store) read(category Category, id string) (Entry, error) {
	regionKey := category.Prefix() + id

	raw, ok := s.region.Get(regionKey)
	if !ok {
		return Entry{}, ErrEntryNotFound
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, ErrEntryCorrupted
	}

	if entry.expired(s.clock.Now().UTC()) {
		s.Remove(regionKey)
		return Entry{}, ErrEntryExpired
	}

	return entry, nil
}

// wipeEntry zeroes the sensitive buffers of a parsed entry.
func wipeEntry(entry *Entry) {
	for _, env := range []*keymanager.Envelope{entry.Envelope, entry.KeyEnvelope} {
		if env != nil {
			keymanager.WipeAll(env.Ciphertext, env.IV, env.Salt)
		}
	}
}

// ManagedKey reports whether a region key belongs to one of the four
// managed prefixes, and which category it is.
func ManagedKey(key string) (Category, bool) {
	for category, prefix := range categoryPrefixes {
		if strings.HasPrefix(key, prefix) {
			return category, true
		}
	}
	return "", false
}
