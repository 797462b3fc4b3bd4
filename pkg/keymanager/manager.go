package keymanager

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// EnvelopeVersion is the current envelope format version.
	EnvelopeVersion = 1

	// AlgorithmAESGCM identifies envelopes sealed with AES-256-GCM.
	AlgorithmAESGCM = "AES-256-GCM"

	// KeyTypeGeneric marks envelopes holding arbitrary structured data.
	KeyTypeGeneric = "generic"
	// KeyTypePrivateKey marks envelopes holding a wallet private key.
	// Generic envelopes are refused by DecryptPrivateKey so the two can
	// never be confused.
	KeyTypePrivateKey = "private-key"

	// defaultIterations is the PBKDF2 iteration count. Fixed high so a
	// single password guess stays expensive on commodity hardware.
	defaultIterations = 310_000

	saltSize = 16
	keySize  = 32

	privateKeyHexLen = 64
)

// Envelope is the versioned result of authenticated encryption. It is
// produced only by Encrypt and EncryptPrivateKey and is immutable once
// written; rotation always creates a new envelope rather than mutating one
// in place.
type Envelope struct {
	Version    int       `json:"version"`
	Algorithm  string    `json:"algorithm"`
	Ciphertext []byte    `json:"ciphertext"`
	IV         []byte    `json:"iv"`
	Salt       []byte    `json:"salt"`
	CreatedAt  time.Time `json:"created_at"`
	KeyType    string    `json:"key_type"`
}

// Manager performs key derivation and authenticated encryption.
// The zero value is not usable; construct with New.
type Manager struct {
	iterations int
	clock      clockwork.Clock
}

// Option configures a Manager.
type Option func(*Manager)

// WithIterations overrides the PBKDF2 iteration count. Intended for tests;
// production code should keep the default.
func WithIterations(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.iterations = n
		}
	}
}

// WithClock sets the clock used for envelope timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New creates a key manager with the default derivation parameters.
func New(opts ...Option) *Manager {
	m := &Manager{
		iterations: defaultIterations,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DeriveKey derives a 256-bit key from a password using PBKDF2-SHA256.
// A nil salt generates a fresh random 16-byte salt; the salt actually used
// is returned alongside the key so it can be stored for re-derivation.
func (m *Manager) DeriveKey(password, salt []byte) (key, usedSalt []byte, err error) {
	if len(password) == 0 {
		return nil, nil, ErrMissingPassword
	}

	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, errors.Join(ErrEntropyFailure, err)
		}
	} else if len(salt) < saltSize {
		return nil, nil, fmt.Errorf("%w: salt must be at least %d bytes", ErrInvalidEnvelope, saltSize)
	}

	key = pbkdf2.Key(password, salt, m.iterations, keySize, sha256.New)
	return key, salt, nil
}

// Encrypt serializes data, derives a fresh key under a fresh salt, and seals
// the result with AES-256-GCM under a fresh random nonce.
func (m *Manager) Encrypt(data any, password []byte) (*Envelope, error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	env, err := m.seal(plaintext, password, KeyTypeGeneric)
	Wipe(plaintext)
	return env, err
}

// Decrypt re-derives the key from the envelope's salt and the supplied
// password, opens the ciphertext, and unmarshals the result into dst.
// Authentication failure surfaces as ErrDecryptionFailed whether the
// password was wrong or the ciphertext was altered.
func (m *Manager) Decrypt(env *Envelope, password []byte, dst any) error {
	plaintext, err := m.open(env, password, KeyTypeGeneric)
	if err != nil {
		return err
	}
	err = json.Unmarshal(plaintext, dst)
	Wipe(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return nil
}

// EncryptPrivateKey seals a fixed-length hex private key. The envelope is
// tagged so a generic envelope can never be mistaken for a private-key one.
func (m *Manager) EncryptPrivateKey(hexKey string, password []byte) (*Envelope, error) {
	if err := validatePrivateKeyHex(hexKey); err != nil {
		return nil, err
	}
	return m.seal([]byte(hexKey), password, KeyTypePrivateKey)
}

// DecryptPrivateKey opens a private-key envelope and returns the hex secret.
// The result is a fresh byte slice the caller should Wipe after use.
func (m *Manager) DecryptPrivateKey(env *Envelope, password []byte) ([]byte, error) {
	plaintext, err := m.open(env, password, KeyTypePrivateKey)
	if err != nil {
		return nil, err
	}
	if err := validatePrivateKeyHex(string(plaintext)); err != nil {
		Wipe(plaintext)
		return nil, err
	}
	return plaintext, nil
}

// seal encrypts plaintext under a key derived from password.
func (m *Manager) seal(plaintext, password []byte, keyType string) (*Envelope, error) {
	if len(password) == 0 {
		return nil, ErrMissingPassword
	}

	key, salt, err := m.DeriveKey(password, nil)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Join(ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Join(ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Join(ErrEntropyFailure, err)
	}

	return &Envelope{
		Version:    EnvelopeVersion,
		Algorithm:  AlgorithmAESGCM,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
		IV:         nonce,
		Salt:       salt,
		CreatedAt:  m.clock.Now().UTC(),
		KeyType:    keyType,
	}, nil
}

// open decrypts an envelope, enforcing the expected key type before any
// cryptographic work happens.
func (m *Manager) open(env *Envelope, password []byte, keyType string) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrMissingPassword
	}
	if env == nil || len(env.Ciphertext) == 0 || len(env.IV) == 0 || len(env.Salt) == 0 {
		return nil, ErrInvalidEnvelope
	}
	if env.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, env.Algorithm)
	}
	if env.KeyType != keyType {
		return nil, ErrKeyTypeMismatch
	}

	key, _, err := m.DeriveKey(password, env.Salt)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Join(ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Join(ErrDecryptionFailed, err)
	}
	if len(env.IV) != gcm.NonceSize() {
		return nil, ErrInvalidEnvelope
	}

	plaintext, err := gcm.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		// Wrong password and altered ciphertext collapse into the
		// same error; exposing which would create an oracle.
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// validatePrivateKeyHex enforces the fixed private-key wire format.
func validatePrivateKeyHex(s string) error {
	if len(s) != privateKeyHexLen {
		return ErrInvalidPrivateKey
	}
	if _, err := hex.DecodeString(s); err != nil {
		return ErrInvalidPrivateKey
	}
	return nil
}
