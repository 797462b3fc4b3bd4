package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/veilpay/clientvault/core/store"
	"github.com/veilpay/clientvault/pkg/keymanager"
	"github.com/veilpay/clientvault/pkg/logger"
	"github.com/veilpay/clientvault/pkg/tamper"
)

// keyRecord maps an opaque key id to a storage entry and the password that
// opens it. Passwords never leave this package.
type keyRecord struct {
	id        string
	dataID    string
	category  store.Category
	metadata  map[string]string
	password  []byte
	createdAt time.Time
	rotatedAt time.Time
}

// KeyInfo is the caller-visible view of a registry record. It never carries
// the password.
type KeyInfo struct {
	ID        string
	DataID    string
	Category  store.Category
	Metadata  map[string]string
	CreatedAt time.Time
	RotatedAt time.Time
}

// RegisterKey adds a registry record for an existing storage entry and
// returns the new opaque key id. The password is copied; the caller keeps
// ownership of its buffer.
func (m *Manager) RegisterKey(category store.Category, dataID string, password []byte, metadata map[string]string) (string, error) {
	if !category.Valid() || dataID == "" {
		return "", ErrInvalidKey
	}
	if len(password) == 0 {
		return "", keymanager.ErrMissingPassword
	}

	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return "", ErrNoActiveSession
	}

	now := m.clock.Now().UTC()
	id := uuid.NewString()
	m.registry[id] = &keyRecord{
		id:        id,
		dataID:    dataID,
		category:  category,
		metadata:  metadata,
		password:  bytes.Clone(password),
		createdAt: now,
	}
	m.lastActivityAt = now
	m.mu.Unlock()

	m.audit.Info("key registered", map[string]any{"key_id": id, "category": string(category)})
	return id, nil
}

// GetKey returns the registry record for a key id, without its password.
func (m *Manager) GetKey(id string) (KeyInfo, error) {
	lock := m.keyLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return KeyInfo{}, ErrNoActiveSession
	}
	rec, ok := m.registry[id]
	if !ok {
		return KeyInfo{}, ErrKeyNotFound
	}
	return rec.info(), nil
}

// UnregisterKey removes a registry record. Storage deletion is always
// attempted first when requested; it never blocks the unregistration.
func (m *Manager) UnregisterKey(id string, deleteData bool) error {
	lock := m.keyLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	rec, ok := m.registry[id]
	if !ok {
		m.mu.Unlock()
		return ErrKeyNotFound
	}

	if deleteData {
		m.store.Delete(rec.category, rec.dataID)
	}
	keymanager.Wipe(rec.password)
	delete(m.registry, id)
	m.lastActivityAt = m.clock.Now().UTC()
	m.mu.Unlock()

	m.audit.Info("key unregistered", map[string]any{"key_id": id, "data_deleted": deleteData})
	return nil
}

// RotateKey migrates one entry to a freshly generated password under a new
// key id and storage id, then deletes the old ciphertext. The old and new
// ciphertexts never coexist past the return, and the old key id resolves to
// nothing afterwards. Returns the new key id.
func (m *Manager) RotateKey(id string) (string, error) {
	lock := m.keyLock(id)
	lock.Lock()
	defer lock.Unlock()
	return m.rotateKeyLocked(id)
}

// rotateKeyLocked performs the rotation. Caller holds the key's stripe lock.
func (m *Manager) rotateKeyLocked(id string) (string, error) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return "", ErrNoActiveSession
	}
	rec, ok := m.registry[id]
	if !ok {
		m.mu.Unlock()
		return "", ErrKeyNotFound
	}
	oldPassword := bytes.Clone(rec.password)
	dataID := rec.dataID
	category := rec.category
	metadata := rec.metadata
	createdAt := rec.createdAt
	m.mu.Unlock()
	defer keymanager.Wipe(oldPassword)

	newPassword, err := keymanager.GeneratePassword(m.policy.SecretLength, true)
	if err != nil {
		return "", errors.Join(ErrSecretGeneration, err)
	}

	var newDataID string
	if category == store.CategoryWallet {
		w, err := m.store.GetWallet(dataID, oldPassword)
		if err != nil {
			keymanager.Wipe(newPassword)
			return "", err
		}
		newDataID, err = m.store.StoreWallet(w, newPassword)
		if err != nil {
			keymanager.Wipe(newPassword)
			return "", err
		}
	} else {
		var raw json.RawMessage
		if err := m.store.Get(category, dataID, oldPassword, &raw); err != nil {
			keymanager.Wipe(newPassword)
			return "", err
		}
		newDataID, err = m.store.Store(category, raw, newPassword)
		keymanager.Wipe(raw)
		if err != nil {
			keymanager.Wipe(newPassword)
			return "", err
		}
	}

	m.store.Delete(category, dataID)

	newID := uuid.NewString()
	now := m.clock.Now().UTC()

	m.mu.Lock()
	if m.state != StateActive {
		// Terminated mid-rotation; do not leave the migrated ciphertext behind.
		m.mu.Unlock()
		m.store.Delete(category, newDataID)
		keymanager.Wipe(newPassword)
		return "", ErrNoActiveSession
	}
	if old, ok := m.registry[id]; ok {
		keymanager.Wipe(old.password)
		delete(m.registry, id)
	}
	m.registry[newID] = &keyRecord{
		id:        newID,
		dataID:    newDataID,
		category:  category,
		metadata:  metadata,
		password:  newPassword,
		createdAt: createdAt,
		rotatedAt: now,
	}
	m.mu.Unlock()

	m.audit.Info("key rotated", map[string]any{
		"old_key_id": id, "new_key_id": newID, "category": string(category),
	})
	return newID, nil
}

// rotateAllKeys rotates every registered key sequentially. Timer-driven.
// A failure on one key does not abort the remainder, except that a
// security-family failure fails closed and terminates the session.
func (m *Manager) rotateAllKeys() {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	sessionID := m.id
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_, err := m.RotateKey(id)
		switch {
		case err == nil,
			errors.Is(err, ErrKeyNotFound),
			errors.Is(err, ErrNoActiveSession),
			errors.Is(err, store.ErrEntryExpired):
			continue
		case securityError(err):
			m.audit.Security("background rotation integrity failure", map[string]any{"key_id": id})
			m.terminateIf(sessionID, ReasonTampered)
			return
		default:
			m.logger.Warn("key rotation failed", logger.KeyID(id), logger.Error(err))
			m.audit.Error("key rotation failed", map[string]any{"key_id": id})
		}
	}
}

// info returns a caller-safe copy of the record.
func (r *keyRecord) info() KeyInfo {
	var metadata map[string]string
	if r.metadata != nil {
		metadata = make(map[string]string, len(r.metadata))
		for k, v := range r.metadata {
			metadata[k] = v
		}
	}
	return KeyInfo{
		ID:        r.id,
		DataID:    r.dataID,
		Category:  r.category,
		Metadata:  metadata,
		CreatedAt: r.createdAt,
		RotatedAt: r.rotatedAt,
	}
}

// securityError reports whether err sits in the security family of the
// error taxonomy rather than input or system.
func securityError(err error) bool {
	return errors.Is(err, keymanager.ErrDecryptionFailed) ||
		errors.Is(err, store.ErrEntryCorrupted) ||
		errors.Is(err, tamper.ErrInvalidPayload) ||
		errors.Is(err, ErrTamperDetected)
}
