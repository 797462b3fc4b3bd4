package session

import (
	"bytes"
	"errors"
	"time"

	"github.com/veilpay/clientvault/core/store"
	"github.com/veilpay/clientvault/pkg/keymanager"
)

// StoreData encrypts data under a freshly generated per-item password,
// persists it under the given category, and registers a key for it.
// Returns the opaque key id used for retrieval.
func (m *Manager) StoreData(category store.Category, data any, ttl ...time.Duration) (string, error) {
	if !m.Active() {
		return "", ErrNoActiveSession
	}

	password, err := keymanager.GeneratePassword(m.policy.SecretLength, true)
	if err != nil {
		return "", errors.Join(ErrSecretGeneration, err)
	}
	defer keymanager.Wipe(password)

	dataID, err := m.store.Store(category, data, password, ttl...)
	if err != nil {
		return "", err
	}

	keyID, err := m.RegisterKey(category, dataID, password, nil)
	if err != nil {
		m.store.Delete(category, dataID)
		return "", err
	}
	return keyID, nil
}

// StoreWallet persists a wallet the same way, with the private key wrapped
// in its own envelope.
func (m *Manager) StoreWallet(w store.Wallet, ttl ...time.Duration) (string, error) {
	if !m.Active() {
		return "", ErrNoActiveSession
	}

	password, err := keymanager.GeneratePassword(m.policy.SecretLength, true)
	if err != nil {
		return "", errors.Join(ErrSecretGeneration, err)
	}
	defer keymanager.Wipe(password)

	dataID, err := m.store.StoreWallet(w, password, ttl...)
	if err != nil {
		return "", err
	}

	keyID, err := m.RegisterKey(store.CategoryWallet, dataID, password, nil)
	if err != nil {
		m.store.Delete(store.CategoryWallet, dataID)
		return "", err
	}
	return keyID, nil
}

// RetrieveData looks up a key and decrypts its entry into dst. Security
// errors are returned to the caller; a foreground read failure alone never
// terminates the session.
func (m *Manager) RetrieveData(keyID string, dst any) error {
	return m.retrieve(keyID, dst, nil)
}

// RetrieveSensitive is RetrieveData for reads the caller flags as a
// sensitive operation: the key is rotated immediately after the read.
// Returns the new key id; the old one stops resolving.
func (m *Manager) RetrieveSensitive(keyID string, dst any) (string, error) {
	if err := m.retrieve(keyID, dst, nil); err != nil {
		return "", err
	}
	newID, err := m.RotateKey(keyID)
	if err != nil {
		m.audit.Error("post-read key rotation failed", map[string]any{"key_id": keyID})
		return keyID, err
	}
	return newID, nil
}

// RetrieveWallet looks up a wallet key and decrypts the wallet.
func (m *Manager) RetrieveWallet(keyID string) (store.Wallet, error) {
	var w store.Wallet
	err := m.retrieve(keyID, nil, &w)
	return w, err
}

// RetrieveWalletSensitive reads a wallet and rotates its key afterwards.
// Returns the wallet and the new key id.
func (m *Manager) RetrieveWalletSensitive(keyID string) (store.Wallet, string, error) {
	w, err := m.RetrieveWallet(keyID)
	if err != nil {
		return store.Wallet{}, "", err
	}
	newID, err := m.RotateKey(keyID)
	if err != nil {
		m.audit.Error("post-read key rotation failed", map[string]any{"key_id": keyID})
		return w, keyID, err
	}
	return w, newID, nil
}

// retrieve is the shared read path. Exactly one of dst (generic categories)
// or wallet must be set. Holding the key's stripe lock keeps the read from
// racing a rotation or unregistration of the same key.
func (m *Manager) retrieve(keyID string, dst any, wallet *store.Wallet) error {
	lock := m.keyLock(keyID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	rec, ok := m.registry[keyID]
	if !ok {
		m.mu.Unlock()
		return ErrKeyNotFound
	}
	password := bytes.Clone(rec.password)
	dataID := rec.dataID
	category := rec.category
	m.lastActivityAt = m.clock.Now().UTC()
	m.mu.Unlock()
	defer keymanager.Wipe(password)

	var err error
	if wallet != nil {
		*wallet, err = m.store.GetWallet(dataID, password)
	} else {
		err = m.store.Get(category, dataID, password, dst)
	}

	if errors.Is(err, store.ErrEntryExpired) || errors.Is(err, store.ErrEntryNotFound) {
		// The ciphertext is gone; drop the stale registry record.
		m.mu.Lock()
		if stale, ok := m.registry[keyID]; ok {
			keymanager.Wipe(stale.password)
			delete(m.registry, keyID)
		}
		m.mu.Unlock()
	}
	return err
}
