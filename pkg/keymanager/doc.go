// Package keymanager provides password-based key derivation and authenticated
// encryption for the client-side secret store.
//
// Keys are derived with PBKDF2-SHA256 (310,000 iterations, 16-byte salt,
// 256-bit output) so that every password guess carries a non-trivial cost.
// Data is sealed with AES-256-GCM under a fresh salt and nonce per call, and
// the resulting Envelope carries everything needed to decrypt except the
// password itself.
//
// Basic usage:
//
//	km := keymanager.New()
//
//	env, err := km.Encrypt(walletData, password)
//	if err != nil {
//		return err
//	}
//
//	var restored WalletData
//	if err := km.Decrypt(env, password, &restored); err != nil {
//		// ErrDecryptionFailed covers both a wrong password and a
//		// tampered ciphertext; the two are deliberately
//		// indistinguishable to callers.
//		return err
//	}
//
// # Security Model
//
// A wrong password and an altered ciphertext both surface as
// ErrDecryptionFailed. Distinguishing them would give an attacker an oracle,
// so the package never does.
//
// Secrets are handled as byte slices from creation so they can be zeroed with
// Wipe. Go strings cannot be erased in place; callers holding secrets in
// strings accept that limitation.
package keymanager
