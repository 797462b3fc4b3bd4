package keymanager_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilpay/clientvault/pkg/keymanager"
)

// testIterations keeps PBKDF2 cheap in tests without changing semantics.
const testIterations = 1000

type circuitInput struct {
	Commitment string  `json:"commitment"`
	Nullifier  string  `json:"nullifier"`
	Amounts    []int64 `json:"amounts"`
}

func newTestManager() *keymanager.Manager {
	return keymanager.New(keymanager.WithIterations(testIterations))
}

func TestManager_DeriveKey(t *testing.T) {
	t.Parallel()

	t.Run("generates salt when none supplied", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		key, salt, err := km.DeriveKey([]byte("correct horse battery"), nil)

		require.NoError(t, err)
		assert.Len(t, key, 32)
		assert.Len(t, salt, 16)
	})

	t.Run("is deterministic for same password and salt", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		key1, salt, err := km.DeriveKey([]byte("pw"), nil)
		require.NoError(t, err)

		key2, _, err := km.DeriveKey([]byte("pw"), salt)
		require.NoError(t, err)
		assert.Equal(t, key1, key2)
	})

	t.Run("different salts give different keys", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		key1, _, err := km.DeriveKey([]byte("pw"), nil)
		require.NoError(t, err)
		key2, _, err := km.DeriveKey([]byte("pw"), nil)
		require.NoError(t, err)
		assert.NotEqual(t, key1, key2)
	})

	t.Run("rejects empty password", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		_, _, err := km.DeriveKey(nil, nil)
		assert.ErrorIs(t, err, keymanager.ErrMissingPassword)
	})

	t.Run("rejects short salt", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		_, _, err := km.DeriveKey([]byte("pw"), []byte{1, 2, 3})
		assert.ErrorIs(t, err, keymanager.ErrInvalidEnvelope)
	})
}

func TestManager_EncryptDecrypt(t *testing.T) {
	t.Parallel()

	t.Run("round trips structured data", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		password := []byte("s3cret-pass")
		input := circuitInput{
			Commitment: "0xabc123",
			Nullifier:  "0xdef456",
			Amounts:    []int64{100, 250, 7},
		}

		env, err := km.Encrypt(input, password)
		require.NoError(t, err)
		assert.Equal(t, keymanager.EnvelopeVersion, env.Version)
		assert.Equal(t, keymanager.AlgorithmAESGCM, env.Algorithm)
		assert.Equal(t, keymanager.KeyTypeGeneric, env.KeyType)
		assert.Len(t, env.IV, 12)
		assert.Len(t, env.Salt, 16)

		var restored circuitInput
		require.NoError(t, km.Decrypt(env, password, &restored))
		assert.Equal(t, input, restored)
	})

	t.Run("fresh salt and nonce per call", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		password := []byte("pw")

		env1, err := km.Encrypt("same data", password)
		require.NoError(t, err)
		env2, err := km.Encrypt("same data", password)
		require.NoError(t, err)

		assert.NotEqual(t, env1.Salt, env2.Salt)
		assert.NotEqual(t, env1.IV, env2.IV)
		assert.NotEqual(t, env1.Ciphertext, env2.Ciphertext)
	})

	t.Run("wrong password fails without leaking cause", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		env, err := km.Encrypt("sensitive", []byte("right"))
		require.NoError(t, err)

		var out string
		err = km.Decrypt(env, []byte("wrong"), &out)
		assert.ErrorIs(t, err, keymanager.ErrDecryptionFailed)
		assert.Empty(t, out)
	})

	t.Run("tampered ciphertext fails identically to wrong password", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		password := []byte("pw")
		env, err := km.Encrypt("sensitive", password)
		require.NoError(t, err)

		env.Ciphertext[0] ^= 0x01

		var out string
		err = km.Decrypt(env, password, &out)
		assert.ErrorIs(t, err, keymanager.ErrDecryptionFailed)
	})

	t.Run("tampered IV fails", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		password := []byte("pw")
		env, err := km.Encrypt("sensitive", password)
		require.NoError(t, err)

		env.IV[3] ^= 0x80

		var out string
		assert.ErrorIs(t, km.Decrypt(env, password, &out), keymanager.ErrDecryptionFailed)
	})

	t.Run("rejects malformed envelope", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		var out string
		assert.ErrorIs(t, km.Decrypt(nil, []byte("pw"), &out), keymanager.ErrInvalidEnvelope)
		assert.ErrorIs(t, km.Decrypt(&keymanager.Envelope{}, []byte("pw"), &out), keymanager.ErrInvalidEnvelope)
	})

	t.Run("rejects unknown algorithm", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		env, err := km.Encrypt("x", []byte("pw"))
		require.NoError(t, err)
		env.Algorithm = "ROT13"

		var out string
		assert.ErrorIs(t, km.Decrypt(env, []byte("pw"), &out), keymanager.ErrUnsupportedAlgorithm)
	})

	t.Run("stamps envelope with injected clock", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		km := keymanager.New(
			keymanager.WithIterations(testIterations),
			keymanager.WithClock(clockwork.NewFakeClockAt(now)),
		)

		env, err := km.Encrypt("x", []byte("pw"))
		require.NoError(t, err)
		assert.Equal(t, now, env.CreatedAt)
	})
}

func TestManager_PrivateKeyEnvelopes(t *testing.T) {
	t.Parallel()

	const validHexKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

	t.Run("round trips a private key", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		password := []byte("wallet-pw")

		env, err := km.EncryptPrivateKey(validHexKey, password)
		require.NoError(t, err)
		assert.Equal(t, keymanager.KeyTypePrivateKey, env.KeyType)

		restored, err := km.DecryptPrivateKey(env, password)
		require.NoError(t, err)
		assert.Equal(t, validHexKey, string(restored))
	})

	t.Run("rejects malformed private keys", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		for _, bad := range []string{"", "abc", validHexKey + "00", "zz" + validHexKey[2:]} {
			_, err := km.EncryptPrivateKey(bad, []byte("pw"))
			assert.ErrorIs(t, err, keymanager.ErrInvalidPrivateKey, "key %q", bad)
		}
	})

	t.Run("generic envelope cannot decrypt as private key", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		password := []byte("pw")
		env, err := km.Encrypt(validHexKey, password)
		require.NoError(t, err)

		_, err = km.DecryptPrivateKey(env, password)
		assert.ErrorIs(t, err, keymanager.ErrKeyTypeMismatch)
	})

	t.Run("private-key envelope cannot decrypt as generic", func(t *testing.T) {
		t.Parallel()

		km := newTestManager()
		password := []byte("pw")
		env, err := km.EncryptPrivateKey(validHexKey, password)
		require.NoError(t, err)

		var out string
		assert.ErrorIs(t, km.Decrypt(env, password, &out), keymanager.ErrKeyTypeMismatch)
	})
}

func TestWipe(t *testing.T) {
	t.Parallel()

	t.Run("zeroes buffers", func(t *testing.T) {
		t.Parallel()

		buf := []byte{1, 2, 3, 4}
		keymanager.Wipe(buf)
		assert.Equal(t, []byte{0, 0, 0, 0}, buf)
	})

	t.Run("handles nil", func(t *testing.T) {
		t.Parallel()
		keymanager.Wipe(nil)
	})

	t.Run("wipes all buffers", func(t *testing.T) {
		t.Parallel()

		a, b := []byte{9}, []byte{8, 7}
		keymanager.WipeAll(a, b)
		assert.Equal(t, []byte{0}, a)
		assert.Equal(t, []byte{0, 0}, b)
	})
}
