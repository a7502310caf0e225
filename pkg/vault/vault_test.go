package vault

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := NewKey()
	require.NoError(t, err)
	v, err := New(key)
	require.NoError(t, err)
	return v
}

func TestVault_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	tests := []string{
		"",
		"sk-test-1234567890",
		"ключ-🔑-鍵",
		string(make([]byte, 4096)),
	}

	for _, plaintext := range tests {
		ciphertext, err := v.Encrypt(plaintext)
		require.NoError(t, err)

		got, err := v.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestVault_EncryptIsNonDeterministic(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt("same-key")
	require.NoError(t, err)
	b, err := v.Encrypt("same-key")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestVault_DecryptForeignCiphertext(t *testing.T) {
	v1 := newTestVault(t)
	v2 := newTestVault(t)

	ciphertext, err := v1.Encrypt("sk-secret")
	require.NoError(t, err)

	_, err = v2.Decrypt(ciphertext)
	var cryptoErr *CryptoError
	require.True(t, errors.As(err, &cryptoErr), "expected CryptoError, got %v", err)
	assert.Equal(t, "decrypt", cryptoErr.Op)
}

func TestVault_DecryptMalformed(t *testing.T) {
	v := newTestVault(t)

	ciphertext, err := v.Encrypt("sk-secret")
	require.NoError(t, err)
	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xff

	inputs := map[string][]byte{
		"nil":      nil,
		"short":    []byte("abc"),
		"tampered": tampered,
		"garbage":  make([]byte, 128),
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := v.Decrypt(input)
				var cryptoErr *CryptoError
				assert.ErrorAs(t, err, &cryptoErr)
			})
		})
	}
}

func TestVault_NilVault(t *testing.T) {
	var v *Vault

	_, err := v.Encrypt("x")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = v.Decrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestParseKey(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	parsed, err := ParseKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = ParseKey("dG9vLXNob3J0")
	assert.Error(t, err)

	_, err = ParseKey("not base64 !!")
	assert.Error(t, err)
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey("correct horse", "salt")
	require.NoError(t, err)
	b, err := DeriveKey("correct horse", "salt")
	require.NoError(t, err)
	c, err := DeriveKey("correct horse", "other-salt")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err = DeriveKey("", "salt")
	assert.Error(t, err)
}

func TestResolveKey(t *testing.T) {
	configured, err := NewKey()
	require.NoError(t, err)

	k, src, err := ResolveKey(Config{Key: configured.String()})
	require.NoError(t, err)
	assert.Equal(t, SourceConfig, src)
	assert.Equal(t, configured, k)

	_, src, err = ResolveKey(Config{Passphrase: "pass"})
	require.NoError(t, err)
	assert.Equal(t, SourcePassphrase, src)

	_, src, err = ResolveKey(Config{})
	require.NoError(t, err)
	assert.Equal(t, SourceEphemeral, src)
}

func TestResolveKey_KeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "vault.key")

	first, src, err := ResolveKey(Config{KeyFile: path})
	require.NoError(t, err)
	assert.Equal(t, SourceGenerated, src)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, src, err := ResolveKey(Config{KeyFile: path})
	require.NoError(t, err)
	assert.Equal(t, SourceKeyFile, src)
	assert.Equal(t, first, second)
}

func TestResolveKey_KeyFileConcurrentStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.key")

	const n = 16
	keys := make([]Key, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			keys[i], _, errs[i] = ResolveKey(Config{KeyFile: path})
		})
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, keys[0], keys[i])
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "vault.key", entries[0].Name())
}
