// Package vault encrypts user-supplied API keys before they are stored in a
// session. The symmetric key is resolved once at startup and injected; the
// vault never creates keys lazily.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length in bytes of a vault key.
const KeySize = chacha20poly1305.KeySize

// Key is a symmetric vault key.
type Key [KeySize]byte

// ErrNoKey is returned when the vault was built without a key.
var ErrNoKey = errors.New("vault key not configured")

// CryptoError reports an encryption or decryption failure.
type CryptoError struct {
	Op  string // "encrypt" or "decrypt"
	Err error
}

func (e *CryptoError) Error() string {
	return "vault " + e.Op + ": " + e.Err.Error()
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Vault seals and opens credentials with XChaCha20-Poly1305.
// Vault is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault for the given key.
func New(key Key) (*Vault, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext. The random nonce is prepended to the result, so
// encrypting the same value twice yields different ciphertexts.
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	if v == nil || v.aead == nil {
		return nil, &CryptoError{Op: "encrypt", Err: ErrNoKey}
	}

	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, &CryptoError{Op: "encrypt", Err: fmt.Errorf("read nonce: %w", err)}
	}

	return v.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens ciphertext produced by Encrypt with the same key.
func (v *Vault) Decrypt(ciphertext []byte) (string, error) {
	if v == nil || v.aead == nil {
		return "", &CryptoError{Op: "decrypt", Err: ErrNoKey}
	}

	ns := v.aead.NonceSize()
	if len(ciphertext) < ns+v.aead.Overhead() {
		return "", &CryptoError{Op: "decrypt", Err: errors.New("ciphertext too short")}
	}

	plaintext, err := v.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	if !utf8.Valid(plaintext) {
		return "", &CryptoError{Op: "decrypt", Err: errors.New("plaintext is not valid UTF-8")}
	}

	return string(plaintext), nil
}
