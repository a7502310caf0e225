package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to this use.
const hkdfInfo = "megbot credential vault v1"

// Config selects where the vault key comes from.
type Config struct {
	// Key is a base64 (std or URL encoding) 32-byte key.
	Key string `yaml:"key"`
	// Passphrase derives a key with HKDF-SHA256 when Key is empty.
	Passphrase string `yaml:"passphrase"`
	// Salt is mixed into the passphrase derivation.
	Salt string `yaml:"salt"`
	// KeyFile is loaded if it exists, otherwise a new key is written there.
	KeyFile string `yaml:"key_file"`
}

// Source describes how ResolveKey obtained a key.
type Source string

const (
	SourceConfig     Source = "config"
	SourcePassphrase Source = "passphrase"
	SourceKeyFile    Source = "key_file"
	SourceGenerated  Source = "generated"
	SourceEphemeral  Source = "ephemeral"
)

// NewKey returns a fresh random key.
func NewKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// ParseKey decodes a base64-encoded key.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		raw, err = enc.DecodeString(s)
		if err == nil {
			break
		}
	}
	if err != nil {
		return Key{}, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}

	var k Key
	copy(k[:], raw)
	return k, nil
}

// String returns the key in standard base64.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// DeriveKey stretches a passphrase into a key with HKDF-SHA256.
func DeriveKey(passphrase, salt string) (Key, error) {
	if passphrase == "" {
		return Key{}, errors.New("passphrase is empty")
	}

	var k Key
	r := hkdf.New(sha256.New, []byte(passphrase), []byte(salt), []byte(hkdfInfo))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return Key{}, fmt.Errorf("derive key: %w", err)
	}
	return k, nil
}

// ResolveKey returns the process key, creating it when nothing is configured.
// It is meant to run once at startup; the result is injected into New.
func ResolveKey(cfg Config) (Key, Source, error) {
	switch {
	case cfg.Key != "":
		k, err := ParseKey(cfg.Key)
		return k, SourceConfig, err
	case cfg.Passphrase != "":
		k, err := DeriveKey(cfg.Passphrase, cfg.Salt)
		return k, SourcePassphrase, err
	case cfg.KeyFile != "":
		return loadOrCreateKeyFile(cfg.KeyFile)
	}

	k, err := NewKey()
	return k, SourceEphemeral, err
}

func loadOrCreateKeyFile(path string) (Key, Source, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
	if err == nil {
		k, err := ParseKey(string(data))
		if err != nil {
			return Key{}, SourceKeyFile, fmt.Errorf("key file %s: %w", path, err)
		}
		return k, SourceKeyFile, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Key{}, SourceKeyFile, fmt.Errorf("read key file: %w", err)
	}

	k, err := NewKey()
	if err != nil {
		return Key{}, SourceGenerated, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return Key{}, SourceGenerated, fmt.Errorf("create key directory: %w", err)
	}

	// Readers never see a partial file: the key is written to a temp file and
	// linked into place.
	tmp, err := os.CreateTemp(dir, ".megbot-key-*")
	if err != nil {
		return Key{}, SourceGenerated, fmt.Errorf("create key file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	_, werr := tmp.WriteString(k.String() + "\n")
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return Key{}, SourceGenerated, fmt.Errorf("write key file: %w", werr)
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return loadOrCreateKeyFile(path)
		}
		return Key{}, SourceGenerated, fmt.Errorf("install key file: %w", err)
	}
	return k, SourceGenerated, nil
}
