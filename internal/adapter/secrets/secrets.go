// Package secrets seals and opens upstream-account credentials. Accounts
// store an opaque blob; decryption is deterministic and scoped to the
// process holding the key.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/aicarpool/gateway/internal/domain"
)

// sealedPrefix marks an encrypted blob; blobs without it are treated as
// plaintext JSON, which keeps dev fixtures trivial.
const sealedPrefix = "enc:v1:"

// Cipher seals credential JSON with XChaCha20-Poly1305. A nil Cipher (no
// key configured) passes plaintext through.
type Cipher struct {
	key []byte
}

// NewCipher parses a 32-byte key given as hex or base64. Empty keeps
// credentials in the clear.
func NewCipher(encoded string) (*Cipher, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := decodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("op=secrets.NewCipher: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("op=secrets.NewCipher: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Cipher{key: key}, nil
}

func decodeKey(encoded string) ([]byte, error) {
	if raw, err := hex.DecodeString(encoded); err == nil {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("key is neither hex nor base64")
}

// SealCredentials encodes and encrypts credentials into a storable blob.
func (c *Cipher) SealCredentials(creds domain.Credentials) (string, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("op=secrets.SealCredentials encode: %w", err)
	}
	if c == nil {
		return string(plain), nil
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("op=secrets.SealCredentials: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("op=secrets.SealCredentials nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenCredentials decrypts a stored blob back into credentials. Plaintext
// blobs decode regardless of whether a key is configured, so a key can be
// introduced without re-sealing every row at once.
func (c *Cipher) OpenCredentials(blob string) (domain.Credentials, error) {
	var creds domain.Credentials
	if !strings.HasPrefix(blob, sealedPrefix) {
		if err := json.Unmarshal([]byte(blob), &creds); err != nil {
			return domain.Credentials{}, fmt.Errorf("op=secrets.OpenCredentials decode: %w", err)
		}
		return creds, nil
	}
	if c == nil {
		return domain.Credentials{}, fmt.Errorf("op=secrets.OpenCredentials: sealed blob but no key configured")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, sealedPrefix))
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("op=secrets.OpenCredentials base64: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("op=secrets.OpenCredentials: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return domain.Credentials{}, fmt.Errorf("op=secrets.OpenCredentials: blob too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("op=secrets.OpenCredentials: %w", err)
	}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return domain.Credentials{}, fmt.Errorf("op=secrets.OpenCredentials decode: %w", err)
	}
	return creds, nil
}
