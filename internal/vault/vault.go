// Package vault encrypts secrets at rest. Every API secret, access
// token, and refresh token goes through here before it touches the
// database; decrypted material only ever lives in memory.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"

	"broker-auth-service/internal/types"
)

// KeySize is the required symmetric key length in bytes.
const KeySize = chacha20poly1305.KeySize

// Vault performs authenticated encryption with a process-wide key.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from a raw 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", types.ErrVault, KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrVault, err)
	}
	return &Vault{aead: aead}, nil
}

// NewFromEnv reads the key from the named environment variable,
// accepting base64 or hex encoding. An absent or malformed key is a
// startup-fatal condition for the caller.
func NewFromEnv(envVar string) (*Vault, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, fmt.Errorf("%w: %s is not set", types.ErrVault, envVar)
	}
	key, err := decodeKey(raw)
	if err != nil {
		return nil, err
	}
	return New(key)
}

func decodeKey(raw string) ([]byte, error) {
	if b, err := hex.DecodeString(raw); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == KeySize {
		return b, nil
	}
	return nil, fmt.Errorf("%w: key is neither %d-byte hex nor base64", types.ErrVault, KeySize)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", types.ErrVault, err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Authentication failure
// (tampered or corrupted record) surfaces as a VaultError; it is never
// reported as a missing secret.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", types.ErrVault)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("%w: ciphertext too short", types.ErrVault)
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", types.ErrVault)
	}
	return string(plain), nil
}
