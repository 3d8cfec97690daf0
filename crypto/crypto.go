// Package crypto encrypts secrets at rest, chiefly the broadcaster's OAuth
// tokens. Sealing is AES-256-GCM via cryptopasta; the key is configured as
// base64 so it can live in an env file.
package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gtank/cryptopasta"
)

// Encryptor seals and opens byte slices with authenticated encryption.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// ErrAuth is returned when a ciphertext fails authentication.
var ErrAuth = errors.New("decryption failed: authentication or integrity check failed")

// Cipher implements Encryptor with a fixed 256-bit key.
type Cipher struct {
	key *[32]byte
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key, as produced by
//
//	openssl rand -base64 32
func NewCipher(base64Key string) (*Cipher, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is empty")
	}
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &Cipher{key: &key}, nil
}

// GenerateKey returns a fresh random key in the format NewCipher accepts.
func GenerateKey() string {
	return base64.StdEncoding.EncodeToString(cryptopasta.NewEncryptionKey()[:])
}

// Encrypt returns nonce || ciphertext || tag.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext is empty")
	}
	out, err := cryptopasta.Encrypt(plaintext, c.key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return out, nil
}

// Decrypt reverses Encrypt. Any tampering or a wrong key yields ErrAuth.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("ciphertext is empty")
	}
	out, err := cryptopasta.Decrypt(ciphertext, c.key)
	if err != nil {
		// don't leak which check failed
		return nil, ErrAuth
	}
	return out, nil
}

// EncryptString encrypts s and returns base64 text for a database column.
// The empty string stays empty.
func EncryptString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	ct, err := enc.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptString is the inverse of EncryptString.
func DecryptString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	ct, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
