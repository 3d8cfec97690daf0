package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(GenerateKey())
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	return c
}

func TestNewCipher(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{name: "empty key", key: "", errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), errorMsg: "must be 32 bytes"},
		{name: "key too long", key: base64.StdEncoding.EncodeToString(make([]byte, 64)), errorMsg: "must be 32 bytes"},
		{name: "valid 32-byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCipher(tt.key)
			if tt.errorMsg == "" {
				if err != nil || c == nil {
					t.Fatalf("NewCipher() = %v, %v", c, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("NewCipher() error = %v, want error containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c := newTestCipher(t)
	for _, pt := range []string{"hello", "oauth:abc123xyz", strings.Repeat("a", 1000), "Hello 世界 🌍"} {
		ct, err := c.Encrypt([]byte(pt))
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if bytes.Contains(ct, []byte(pt)) {
			t.Errorf("ciphertext contains plaintext %q", pt)
		}
		got, err := c.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if string(got) != pt {
			t.Errorf("Decrypt() = %q, want %q", got, pt)
		}
	}
}

func TestEncrypt_RandomNonce(t *testing.T) {
	c := newTestCipher(t)
	a, _ := c.Encrypt([]byte("same"))
	b, _ := c.Encrypt([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

func TestEncrypt_EmptyPlaintext(t *testing.T) {
	if _, err := newTestCipher(t).Encrypt(nil); err == nil {
		t.Error("Encrypt() with empty plaintext should fail")
	}
}

func TestDecrypt_Failures(t *testing.T) {
	c := newTestCipher(t)
	ct, err := c.Encrypt([]byte("sensitive data"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0x01

	if _, err := c.Decrypt(nil); err == nil {
		t.Error("expected error for empty ciphertext")
	}
	if _, err := c.Decrypt([]byte{1, 2, 3}); !errors.Is(err, ErrAuth) {
		t.Errorf("short ciphertext: got %v", err)
	}
	if _, err := c.Decrypt(tampered); !errors.Is(err, ErrAuth) {
		t.Errorf("tampered ciphertext: got %v", err)
	}
	if _, err := newTestCipher(t).Decrypt(ct); !errors.Is(err, ErrAuth) {
		t.Errorf("wrong key: got %v", err)
	}
}

func TestStringHelpers(t *testing.T) {
	c := newTestCipher(t)

	if s, err := EncryptString(c, ""); err != nil || s != "" {
		t.Errorf("EncryptString(\"\") = %q, %v", s, err)
	}
	if s, err := DecryptString(c, ""); err != nil || s != "" {
		t.Errorf("DecryptString(\"\") = %q, %v", s, err)
	}

	enc, err := EncryptString(c, "refresh-token-123")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := base64.StdEncoding.DecodeString(enc); err != nil {
		t.Errorf("EncryptString() result is not base64: %v", err)
	}
	dec, err := DecryptString(c, enc)
	if err != nil || dec != "refresh-token-123" {
		t.Errorf("DecryptString() = %q, %v", dec, err)
	}

	if _, err := DecryptString(c, "%%%"); err == nil || !strings.Contains(err.Error(), "base64") {
		t.Errorf("expected base64 error, got %v", err)
	}
}
