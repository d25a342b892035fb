package encryption

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestNewCipher_MissingSecret(t *testing.T) {
	_, err := NewCipher("")
	if err == nil {
		t.Fatal("expected error for empty secret, got nil")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c, err := NewCipher("test-secret-passphrase")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "short token", plaintext: "abc"},
		{name: "refresh token", plaintext: "0.AXoAo5Qx-refresh-token-payload-1234567890"},
		{name: "empty string", plaintext: ""},
		{name: "unicode", plaintext: "pässwörd-日本語"},
		{name: "long", plaintext: strings.Repeat("x", 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := c.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("encrypt failed: %v", err)
			}

			got, err := c.Decrypt(blob)
			if err != nil {
				t.Fatalf("decrypt failed: %v", err)
			}

			if got != tt.plaintext {
				t.Errorf("expected %q, got %q", tt.plaintext, got)
			}
		})
	}
}

func TestEncrypt_UniqueBlobs(t *testing.T) {
	c, _ := NewCipher("test-secret-passphrase")

	first, err := c.Encrypt("same-refresh-token")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	second, err := c.Encrypt("same-refresh-token")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	// Random IV per call: identical plaintexts must not produce identical
	// blobs, otherwise stored refresh tokens would leak equality.
	if first == second {
		t.Error("expected distinct blobs for the same plaintext")
	}
}

func TestDecrypt_TamperDetection(t *testing.T) {
	c, _ := NewCipher("test-secret-passphrase")

	blob, err := c.Encrypt("secret-value")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("failed to decode blob: %v", err)
	}

	// Flip one byte in every position class (IV, tag, ciphertext).
	for _, pos := range []int{0, ivLen, ivLen + tagLen} {
		tampered := make([]byte, len(raw))
		copy(tampered, raw)
		tampered[pos] ^= 0x01

		_, err := c.Decrypt(base64.StdEncoding.EncodeToString(tampered))
		if err == nil {
			t.Errorf("expected decrypt to fail after flipping byte %d", pos)
		}
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	c1, _ := NewCipher("secret-one")
	c2, _ := NewCipher("secret-two")

	blob, err := c1.Encrypt("secret-value")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	if _, err := c2.Decrypt(blob); err == nil {
		t.Error("expected decrypt with wrong key to fail")
	}
}

func TestDecrypt_InvalidBlob(t *testing.T) {
	c, _ := NewCipher("test-secret-passphrase")

	tests := []struct {
		name string
		blob string
	}{
		{name: "not base64", blob: "!!!not-base64!!!"},
		{name: "too short", blob: base64.StdEncoding.EncodeToString([]byte("short"))},
		{name: "empty", blob: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Decrypt(tt.blob); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestRandomToken(t *testing.T) {
	first, err := RandomToken(32)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := RandomToken(32)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if first == second {
		t.Error("expected distinct random tokens")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(first)
	if err != nil {
		t.Fatalf("token is not URL-safe base64: %v", err)
	}
	if len(decoded) != 32 {
		t.Errorf("expected 32 random bytes, got %d", len(decoded))
	}
}

func TestRandomClientState_Length(t *testing.T) {
	state, err := RandomClientState()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Graph rejects clientState longer than 128 characters.
	if len(state) == 0 || len(state) > 128 {
		t.Errorf("client state length %d out of range", len(state))
	}
}
