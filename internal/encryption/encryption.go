package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen     = 32 // AES-256
	ivLen      = 16
	tagLen     = 16
	iterations = 100000
)

var ErrInvalidBlob = errors.New("invalid encrypted blob")

// Cipher encrypts opaque secrets (OAuth tokens) for storage at rest.
// The key is derived once from an operator-supplied secret; callers own
// storage of the resulting blobs.
type Cipher struct {
	key []byte
}

// NewCipher derives a 256-bit AES key from the given secret using PBKDF2
// (SHA-512, 100k iterations). The salt is derived deterministically from the
// secret itself so no separate salt storage is needed.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is required")
	}

	salt := sha512.Sum512([]byte("mailsync-token-cipher:" + secret))
	key := pbkdf2.Key([]byte(secret), salt[:ivLen], iterations, keyLen, sha512.New)

	return &Cipher{key: key}, nil
}

// Encrypt encrypts plaintext with AES-256-GCM and returns a base64 encoded
// blob laid out as IV || authTag || ciphertext. A fresh random IV is
// generated per call, so encrypting the same plaintext twice yields
// different blobs.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	// Seal appends the auth tag after the ciphertext; the stored layout
	// keeps the tag between IV and ciphertext.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	blob := make([]byte, 0, ivLen+tagLen+len(ciphertext))
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. It fails with an authentication error if the
// blob was tampered with or encrypted under a different key.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}

	if len(blob) < ivLen+tagLen {
		return "", ErrInvalidBlob
	}

	iv := blob[:ivLen]
	tag := blob[ivLen : ivLen+tagLen]
	ciphertext := blob[ivLen+tagLen:]

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+tagLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// RandomToken returns a URL-safe random string built from n random bytes.
// Used for OAuth state values and PKCE-adjacent correlation tokens.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RandomClientState returns a fresh shared secret for a webhook
// subscription. Graph limits clientState to 128 characters; 32 random bytes
// encode well under that.
func RandomClientState() (string, error) {
	return RandomToken(32)
}
