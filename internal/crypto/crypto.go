// Package crypto provides the authenticated encryption, password hashing,
// and TOTP primitives used by the license service. All key material is
// derived in memory at startup and never leaves the process.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"dlnkd/internal/errs"
)

const (
	// KDFIterations is the PBKDF2 work factor for master key and password
	// derivation.
	KDFIterations = 100_000
	keyLen        = 32 // AES-256
	nonceLen      = 12 // GCM standard
	saltLen       = 16 // per-user password salt
)

// Cipher seals and opens license blobs with AES-256-GCM under a master
// key derived from the deployment secret and salt.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the master key with PBKDF2-HMAC-SHA256 and prepares
// the AEAD. The derived key lives only inside the returned Cipher.
func NewCipher(masterSecret, salt []byte) (*Cipher, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret must not be empty")
	}
	if len(salt) < saltLen {
		return nil, fmt.Errorf("salt must be at least %d bytes", saltLen)
	}

	key := pbkdf2.Key(masterSecret, salt, KDFIterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	for i := range key {
		key[i] = 0
	}
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns URL-safe base64 of
// nonce || ciphertext || tag.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed blob. Input that is not valid base64 or is too
// short surfaces as Malformed; every authentication failure, whatever the
// cause, surfaces as the single Tampered error.
func (c *Cipher) Open(blob string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(blob)
	if err != nil {
		return nil, errs.Wrap(errs.KindMalformed, err)
	}
	if len(raw) < nonceLen+c.aead.Overhead() {
		return nil, errs.E(errs.KindMalformed)
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceLen], raw[nonceLen:], nil)
	if err != nil {
		return nil, errs.E(errs.KindTampered)
	}
	return plaintext, nil
}

// NewSalt returns a fresh random per-user salt, hex encoded.
func NewSalt() (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(salt), nil
}

// HashPassword derives a password digest with PBKDF2-HMAC-SHA256 and the
// given hex-encoded per-user salt.
func HashPassword(password, saltHex string) (string, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	digest := pbkdf2.Key([]byte(password), salt, KDFIterations, keyLen, sha256.New)
	return hex.EncodeToString(digest), nil
}

// VerifyPassword recomputes the digest and compares in constant time.
func VerifyPassword(password, saltHex, digestHex string) bool {
	computed, err := HashPassword(password, saltHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digestHex)) == 1
}

// DummyVerify burns the same work as a real password check. Called on
// unknown usernames so response timing does not reveal user existence.
func DummyVerify() {
	salt := make([]byte, saltLen)
	pbkdf2.Key([]byte("dummy-password-for-timing"), salt, KDFIterations, keyLen, sha256.New)
}

// SecureCompare performs constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashToken returns the hex SHA-256 digest of an opaque token. Session
// tokens are stored only in this form.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewToken returns a fresh opaque bearer token.
func NewToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
