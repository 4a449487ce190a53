// Package vault seals third-party credentials with AES-256-GCM before they
// touch the database. Every blob is self-contained: a fresh random nonce
// followed by the ciphertext and authentication tag. There is no built-in
// key rotation; changing the key requires an offline re-encryption pass.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required symmetric key length (AES-256).
const KeySize = 32

var (
	// ErrIntegrity means the authentication tag did not verify: the blob was
	// tampered with or encrypted under a different key. Callers must treat
	// both cases identically.
	ErrIntegrity = errors.New("vault: ciphertext integrity check failed")

	// ErrFormat means the blob is too short or otherwise not a vault blob.
	ErrFormat = errors.New("vault: malformed ciphertext blob")
)

// Vault encrypts and decrypts opaque credential blobs with a single
// externally supplied 32-byte key.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from raw key material. The key must be exactly 32
// bytes; config is responsible for decoding hex/base64 input first.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext into a blob of nonce||ciphertext||tag. The nonce
// is drawn fresh from crypto/rand on every call, so two encryptions of the
// same plaintext never produce the same blob.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	// Seal appends to nonce, yielding the self-contained blob.
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Returns ErrFormat when the blob
// cannot even contain a nonce and tag, ErrIntegrity when authentication
// fails. The error never distinguishes tampering from a wrong key.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	minLen := v.aead.NonceSize() + v.aead.Overhead()
	if len(blob) < minLen {
		return nil, ErrFormat
	}
	nonce, ciphertext := blob[:v.aead.NonceSize()], blob[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// EncryptString seals a token string.
func (v *Vault) EncryptString(plaintext string) ([]byte, error) {
	return v.Encrypt([]byte(plaintext))
}

// DecryptString opens a blob holding a token string.
func (v *Vault) DecryptString(blob []byte) (string, error) {
	plaintext, err := v.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
