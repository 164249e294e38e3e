// Package secrets encrypts tenant access tokens at rest. Tokens are sealed
// with AES-256-GCM under a key derived from a process-wide master key and the
// owning tenant's id, so a ciphertext copied between tenant rows will not
// decrypt.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrKeyMissing indicates no master key was configured.
	ErrKeyMissing = errors.New("secrets: master key not configured")
	// ErrInvalidCiphertext indicates the stored blob is malformed.
	ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")
	// ErrDecryptionFailed indicates authentication failed — wrong key,
	// wrong tenant context, or corrupted data.
	ErrDecryptionFailed = errors.New("secrets: decryption failed")
)

// Encryptor seals and opens tenant tokens.
type Encryptor struct {
	masterKey []byte
}

// NewEncryptor creates an Encryptor from a base64-encoded master key.
// The decoded key must carry at least 16 bytes of entropy.
func NewEncryptor(masterKeyB64 string) (*Encryptor, error) {
	if masterKeyB64 == "" {
		return nil, ErrKeyMissing
	}
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode master key: %w", err)
	}
	if len(key) < 16 {
		return nil, errors.New("secrets: master key must be at least 16 bytes")
	}
	return &Encryptor{masterKey: key}, nil
}

// Encrypt seals a plaintext token for the given tenant. The result is
// base64(nonce || ciphertext).
func (e *Encryptor) Encrypt(tenantID, plaintext string) (string, error) {
	aead, err := e.aeadFor(tenantID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob previously sealed for the given tenant.
func (e *Encryptor) Decrypt(tenantID, blob string) (string, error) {
	aead, err := e.aeadFor(tenantID)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// aeadFor derives the tenant-scoped AES-256 key via HKDF-SHA256 and returns
// a GCM instance over it.
func (e *Encryptor) aeadFor(tenantID string) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, e.masterKey, nil, []byte("capi-credential:"+tenantID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
