// Package crypto provides the symmetric cookie encryptor and the session-id
// generator used by the filter.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encryptor seals and opens cookie payloads with ChaCha20-Poly1305. The
// random nonce is prepended to the ciphertext and the whole value is
// URL-safe base64 encoded so it survives the cookie jar unmodified.
type Encryptor struct {
	key []byte
}

// NewEncryptor creates an Encryptor from a 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryptor key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Encryptor{key: k}, nil
}

// Encrypt seals the plaintext.
func (e *Encryptor) Encrypt(plaintext string) string {
	aead, err := chacha20poly1305.New(e.key)
	if err != nil {
		panic(fmt.Sprintf("crypto: constructing AEAD: %v", err))
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		panic(fmt.Sprintf("crypto: reading random nonce: %v", err))
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed)
}

// Decrypt opens a value produced by Encrypt. Any tampering or truncation
// yields an error.
func (e *Encryptor) Decrypt(value string) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("decoding encrypted value: %w", err)
	}
	aead, err := chacha20poly1305.New(e.key)
	if err != nil {
		return "", fmt.Errorf("constructing AEAD: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("encrypted value shorter than nonce")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("opening encrypted value: %w", err)
	}
	return string(plaintext), nil
}
