package protocol

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a shared symmetric key
const KeySize = chacha20poly1305.KeySize

var (
	// ErrDecrypt indicates an envelope that failed authentication. The
	// stream's security state can no longer be trusted.
	ErrDecrypt = errors.New("failed to decrypt frame")
	// ErrInvalidKey indicates a symmetric key of the wrong length
	ErrInvalidKey = errors.New("invalid symmetric key length")
)

// Envelope seals and opens payloads with XChaCha20-Poly1305.
// Sealed format: [Nonce (24 bytes)][Ciphertext + Tag]
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope creates an envelope keyed with a 32-byte shared key
func NewEnvelope(key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// GenerateKey returns a fresh random shared key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under a random nonce
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(out, out[:nonceSize], plaintext, nil), nil
}

// Open authenticates and decrypts a sealed payload
func (e *Envelope) Open(sealed []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize+e.aead.Overhead() {
		return nil, fmt.Errorf("%w: envelope too short (%d bytes)", ErrDecrypt, len(sealed))
	}
	plaintext, err := e.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
