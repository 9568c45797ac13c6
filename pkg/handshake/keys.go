// Package handshake upgrades a plaintext connection to a symmetric-encrypted
// one. Each side generates an ephemeral X25519 keypair; the client then ships
// a random shared key sealed under the pairwise combined key.
package handshake

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// PublicKeySize is the length of an ephemeral public key on the wire
const PublicKeySize = 32

const nonceSize = 24

var (
	ErrHandshake        = errors.New("handshake failed")
	ErrInvalidPublicKey = errors.New("invalid public key length")
	ErrSealedKey        = errors.New("failed to open sealed shared key")
)

// Keypair is an ephemeral key agreement keypair
type Keypair struct {
	Public  *[32]byte
	private *[32]byte
}

// CombinedKey is the pairwise secret derived from one side's private key and
// the peer's public key. It is never transmitted.
type CombinedKey struct {
	key [32]byte
}

// GenerateKeypair creates a fresh ephemeral keypair
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &Keypair{Public: pub, private: priv}, nil
}

// PublicBytes returns the public key in wire form
func (kp *Keypair) PublicBytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, kp.Public[:])
	return out
}

// Combine derives the combined key with a peer's wire-form public key
func (kp *Keypair) Combine(peer []byte) (*CombinedKey, error) {
	if len(peer) != PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(peer), PublicKeySize)
	}
	var peerKey [32]byte
	copy(peerKey[:], peer)

	ck := &CombinedKey{}
	box.Precompute(&ck.key, &peerKey, kp.private)
	return ck, nil
}

// Seal encrypts msg under the combined key.
// Format: [Nonce (24 bytes)][Box ciphertext]
func (ck *CombinedKey) Seal(msg []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return box.SealAfterPrecomputation(nonce[:], msg, &nonce, &ck.key), nil
}

// Open decrypts a payload produced by the peer's Seal
func (ck *CombinedKey) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+box.Overhead {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrSealedKey, len(sealed))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	msg, ok := box.OpenAfterPrecomputation(nil, sealed[nonceSize:], &nonce, &ck.key)
	if !ok {
		return nil, ErrSealedKey
	}
	return msg, nil
}
