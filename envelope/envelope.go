// Package envelope implements the per-entry metadata cipher:
// XChaCha20-Poly1305-IETF with a random 24-byte nonce and the raw IOC
// bytes as associated data.
//
// The AAD binding ties each ciphertext to the IOC it describes, so a
// ciphertext lifted from one change-log entry cannot be replayed under
// another IOC's key, and a client holding the wrong IOC fails
// authentication rather than decrypting garbage.
package envelope

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeyBytes is the AEAD key size.
	KeyBytes = chacha20poly1305.KeySize

	// NonceBytes is the XChaCha20 nonce size (24 bytes).
	NonceBytes = chacha20poly1305.NonceSizeX

	// TagBytes is the Poly1305 tag appended to every ciphertext.
	TagBytes = chacha20poly1305.Overhead
)

// ErrAuthFailed reports AEAD verification failure. It is a normal
// negative outcome of a lookup (wrong key, wrong IOC, or tampered
// ciphertext), not a fatal condition.
var ErrAuthFailed = errors.New("envelope: authentication failed")

// Seal encrypts metadata under key with a fresh random nonce, binding
// the ciphertext to ioc via the AAD. The returned ciphertext includes
// the authentication tag.
func Seal(key, ioc, metadata []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid metadata key: %w", err)
	}

	nonce = make([]byte, NonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, metadata, ioc)
	return nonce, ciphertext, nil
}

// Open decrypts a ciphertext produced by Seal. It returns ErrAuthFailed
// when the key, nonce, IOC, or ciphertext does not match what was
// sealed.
func Open(key, ioc, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata key: %w", err)
	}
	if len(nonce) != NonceBytes {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d: %w", NonceBytes, len(nonce), ErrAuthFailed)
	}

	metadata, err := aead.Open(nil, nonce, ciphertext, ioc)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return metadata, nil
}
