// Package crypto provides the optional framing filter. It operates on an
// already-established 32-byte symmetric key handed to NewAEAD (the server
// reads it from the --ssl-priv file); it does not implement key agreement.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Filter seals/opens frame payloads at the transport boundary, returning
// the transformed bytes.
// A nil *Filter (the --disable-encryption path) is not valid; use
// NewNoop for that case so callers never need a nil check.
type Filter interface {
	Seal(plaintext []byte) (ciphertext []byte, err error)
	Open(ciphertext []byte) (plaintext []byte, err error)
}

// noopFilter is selected when --disable-encryption is set.
type noopFilter struct{}

// NewNoop returns a Filter that passes bytes through unchanged.
func NewNoop() Filter { return noopFilter{} }

func (noopFilter) Seal(p []byte) ([]byte, error) { return p, nil }
func (noopFilter) Open(c []byte) ([]byte, error) { return c, nil }

// aeadFilter wraps a ChaCha20-Poly1305 AEAD, prefixing each sealed message
// with a fresh random nonce; Open expects that same nonce-prefixed layout.
type aeadFilter struct {
	aead cipher.AEAD
}

// NewAEAD builds a Filter from a 32-byte key, rejecting any key whose
// length is not chacha20poly1305.KeySize.
func NewAEAD(key []byte) (Filter, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new AEAD: %w", err)
	}
	return &aeadFilter{aead: aead}, nil
}

func (f *aeadFilter) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, f.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: seal: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+f.aead.Overhead())
	out = append(out, nonce...)
	return f.aead.Seal(out, nonce, plaintext, nil), nil
}

func (f *aeadFilter) Open(ciphertext []byte) ([]byte, error) {
	nonceSize := f.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("crypto: open: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := f.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plaintext, nil
}
