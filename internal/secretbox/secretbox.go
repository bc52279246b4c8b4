// Package secretbox provides authenticated symmetric encryption for the small
// secrets the service keeps at rest: bot tokens, cookie jars, and user
// settings. It wraps NaCl secretbox (XSalsa20-Poly1305) with a fixed 256-bit
// key loaded once at startup.
package secretbox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeyEnv is the environment variable holding the encryption key, either raw
// 32 bytes or standard/URL-safe base64 of 32 bytes.
const KeyEnv = "COOKIE_ENCRYPTION_KEY"

const (
	keySize   = 32
	nonceSize = 24
)

// ErrAuthFailure is returned when a ciphertext fails authentication: it was
// tampered with, truncated, or sealed under a different key.
var ErrAuthFailure = errors.New("secretbox: ciphertext authentication failed")

// Box seals and opens small secrets under a single symmetric key. Safe for
// concurrent use.
type Box struct {
	key [keySize]byte
}

// New creates a Box from a 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secretbox: key is %d bytes, want %d", len(key), keySize)
	}
	b := &Box{}
	copy(b.key[:], key)
	return b, nil
}

// FromEnv loads the key from [KeyEnv]. The value may be raw 32 bytes or a
// base64 encoding of 32 bytes. An absent or malformed value is a fatal
// configuration error for the caller.
func FromEnv() (*Box, error) {
	raw := os.Getenv(KeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("secretbox: environment variable %s is not set", KeyEnv)
	}
	key, err := decodeKey(raw)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// decodeKey accepts a raw 32-byte string or any common base64 encoding of
// exactly 32 bytes.
func decodeKey(raw string) ([]byte, error) {
	if len(raw) == keySize {
		return []byte(raw), nil
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(raw); err == nil && len(key) == keySize {
			return key, nil
		}
	}
	return nil, fmt.Errorf("secretbox: %s must be 32 raw bytes or base64 of 32 bytes", KeyEnv)
}

// Seal encrypts plaintext with a fresh random nonce. The nonce is prepended
// to the returned ciphertext envelope.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("secretbox: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open decrypts an envelope produced by [Box.Seal]. Returns [ErrAuthFailure]
// if the ciphertext does not authenticate under this key.
func (b *Box) Open(envelope []byte) ([]byte, error) {
	if len(envelope) < nonceSize+secretbox.Overhead {
		return nil, ErrAuthFailure
	}
	var nonce [nonceSize]byte
	copy(nonce[:], envelope[:nonceSize])
	plaintext, ok := secretbox.Open(nil, envelope[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}
