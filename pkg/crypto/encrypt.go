// Package crypto provides the authenticated symmetric encryption used
// for session cookies and cached token records.
//
// Ciphertexts carry their issue time inside the sealed envelope so that
// stale values can be rejected without a second storage lookup.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the required key length in bytes.
const KeySize = 32

const nonceSize = 24

// Errors returned by Open.
var (
	// ErrDecrypt is returned when a ciphertext fails to authenticate.
	ErrDecrypt = fmt.Errorf("ciphertext failed to decrypt")

	// ErrStale is returned when a ciphertext is older than the allowed age.
	ErrStale = fmt.Errorf("ciphertext is too old")
)

// Encryptor seals and opens small payloads with a 256-bit symmetric key.
// It is safe for concurrent use.
type Encryptor struct {
	key [KeySize]byte
}

// NewEncryptor creates an Encryptor from a 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	e := &Encryptor{}
	copy(e.key[:], key)
	return e, nil
}

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return key, nil
}

// Seal encrypts and authenticates payload, embedding the current time.
// The result is base64url-encoded and safe to place in a cookie.
func (e *Encryptor) Seal(payload []byte) (string, error) {
	return e.sealAt(payload, time.Now())
}

func (e *Encryptor) sealAt(payload []byte, now time.Time) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("reading random nonce: %w", err)
	}

	plaintext := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(plaintext[:8], uint64(now.Unix()))
	copy(plaintext[8:], payload)

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &e.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a value produced by Seal, rejecting
// anything sealed more than maxAge ago. A maxAge of zero disables the
// staleness check.
func (e *Encryptor) Open(encoded string, maxAge time.Duration) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(sealed) < nonceSize {
		return nil, ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &e.key)
	if !ok || len(plaintext) < 8 {
		return nil, ErrDecrypt
	}

	if maxAge > 0 {
		issued := time.Unix(int64(binary.BigEndian.Uint64(plaintext[:8])), 0)
		if time.Since(issued) > maxAge {
			return nil, ErrStale
		}
	}
	return plaintext[8:], nil
}
