// Package token defines the opaque token type at the center of Gafaelfawr
// and the crypto primitives used to generate, parse, and fingerprint it.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
)

// Prefix is the leading marker on the wire form of every token.
const Prefix = "gt-"

// MinimumLifetime is the shortest remaining lifetime a token may be
// created or modified to have.
const MinimumLifetime = 5 * time.Minute

// componentRegexp matches a valid key or secret: 128 bits of randomness,
// base64url-encoded without padding.
var componentRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{22}$`)

// UsernameRegexp matches all valid usernames.
var UsernameRegexp = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9]|-[a-z0-9])*$`)

// BootstrapUsername is the synthetic username assigned to requests
// authenticated with the bootstrap token.
const BootstrapUsername = "<bootstrap>"

// Kind identifies how a token was created and what lifecycle rules
// apply to it.
type Kind string

// Token kinds
const (
	// KindSession is the root token established by upstream login.
	KindSession Kind = "session"

	// KindUser is a named, user-created token for scripted access.
	KindUser Kind = "user"

	// KindNotebook is a child token carrying the parent's full scopes.
	KindNotebook Kind = "notebook"

	// KindInternal is a short-lived child token delegated to a service.
	KindInternal Kind = "internal"

	// KindService is an admin-created token for a standalone service.
	KindService Kind = "service"
)

// Valid reports whether k is a known token kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSession, KindUser, KindNotebook, KindInternal, KindService:
		return true
	}
	return false
}

// Token is an opaque token in its full form, including the secret. The
// secret is never persisted; only its hash is stored.
type Token struct {
	Key    string
	Secret string
}

// New generates a fresh token with random key and secret.
func New() (Token, error) {
	key, err := randomComponent()
	if err != nil {
		return Token{}, err
	}
	secret, err := randomComponent()
	if err != nil {
		return Token{}, err
	}
	return Token{Key: key, Secret: secret}, nil
}

// FromString parses the wire form gt-<key>.<secret> of a token.
func FromString(wire string) (Token, error) {
	if !strings.HasPrefix(wire, Prefix) {
		return Token{}, errors.NewMalformedTokenError("token does not start with "+Prefix, nil)
	}
	key, secret, ok := strings.Cut(strings.TrimPrefix(wire, Prefix), ".")
	if !ok {
		return Token{}, errors.NewMalformedTokenError("token is not in key.secret form", nil)
	}
	if !componentRegexp.MatchString(key) || !componentRegexp.MatchString(secret) {
		return Token{}, errors.NewMalformedTokenError("token key or secret is malformed", nil)
	}
	return Token{Key: key, Secret: secret}, nil
}

// String renders the wire form of the token.
func (t Token) String() string {
	return fmt.Sprintf("%s%s.%s", Prefix, t.Key, t.Secret)
}

// HashSecret returns the base64url-encoded SHA-256 hash of the secret,
// which is what the SQL store records in place of the secret itself.
func (t Token) HashSecret() string {
	sum := sha256.Sum256([]byte(t.Secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifySecret compares the secret against a stored hash in constant time.
func (t Token) VerifySecret(storedHash string) bool {
	computed := t.HashSecret()
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

func randomComponent() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
