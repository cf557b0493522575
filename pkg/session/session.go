// Package session manages the encrypted browser session cookie.
//
// The cookie is an encrypted JSON envelope holding the session token
// and, during a login flow, the CSRF state and return URL. Everything
// inside the envelope is opaque to the browser.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
)

// CookieName is the name of the session cookie.
const CookieName = "gafaelfawr"

// State is the decrypted contents of the session cookie.
type State struct {
	// Token is the wire form of the session token, if the browser is
	// authenticated.
	Token string `json:"token,omitempty"`

	// CSRF is the state value for an in-flight login, compared against
	// the state query parameter on the OAuth callback.
	CSRF string `json:"csrf,omitempty"`

	// ReturnURL is where to send the browser after login completes.
	ReturnURL string `json:"return_url,omitempty"`
}

// csrfBytes is the entropy of a login state value: 128 bits.
const csrfBytes = 16

// NewCSRF generates a fresh random state value for a login flow,
// base64url-encoded without padding.
func NewCSRF() (string, error) {
	raw := make([]byte, csrfBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating login state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// VerifyCSRF compares an expected state value against the one returned
// by the provider, in constant time.
func VerifyCSRF(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// Store reads and writes the session cookie.
type Store struct {
	encryptor *crypto.Encryptor
	lifetime  time.Duration
}

// NewStore creates a cookie store sealing with the given key. Cookies
// older than lifetime are treated as absent.
func NewStore(key []byte, lifetime time.Duration) (*Store, error) {
	encryptor, err := crypto.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("creating session encryptor: %w", err)
	}
	return &Store{encryptor: encryptor, lifetime: lifetime}, nil
}

// Read decrypts the session cookie from a request. A missing,
// undecryptable, or expired cookie yields an empty state, not an
// error: the browser simply has no session.
func (s *Store) Read(r *http.Request) State {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return State{}
	}
	payload, err := s.encryptor.Open(cookie.Value, s.lifetime)
	if err != nil {
		return State{}
	}
	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return State{}
	}
	return state
}

// Write seals the state into a fresh session cookie on the response.
func (s *Store) Write(w http.ResponseWriter, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling session state: %w", err)
	}
	value, err := s.encryptor.Seal(payload)
	if err != nil {
		return fmt.Errorf("sealing session state: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.lifetime / time.Second),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear expires the session cookie on the response.
func (s *Store) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
