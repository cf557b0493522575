// Package issuer signs the short-lived internal JWTs handed to
// downstream services and publishes the matching JWKS document.
package issuer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
)

// Issuer signs internal JWTs with the deployment's RSA key. It is safe
// for concurrent use.
type Issuer struct {
	cfg  config.IssuerConfig
	jwks []byte
}

// New creates an Issuer and precomputes the public JWKS document.
func New(cfg config.IssuerConfig) (*Issuer, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("issuer has no signing key configured")
	}

	key, err := jwk.FromRaw(cfg.Key.Public())
	if err != nil {
		return nil, fmt.Errorf("building JWK from signing key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, cfg.KeyID); err != nil {
		return nil, fmt.Errorf("setting key ID: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, fmt.Errorf("setting algorithm: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("setting key usage: %w", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("adding key to set: %w", err)
	}
	jwks, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("marshalling JWKS: %w", err)
	}

	return &Issuer{cfg: cfg, jwks: jwks}, nil
}

// IssueInternal signs an RS256 JWT for an internal token. The jti claim
// carries the internal token's key so the JWT can be traced back to its
// authoritative record.
func (i *Issuer) IssueInternal(username string, tokenScopes []string, jti string, expires time.Time) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   i.cfg.Issuer,
		"aud":   i.cfg.AudInternal,
		"sub":   username,
		"scope": scopes.Join(tokenScopes),
		"jti":   jti,
		"iat":   now.Unix(),
		"exp":   expires.Unix(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.cfg.KeyID

	signed, err := tok.SignedString(i.cfg.Key)
	if err != nil {
		return "", fmt.Errorf("signing internal JWT: %w", err)
	}
	return signed, nil
}

// JWKS returns the JSON document served at /.well-known/jwks.json.
func (i *Issuer) JWKS() []byte {
	return i.jwks
}
