// Package oidc implements upstream login against a generic OpenID
// Connect provider, verifying the ID token against the provider's
// issuer, audience, and JWKS.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/networking"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Provider implements providers.Provider for OpenID Connect.
type Provider struct {
	cfg      *config.OIDCConfig
	oauth    *oauth2.Config
	verifier *gooidc.IDTokenVerifier
	client   *http.Client
}

var _ providers.Provider = (*Provider)(nil)

// New creates an OIDC login provider. The issuer is contacted once for
// discovery, which also primes the JWKS fetch.
func New(ctx context.Context, cfg *config.OIDCConfig, timeout time.Duration) (*Provider, error) {
	client, err := networking.NewHTTPClientBuilder().WithTimeout(timeout).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	ctx = gooidc.ClientContext(ctx, client)
	remote, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, errors.NewProviderError("discovering OIDC provider", err)
	}

	audience := cfg.Audience
	if audience == "" {
		audience = cfg.ClientID
	}
	verifier := remote.Verifier(&gooidc.Config{ClientID: audience})

	endpoint := remote.Endpoint()
	if cfg.LoginURL != "" {
		endpoint.AuthURL = cfg.LoginURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	return NewWithVerifier(cfg, client, endpoint, verifier), nil
}

// NewWithVerifier creates an OIDC provider with explicit endpoint and
// verifier, skipping discovery. This is useful for testing.
func NewWithVerifier(
	cfg *config.OIDCConfig, client *http.Client, endpoint oauth2.Endpoint, verifier *gooidc.IDTokenVerifier,
) *Provider {
	oidcScopes := cfg.Scopes
	if !contains(oidcScopes, gooidc.ScopeOpenID) {
		oidcScopes = append([]string{gooidc.ScopeOpenID}, oidcScopes...)
	}

	return &Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       oidcScopes,
		},
		verifier: verifier,
		client:   client,
	}
}

// Name returns the provider name.
func (*Provider) Name() string {
	return "oidc"
}

// AuthURL builds the authorization redirect URL, appending any
// configured extra login parameters.
func (p *Provider) AuthURL(state string) string {
	opts := make([]oauth2.AuthCodeOption, 0, len(p.cfg.LoginParams))
	for key, value := range p.cfg.LoginParams {
		opts = append(opts, oauth2.SetAuthURLParam(key, value))
	}
	return p.oauth.AuthCodeURL(state, opts...)
}

// idClaims is the subset of ID token claims used for identity assembly.
type idClaims struct {
	Sub               string      `json:"sub"`
	UID               string      `json:"uid"`
	PreferredUsername string      `json:"preferred_username"`
	Name              string      `json:"name"`
	Email             string      `json:"email"`
	UIDNumber         json.Number `json:"uidNumber"`
	IsMemberOf        []struct {
		Name string `json:"name"`
		ID   int64  `json:"id"`
	} `json:"isMemberOf"`
}

// Identity exchanges the authorization code, verifies the ID token, and
// assembles the user's identity from its claims.
func (p *Provider) Identity(ctx context.Context, code string) (*token.UserInfo, error) {
	ctx = gooidc.ClientContext(ctx, p.client)

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, errors.NewProviderError("exchanging authorization code", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.NewProviderError("token response has no id_token", nil)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, errors.NewProviderError("verifying ID token", err)
	}

	var claims idClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.NewProviderError("decoding ID token claims", err)
	}

	username := claims.UID
	if username == "" {
		username = claims.PreferredUsername
	}
	if username == "" {
		username = claims.Sub
	}
	username = strings.ToLower(username)
	if !token.UsernameRegexp.MatchString(username) {
		return nil, errors.NewProviderError(
			fmt.Sprintf("ID token username %q is not valid", username), nil)
	}

	var uid int64
	if claims.UIDNumber != "" {
		uid, err = strconv.ParseInt(claims.UIDNumber.String(), 10, 64)
		if err != nil {
			return nil, errors.NewProviderError("parsing uidNumber claim", err)
		}
	}

	var groups []token.Group
	for _, group := range claims.IsMemberOf {
		if group.Name == "" {
			continue
		}
		groups = append(groups, token.Group{Name: group.Name, ID: group.ID})
	}

	return &token.UserInfo{
		Username: username,
		Name:     claims.Name,
		Email:    claims.Email,
		UID:      uid,
		Groups:   groups,
	}, nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
