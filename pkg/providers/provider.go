// Package providers defines the upstream identity provider contract
// shared by the GitHub and OIDC login implementations.
package providers

import (
	"context"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Provider is an upstream identity provider driving the redirect-based
// login flow.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// AuthURL builds the provider's authorization URL for a login
	// redirect carrying the given CSRF state.
	AuthURL(state string) string

	// Identity exchanges an authorization code for the authenticated
	// user's identity, including group memberships.
	Identity(ctx context.Context, code string) (*token.UserInfo, error)
}
