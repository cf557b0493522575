package api

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// caller is the authenticated principal behind an API request.
type caller struct {
	data *token.Data

	// bootstrap marks the configured bootstrap token, which acts as a
	// super-admin limited to the token and admin routes.
	bootstrap bool
}

func (c *caller) isAdmin() bool {
	return c.bootstrap || c.data.HasScope(scopes.AdminToken)
}

// canManage reports whether the caller may operate on tokens owned by
// the given username.
func (c *caller) canManage(username string) bool {
	if c.isAdmin() {
		return true
	}
	return c.data.Username == username && c.data.HasScope(scopes.UserToken)
}

// wireToken extracts the presented credential from a request. Order:
// Authorization Bearer, Authorization Basic (either side of the colon
// may carry the token), then the session cookie.
func (s *Server) wireToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		return strings.TrimPrefix(header, "Bearer ")
	case strings.HasPrefix(header, "Basic "):
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
		if err != nil {
			return ""
		}
		username, password, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return ""
		}
		if strings.HasPrefix(username, token.Prefix) {
			return username
		}
		return password
	}
	return s.sessions.Read(r).Token
}

// authenticate resolves the request's credential into a caller. The
// bootstrap token is recognized before any store lookup and never hits
// the database.
func (s *Server) authenticate(r *http.Request) (*caller, error) {
	wire := s.wireToken(r)
	if wire == "" {
		return nil, errors.NewInvalidCredentialsError("no credential presented", nil)
	}

	if s.cfg.BootstrapToken != "" &&
		subtle.ConstantTimeCompare([]byte(wire), []byte(s.cfg.BootstrapToken)) == 1 {
		return &caller{
			bootstrap: true,
			data: &token.Data{
				Username: token.BootstrapUsername,
				Kind:     token.KindService,
				Scopes:   []string{scopes.AdminToken},
			},
		}, nil
	}

	tok, err := token.FromString(wire)
	if err != nil {
		return nil, errors.NewInvalidCredentialsError("malformed credential", err)
	}
	data, err := s.svc.Get(r.Context(), tok)
	if err != nil {
		return nil, err
	}
	return &caller{data: data}, nil
}
