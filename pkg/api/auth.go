package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// authRequest is the parsed query of an /auth subrequest.
type authRequest struct {
	scopes         []string
	satisfy        string
	authType       string
	notebook       bool
	delegateTo     string
	delegateScopes []string
	delegateJWT    bool
	minLifetime    time.Duration
}

func parseAuthRequest(r *http.Request) (*authRequest, error) {
	q := r.URL.Query()
	req := &authRequest{
		satisfy:  "all",
		authType: "bearer",
	}

	for _, value := range q["scope"] {
		req.scopes = append(req.scopes, scopes.Parse(value)...)
	}
	if v := q.Get("satisfy"); v != "" {
		if v != "all" && v != "any" {
			return nil, errors.NewInvalidRequestError(fmt.Sprintf("invalid satisfy %q", v), nil)
		}
		req.satisfy = v
	}
	if v := q.Get("auth_type"); v != "" {
		if v != "bearer" && v != "basic" {
			return nil, errors.NewInvalidRequestError(fmt.Sprintf("invalid auth_type %q", v), nil)
		}
		req.authType = v
	}
	if v := q.Get("notebook"); v != "" {
		notebook, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.NewInvalidRequestError(fmt.Sprintf("invalid notebook %q", v), nil)
		}
		req.notebook = notebook
	}
	req.delegateTo = q.Get("delegate_to")
	for _, value := range q["delegate_scope"] {
		req.delegateScopes = append(req.delegateScopes, scopes.Parse(value)...)
	}
	if v := q.Get("delegate_jwt"); v != "" {
		jwtWanted, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.NewInvalidRequestError(fmt.Sprintf("invalid delegate_jwt %q", v), nil)
		}
		req.delegateJWT = jwtWanted
	}
	if v := q.Get("minimum_lifetime"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds < 0 {
			return nil, errors.NewInvalidRequestError(fmt.Sprintf("invalid minimum_lifetime %q", v), nil)
		}
		req.minLifetime = time.Duration(seconds) * time.Second
	}

	if req.notebook && req.delegateTo != "" {
		return nil, errors.NewInvalidRequestError("notebook and delegate_to are mutually exclusive", nil)
	}
	if req.delegateJWT && req.delegateTo == "" {
		return nil, errors.NewInvalidRequestError("delegate_jwt requires delegate_to", nil)
	}
	return req, nil
}

// handleAuth is the NGINX auth_request decision engine: resolve the
// credential, enforce the scope predicate, mint delegated tokens on
// demand, and render identity headers or a 401/403 NGINX can relay.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	req, err := parseAuthRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.delegateJWT && s.issuer == nil {
		writeError(w, errors.NewInvalidRequestError("JWT delegation requires a configured issuer", nil))
		return
	}

	wire := s.wireToken(r)
	if wire == "" {
		s.authFailure(w, req, errors.NewInvalidCredentialsError("authentication required", nil))
		return
	}
	tok, err := token.FromString(wire)
	if err != nil {
		s.authFailure(w, req, errors.NewInvalidCredentialsError("malformed credential", err))
		return
	}
	data, err := s.svc.Get(r.Context(), tok)
	if err != nil {
		s.authFailure(w, req, err)
		return
	}

	if !satisfied(req, data.Scopes) {
		s.authFailure(w, req, errors.NewInsufficientScopeError(
			fmt.Sprintf("token missing required scopes (%s of: %s)", req.satisfy, scopes.Join(req.scopes)), nil))
		return
	}
	if req.minLifetime > 0 && data.Expires != nil {
		if time.Until(*data.Expires) < req.minLifetime {
			s.authFailure(w, req, errors.NewForbiddenError(
				fmt.Sprintf("token lifetime is shorter than %s", req.minLifetime), nil))
			return
		}
	}

	// The delegated token, when one is requested; otherwise the caller's
	// own token travels downstream.
	delegated := data
	switch {
	case req.notebook:
		delegated, err = s.svc.MintNotebook(r.Context(), data, s.clientIP(r))
	case req.delegateTo != "":
		delegated, err = s.svc.MintInternal(r.Context(), data, req.delegateTo, req.delegateScopes, s.clientIP(r))
	}
	if err != nil {
		s.authFailure(w, req, err)
		return
	}

	// The delegated token travels opaque by default; a downstream that
	// expects a JWT gets it wrapped and signed, with the jti claim
	// pointing back at the authoritative internal token record.
	downstream := delegated.Token.String()
	if req.delegateJWT {
		downstream, err = s.issuer.IssueInternal(
			delegated.Username, delegated.Scopes, delegated.Token.Key, *delegated.Expires)
		if err != nil {
			writeError(w, errors.NewInternalError("signing delegated JWT", err))
			return
		}
	}

	w.Header().Set("X-Auth-Request-User", data.Username)
	if data.Email != "" {
		w.Header().Set("X-Auth-Request-Email", data.Email)
	}
	w.Header().Set("X-Auth-Request-Token", downstream)
	w.Header().Set("X-Auth-Request-Token-Scopes", scopes.Join(delegated.Scopes))
	w.Header().Set("X-Auth-Request-Scopes-Accepted", scopes.Join(req.scopes))
	w.Header().Set("X-Auth-Request-Scopes-Satisfy", req.satisfy)
	w.WriteHeader(http.StatusOK)
}

func satisfied(req *authRequest, held []string) bool {
	if len(req.scopes) == 0 {
		return true
	}
	if req.satisfy == "any" {
		return len(scopes.Intersect(req.scopes, held)) > 0
	}
	return scopes.Subset(req.scopes, held)
}

// authFailure renders a 401/403 for NGINX: the WWW-Authenticate
// challenge per auth_type plus X-Error-Status and X-Error-Body hints so
// the ingress can surface the real error to the client.
func (s *Server) authFailure(w http.ResponseWriter, req *authRequest, err error) {
	// A backend outage is not a credential problem. It gets the 503
	// path so NGINX retries instead of failing the caller's login.
	if errors.IsUnavailable(err) {
		writeError(w, err)
		return
	}

	errType := errors.TypeOf(err)
	status := statusFor(errType)
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		status = http.StatusUnauthorized
		errType = errors.ErrInvalidCredentials
	}

	scheme := "Bearer"
	if req.authType == "basic" {
		scheme = "Basic"
	}
	challenge := fmt.Sprintf("%s realm=%q", scheme, s.cfg.Realm)
	if scheme == "Bearer" && status == http.StatusForbidden {
		challenge += fmt.Sprintf(", error=%q, scope=%q", "insufficient_scope", scopes.Join(req.scopes))
	}

	body, _ := json.Marshal(errorBody{Detail: []errorDetail{{
		Msg:  err.Error(),
		Type: errType,
	}}})

	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("X-Error-Status", strconv.Itoa(status))
	w.Header().Set("X-Error-Body", string(body))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}
