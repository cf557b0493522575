package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// handleLogin drives the upstream login state machine. The same route
// serves both the initiation (redirect to the provider) and the OAuth
// callback (code and state query parameters present).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("code") != "" {
		s.handleCallback(w, r)
		return
	}

	returnURL := r.URL.Query().Get("rd")
	if !s.safeReturnURL(returnURL) {
		writeFieldError(w, fmt.Sprintf("return URL %q is not on this host", returnURL), "query", "rd")
		return
	}

	// An already-authenticated browser skips the provider round trip.
	state := s.sessions.Read(r)
	if state.Token != "" {
		if tok, err := token.FromString(state.Token); err == nil {
			if _, err := s.svc.Get(r.Context(), tok); err == nil {
				http.Redirect(w, r, orRoot(returnURL), http.StatusSeeOther)
				return
			}
		}
	}

	csrf, err := session.NewCSRF()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.sessions.Write(w, session.State{CSRF: csrf, ReturnURL: returnURL}); err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, s.provider.AuthURL(csrf), http.StatusSeeOther)
}

// handleCallback finishes a pending login: verify the CSRF state,
// exchange the code, assemble the identity, derive scopes, and create
// the session token.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := s.sessions.Read(r)
	if !session.VerifyCSRF(state.CSRF, r.URL.Query().Get("state")) {
		s.loginFailure(w, r, "login state mismatch", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProviderTimeout)
	defer cancel()
	info, err := s.provider.Identity(ctx, r.URL.Query().Get("code"))
	if err != nil {
		s.loginFailure(w, r, "upstream identity provider failed", err)
		return
	}

	groups := make([]string, 0, len(info.Groups))
	for _, g := range info.Groups {
		groups = append(groups, g.Name)
	}
	derived := scopes.FromGroups(s.cfg.GroupMapping, groups)

	data, err := s.svc.CreateSession(r.Context(), info, derived, s.clientIP(r))
	if err != nil {
		s.loginFailure(w, r, "creating session", err)
		return
	}
	if err := s.sessions.Write(w, session.State{Token: data.Token.String()}); err != nil {
		s.loginFailure(w, r, "writing session cookie", err)
		return
	}

	logger.Infow("login complete",
		"username", info.Username,
		"provider", s.provider.Name(),
		"scopes", derived)
	http.Redirect(w, r, orRoot(state.ReturnURL), http.StatusSeeOther)
}

// handleLogout revokes the session token, clears the cookie, and sends
// the browser to the configured after-logout URL.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	state := s.sessions.Read(r)
	if state.Token != "" {
		if tok, err := token.FromString(state.Token); err == nil {
			if data, err := s.svc.Get(r.Context(), tok); err == nil {
				if err := s.svc.Revoke(r.Context(), tok.Key, data.Username, s.clientIP(r)); err != nil {
					logger.Warnw("failed to revoke session on logout", "key", tok.Key, "error", err)
				}
			}
		}
	}
	s.sessions.Clear(w)
	http.Redirect(w, r, orRoot(s.cfg.AfterLogoutURL), http.StatusSeeOther)
}

// loginFailure clears the session cookie so a wedged login can start
// over, logs the cause under a correlation ID, and shows the user the
// reason plus that ID.
func (s *Server) loginFailure(w http.ResponseWriter, r *http.Request, reason string, err error) {
	correlationID := uuid.NewString()
	logger.Errorw("login failed",
		"reason", reason,
		"error", err,
		"correlation_id", correlationID,
		"client_ip", s.clientIP(r))

	s.sessions.Clear(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	fmt.Fprintf(w, "Login failed: %s (correlation ID %s)\n", reason, correlationID)
}

// safeReturnURL accepts an empty or relative return URL, or an absolute
// one on the deployment's own host.
func (s *Server) safeReturnURL(rd string) bool {
	if rd == "" {
		return true
	}
	parsed, err := url.Parse(rd)
	if err != nil {
		return false
	}
	if parsed.Host == "" && parsed.Scheme == "" {
		return true
	}
	return parsed.Host == s.cfg.Realm
}

func orRoot(target string) string {
	if target == "" {
		return "/"
	}
	return target
}
