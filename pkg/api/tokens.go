package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

type createTokenRequest struct {
	Username  string     `json:"username,omitempty"`
	TokenName string     `json:"token_name,omitempty"`
	TokenType string     `json:"token_type,omitempty"`
	Scopes    []string   `json:"scopes"`
	Expires   *time.Time `json:"expires,omitempty"`
}

type createTokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) {
	c, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	username := r.URL.Query().Get("username")
	if username == "" && !c.isAdmin() {
		username = c.data.Username
	}
	if username != "" && !c.canManage(username) {
		writeError(w, errors.NewForbiddenError("cannot list another user's tokens", nil))
		return
	}

	infos, err := s.svc.List(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// createToken creates a user token for the caller, or (admins only) a
// service token for an arbitrary username.
func (s *Server) createToken(w http.ResponseWriter, r *http.Request) {
	c, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFieldError(w, "invalid JSON body", "body")
		return
	}

	kind := token.KindUser
	if req.TokenType != "" {
		kind = token.Kind(req.TokenType)
	}

	var data *token.Data
	switch kind {
	case token.KindUser:
		if c.bootstrap {
			writeError(w, errors.NewForbiddenError("bootstrap token cannot create user tokens", nil))
			return
		}
		if req.Username != "" && req.Username != c.data.Username {
			writeError(w, errors.NewForbiddenError("user tokens can only be created for oneself", nil))
			return
		}
		if !c.data.HasScope(scopes.UserToken) {
			writeError(w, errors.NewInsufficientScopeError("user:token scope required", nil))
			return
		}
		data, err = s.svc.CreateUser(r.Context(), c.data, req.TokenName, req.Scopes, req.Expires,
			c.data.Username, s.clientIP(r))
	case token.KindService:
		if !c.isAdmin() {
			writeError(w, errors.NewForbiddenError("admin:token scope required for service tokens", nil))
			return
		}
		data, err = s.svc.CreateService(r.Context(), req.Username, req.Scopes, req.Expires,
			c.data.Username, s.clientIP(r))
	default:
		writeFieldError(w, fmt.Sprintf("cannot create %q tokens through the API", kind), "body", "token_type")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createTokenResponse{Token: data.Token.String()})
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	_, info, ok := s.tokenForCaller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// modifyToken applies a partial update. The body distinguishes an
// absent expires field from an explicit null, which clears it.
func (s *Server) modifyToken(w http.ResponseWriter, r *http.Request) {
	c, info, ok := s.tokenForCaller(w, r)
	if !ok {
		return
	}

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeFieldError(w, "invalid JSON body", "body")
		return
	}

	mod := &storage.Modification{}
	if raw, ok := fields["token_name"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			writeFieldError(w, "token_name must be a string", "body", "token_name")
			return
		}
		mod.TokenName = &name
	}
	if raw, ok := fields["scopes"]; ok {
		var newScopes []string
		if err := json.Unmarshal(raw, &newScopes); err != nil {
			writeFieldError(w, "scopes must be a list of strings", "body", "scopes")
			return
		}
		if !c.isAdmin() && !scopes.Subset(newScopes, c.data.Scopes) {
			writeError(w, errors.NewInsufficientScopeError("requested scopes exceed authenticating token", nil))
			return
		}
		mod.Scopes = newScopes
	}
	if raw, ok := fields["expires"]; ok {
		if string(raw) == "null" {
			mod.ClearExpires = true
		} else {
			var expires time.Time
			if err := json.Unmarshal(raw, &expires); err != nil {
				writeFieldError(w, "expires must be an RFC 3339 timestamp or null", "body", "expires")
				return
			}
			mod.Expires = &expires
		}
	}

	updated, err := s.svc.Modify(r.Context(), info.Key, mod, c.data.Username, s.clientIP(r))
	if err != nil {
		// On modify a duplicate name is a validation failure, not a
		// conflict with the resource being created.
		if errors.IsDuplicateTokenName(err) {
			writeErrorStatus(w, err, http.StatusUnprocessableEntity)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteToken(w http.ResponseWriter, r *http.Request) {
	c, info, ok := s.tokenForCaller(w, r)
	if !ok {
		return
	}

	if err := s.svc.Revoke(r.Context(), info.Key, c.data.Username, s.clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) tokenHistory(w http.ResponseWriter, r *http.Request) {
	_, info, ok := s.tokenForCaller(w, r)
	if !ok {
		return
	}

	entries, err := s.svc.History(r.Context(), &storage.HistoryFilter{TokenKey: info.Key})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) userInfo(w http.ResponseWriter, r *http.Request) {
	c, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.bootstrap {
		writeError(w, errors.NewForbiddenError("bootstrap token has no user identity", nil))
		return
	}
	writeJSON(w, http.StatusOK, c.data.UserInfo())
}

func (s *Server) tokenInfo(w http.ResponseWriter, r *http.Request) {
	c, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.bootstrap {
		writeError(w, errors.NewForbiddenError("bootstrap token has no token record", nil))
		return
	}

	info, err := s.svc.GetInfo(r.Context(), c.data.Token.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// tokenForCaller authenticates the request, loads the target token, and
// enforces ownership. On failure the response has been written.
func (s *Server) tokenForCaller(w http.ResponseWriter, r *http.Request) (*caller, *token.Info, bool) {
	c, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}

	info, err := s.svc.GetInfo(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	if !c.canManage(info.Username) {
		writeError(w, errors.NewForbiddenError("cannot operate on another user's token", nil))
		return nil, nil, false
	}
	return c, info, true
}
