package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
)

type adminRequest struct {
	Username string `json:"username"`
}

func (s *Server) listAdmins(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}

	admins, err := s.svc.Admins(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, admins)
}

func (s *Server) addAdmin(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}

	var req adminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFieldError(w, "invalid JSON body", "body")
		return
	}
	if err := s.svc.AddAdmin(r.Context(), req.Username, c.data.Username, s.clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, adminRequest{Username: req.Username})
}

func (s *Server) removeAdmin(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}

	username := chi.URLParam(r, "username")
	if err := s.svc.RemoveAdmin(r.Context(), username, c.data.Username, s.clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireAdmin authenticates the request and enforces admin:token. On
// failure the response has been written.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (*caller, bool) {
	c, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if !c.isAdmin() {
		writeError(w, errors.NewForbiddenError("admin:token scope required", nil))
		return nil, false
	}
	return c, true
}
