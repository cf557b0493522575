// Package api provides the HTTP surface of Gafaelfawr: the /auth
// subrequest decision engine, the browser login flow, the JWKS
// document, and the token administration API under /auth/api/v1.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/issuer"
	"github.com/lsst-sqre/gafaelfawr/pkg/networking"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers"
	"github.com/lsst-sqre/gafaelfawr/pkg/service"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
)

// requestTimeout bounds each request end to end, including upstream
// provider calls during login.
const requestTimeout = 30 * time.Second

// Server holds the handlers for all Gafaelfawr routes.
type Server struct {
	cfg      *config.Config
	svc      *service.Service
	sessions *session.Store
	provider providers.Provider
	issuer   *issuer.Issuer
}

// NewServer assembles the HTTP surface on top of the token service and
// the configured upstream provider. The issuer may be nil when no
// signing key is configured; the JWKS route then serves 404.
func NewServer(
	cfg *config.Config,
	svc *service.Service,
	sessions *session.Store,
	provider providers.Provider,
	iss *issuer.Issuer,
) *Server {
	return &Server{
		cfg:      cfg,
		svc:      svc,
		sessions: sessions,
		provider: provider,
		issuer:   iss,
	}
}

// Router returns the chi router with all routes registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/auth", s.handleAuth)
	r.Get("/login", s.handleLogin)
	r.Get("/oauth2/callback", s.handleLogin)
	r.Get("/logout", s.handleLogout)
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.Route("/auth/api/v1", func(api chi.Router) {
		api.Get("/tokens", s.listTokens)
		api.Post("/tokens", s.createToken)
		api.Get("/tokens/{key}", s.getToken)
		api.Patch("/tokens/{key}", s.modifyToken)
		api.Delete("/tokens/{key}", s.deleteToken)
		api.Get("/tokens/{key}/change-history", s.tokenHistory)
		api.Get("/admins", s.listAdmins)
		api.Post("/admins", s.addAdmin)
		api.Delete("/admins/{username}", s.removeAdmin)
		api.Get("/user-info", s.userInfo)
		api.Get("/token-info", s.tokenInfo)
	})

	return r
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if s.issuer == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.issuer.JWKS())
}

// clientIP extracts the true client IP, honoring X-Forwarded-For only
// across the configured proxy CIDRs.
func (s *Server) clientIP(r *http.Request) string {
	return networking.ClientIP(r, s.cfg.Proxies)
}
