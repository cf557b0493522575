package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/service"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/rediscache"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// fakeProvider satisfies providers.Provider without any upstream.
type fakeProvider struct {
	info *token.UserInfo
	err  error
}

func (*fakeProvider) Name() string { return "fake" }

func (*fakeProvider) AuthURL(state string) string {
	return "https://provider.example.com/authorize?state=" + state
}

func (p *fakeProvider) Identity(context.Context, string) (*token.UserInfo, error) {
	return p.info, p.err
}

type fixture struct {
	server   *httptest.Server
	client   *http.Client
	svc      *service.Service
	tokens   *sqlite.TokenStore
	sessions *session.Store
	provider *fakeProvider
	cfg      *config.Config
	redis    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cache, err := rediscache.NewWithClient(client, key)
	require.NoError(t, err)

	bootstrap, err := token.New()
	require.NoError(t, err)

	cfg := &config.Config{
		Realm:           "example.com",
		SessionLifetime: time.Hour,
		AfterLogoutURL:  "/goodbye",
		BootstrapToken:  bootstrap.String(),
		ProviderTimeout: 5 * time.Second,
		KnownScopes: map[string]string{
			"admin:token":   "Can administer tokens",
			"exec:admin":    "Administrative access",
			"exec:notebook": "Can spawn a notebook",
			"read:all":      "Can read anything",
			"user:token":    "Can manage one's own tokens",
		},
		GroupMapping: map[string][]string{
			"exec:admin": {"lsst-sqre-square"},
			"read:all":   {"lsst-sqre-square", "science"},
		},
	}

	tokens := sqlite.NewTokenStore(db)
	svc := service.New(tokens, sqlite.NewHistoryStore(db), sqlite.NewAdminStore(db), cache,
		service.Options{
			SessionLifetime: cfg.SessionLifetime,
			MintLifetime:    15 * time.Minute,
			KnownScopes:     cfg.KnownScopes,
		})

	sessions, err := session.NewStore(key, cfg.SessionLifetime)
	require.NoError(t, err)

	provider := &fakeProvider{info: &token.UserInfo{
		Username: "alice",
		Name:     "Alice Example",
		Email:    "alice@example.com",
		UID:      4510,
		Groups:   []token.Group{{Name: "lsst-sqre-square", ID: 1000}},
	}}

	server := httptest.NewServer(NewServer(cfg, svc, sessions, provider, nil).Router())
	t.Cleanup(server.Close)

	return &fixture{
		server: server,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		svc:      svc,
		tokens:   tokens,
		sessions: sessions,
		provider: provider,
		cfg:      cfg,
		redis:    mr,
	}
}

// login creates a session token directly, bypassing the browser flow.
func (f *fixture) login(t *testing.T, userScopes ...string) *token.Data {
	t.Helper()
	data, err := f.svc.CreateSession(context.Background(), f.provider.info, userScopes, "127.0.0.1")
	require.NoError(t, err)
	return data
}

func (f *fixture) get(t *testing.T, path string, modify ...func(*http.Request)) *http.Response {
	t.Helper()
	return f.do(t, http.MethodGet, path, nil, modify...)
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, modify ...func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, body)
	require.NoError(t, err)
	for _, m := range modify {
		m(req)
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func bearer(data *token.Data) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+data.Token.String())
	}
}

func rawBearer(wire string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+wire)
	}
}

func withCookie(cookie *http.Cookie) func(*http.Request) {
	return func(r *http.Request) {
		r.AddCookie(cookie)
	}
}

func sessionCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, cookie := range resp.Cookies() {
		if cookie.Name == session.CookieName {
			return cookie
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}
