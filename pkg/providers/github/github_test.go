package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// fakeGitHub serves the OAuth token endpoint and the REST calls the
// provider makes during identity assembly.
func fakeGitHub(t *testing.T, user map[string]any, emails []map[string]any, teams []map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "some-code", r.FormValue("code"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "gho_testtoken",
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gho_testtoken", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(user)
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(emails)
	})
	mux.HandleFunc("/user/teams", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(teams)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestProvider(t *testing.T, server *httptest.Server) *Provider {
	t.Helper()
	return NewWithClient(
		&config.GitHubConfig{ClientID: "client-id", ClientSecret: "client-secret"},
		server.Client(),
		server.URL,
		oauth2.Endpoint{
			AuthURL:  server.URL + "/login/oauth/authorize",
			TokenURL: server.URL + "/login/oauth/access_token",
		},
	)
}

func TestIdentity(t *testing.T) {
	t.Parallel()
	server := fakeGitHub(t,
		map[string]any{"login": "Alice", "id": 4510, "name": "Alice Example"},
		[]map[string]any{
			{"email": "other@example.com", "primary": false},
			{"email": "alice@example.com", "primary": true},
		},
		[]map[string]any{
			{"slug": "square", "id": 1000, "organization": map[string]any{"login": "lsst-sqre"}},
			{"slug": "friends", "id": 1001, "organization": map[string]any{"login": "other-org"}},
		},
	)
	provider := newTestProvider(t, server)

	info, err := provider.Identity(context.Background(), "some-code")
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)
	assert.Equal(t, "Alice Example", info.Name)
	assert.Equal(t, "alice@example.com", info.Email)
	assert.Equal(t, int64(4510), info.UID)
	assert.Equal(t, []token.Group{
		{Name: "lsst-sqre-square", ID: 1000},
		{Name: "other-org-friends", ID: 1001},
	}, info.Groups)
}

func TestIdentityInvalidLogin(t *testing.T) {
	t.Parallel()
	server := fakeGitHub(t,
		map[string]any{"login": "Not_A_Valid_Login!", "id": 4510},
		nil, nil,
	)
	provider := newTestProvider(t, server)

	_, err := provider.Identity(context.Background(), "some-code")
	assert.True(t, errors.IsProvider(err))
}

func TestIdentityProviderFailure(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	provider := newTestProvider(t, server)

	_, err := provider.Identity(context.Background(), "some-code")
	assert.True(t, errors.IsProvider(err))
}

func TestAuthURL(t *testing.T) {
	t.Parallel()
	provider := NewWithClient(
		&config.GitHubConfig{ClientID: "client-id", ClientSecret: "client-secret"},
		http.DefaultClient,
		DefaultAPIBaseURL,
		oauth2.Endpoint{AuthURL: "https://github.com/login/oauth/authorize"},
	)

	authURL := provider.AuthURL("csrf-state")
	assert.Contains(t, authURL, "https://github.com/login/oauth/authorize")
	assert.Contains(t, authURL, "state=csrf-state")
	assert.Contains(t, authURL, "client_id=client-id")
	assert.Contains(t, authURL, "read%3Aorg")
}

func TestGroupName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		org  string
		team string
		want string
	}{
		{"simple", "lsst-sqre", "square", "lsst-sqre-square"},
		{"lowercased", "LSST-SQRE", "Square", "lsst-sqre-square"},
		{
			"truncated at 32",
			"a-very-long-organization",
			"with-a-long-team-name",
			"a-very-long-organization-with-a",
		},
		{
			"no trailing delimiter after truncation",
			"a-very-long-organization-padded",
			"team",
			"a-very-long-organization-padded",
		},
		{"empty org", "", "team", ""},
		{"empty team", "org", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := GroupName(tt.org, tt.team)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), 32)
		})
	}
}
