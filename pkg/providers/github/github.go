// Package github implements upstream login against GitHub's OAuth 2.0
// provider, synthesizing groups from organization teams.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
	"golang.org/x/time/rate"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/networking"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// DefaultAPIBaseURL is GitHub's REST API root.
const DefaultAPIBaseURL = "https://api.github.com"

// maxGroupNameLength caps a synthesized group name. GitHub team slugs
// plus the organization prefix can exceed what downstream consumers
// accept, so names are truncated here.
const maxGroupNameLength = 32

// maxResponseSize bounds provider response bodies.
const maxResponseSize = 1024 * 1024

// Provider implements providers.Provider for GitHub.
type Provider struct {
	oauth       *oauth2.Config
	client      *http.Client
	apiBaseURL  string
	rateLimiter *rate.Limiter
}

var _ providers.Provider = (*Provider)(nil)

// New creates a GitHub login provider.
func New(cfg *config.GitHubConfig, timeout time.Duration) (*Provider, error) {
	client, err := networking.NewHTTPClientBuilder().WithTimeout(timeout).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return NewWithClient(cfg, client, DefaultAPIBaseURL, githuboauth.Endpoint), nil
}

// NewWithClient creates a GitHub provider with a custom client, API
// base URL, and OAuth endpoint. This is useful for testing against an
// httptest server.
func NewWithClient(
	cfg *config.GitHubConfig, client *http.Client, apiBaseURL string, endpoint oauth2.Endpoint,
) *Provider {
	// GitHub allows 5,000 requests/hour; limit locally well below that.
	limiter := rate.NewLimiter(10, 20)

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{"read:org", "read:user", "user:email"},
		},
		client:      client,
		apiBaseURL:  strings.TrimSuffix(apiBaseURL, "/"),
		rateLimiter: limiter,
	}
}

// Name returns the provider name.
func (*Provider) Name() string {
	return "github"
}

// AuthURL builds the authorization redirect URL for a login attempt.
func (p *Provider) AuthURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Identity exchanges the authorization code and assembles the user's
// identity from the GitHub REST API.
func (p *Provider) Identity(ctx context.Context, code string) (*token.UserInfo, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, errors.NewProviderError("exchanging authorization code", err)
	}

	user, err := p.fetchUser(ctx, tok)
	if err != nil {
		return nil, err
	}

	email, err := p.fetchPrimaryEmail(ctx, tok)
	if err != nil {
		return nil, err
	}
	if email == "" {
		email = user.Email
	}

	groups, err := p.fetchTeamGroups(ctx, tok)
	if err != nil {
		return nil, err
	}

	username := strings.ToLower(user.Login)
	if !token.UsernameRegexp.MatchString(username) {
		return nil, errors.NewProviderError(
			fmt.Sprintf("GitHub login %q is not a valid username", user.Login), nil)
	}

	return &token.UserInfo{
		Username: username,
		Name:     user.Name,
		Email:    email,
		UID:      user.ID,
		Groups:   groups,
	}, nil
}

type githubUser struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

type githubTeam struct {
	Slug string `json:"slug"`
	ID   int64  `json:"id"`
	Org  struct {
		Login string `json:"login"`
	} `json:"organization"`
}

func (p *Provider) fetchUser(ctx context.Context, tok *oauth2.Token) (*githubUser, error) {
	body, err := p.apiGet(ctx, tok, "/user")
	if err != nil {
		return nil, err
	}
	var user githubUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, errors.NewProviderError("decoding GitHub user", err)
	}
	if user.Login == "" {
		return nil, errors.NewProviderError("GitHub user response has no login", nil)
	}
	return &user, nil
}

func (p *Provider) fetchPrimaryEmail(ctx context.Context, tok *oauth2.Token) (string, error) {
	body, err := p.apiGet(ctx, tok, "/user/emails")
	if err != nil {
		return "", err
	}
	var emails []githubEmail
	if err := json.Unmarshal(body, &emails); err != nil {
		return "", errors.NewProviderError("decoding GitHub emails", err)
	}
	for _, email := range emails {
		if email.Primary {
			return email.Email, nil
		}
	}
	return "", nil
}

// fetchTeamGroups lists the user's teams across all organizations and
// synthesizes group names from them.
func (p *Provider) fetchTeamGroups(ctx context.Context, tok *oauth2.Token) ([]token.Group, error) {
	var groups []token.Group
	seen := make(map[string]bool)

	for page := 1; ; page++ {
		body, err := p.apiGet(ctx, tok, fmt.Sprintf("/user/teams?per_page=100&page=%d", page))
		if err != nil {
			return nil, err
		}
		var teams []githubTeam
		if err := json.Unmarshal(body, &teams); err != nil {
			return nil, errors.NewProviderError("decoding GitHub teams", err)
		}
		if len(teams) == 0 {
			break
		}
		for _, team := range teams {
			name := GroupName(team.Org.Login, team.Slug)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			groups = append(groups, token.Group{Name: name, ID: team.ID})
		}
		if len(teams) < 100 {
			break
		}
	}

	return groups, nil
}

// GroupName synthesizes the group name for an organization team. The
// `<org>-<team>` form is truncated to 32 characters, never ending on
// the delimiter.
func GroupName(org, team string) string {
	if org == "" || team == "" {
		return ""
	}
	name := strings.ToLower(org) + "-" + strings.ToLower(team)
	if len(name) > maxGroupNameLength {
		name = name[:maxGroupNameLength]
		name = strings.TrimRight(name, "-")
	}
	return name
}

// apiGet performs an idempotent GET against the GitHub REST API with
// bounded retries on transient failure.
func (p *Provider) apiGet(ctx context.Context, tok *oauth2.Token, path string) ([]byte, error) {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return nil, errors.NewProviderError("rate limit wait failed", err)
	}

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+path, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				logger.Debugf("Failed to close response body: %v", err)
			}
		}()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("github returned status %d for %s", resp.StatusCode, path)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(
				fmt.Errorf("github returned status %d for %s", resp.StatusCode, path))
		}
		return body, nil
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return nil, errors.NewProviderError(fmt.Sprintf("calling GitHub %s", path), err)
	}
	return body, nil
}
