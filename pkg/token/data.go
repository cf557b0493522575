package token

import (
	"time"
)

// Group is one group membership attached to an identity, as reported by
// the upstream provider.
type Group struct {
	Name string `json:"name"`
	ID   int64  `json:"id,omitempty"`
}

// UserInfo is the identity information assembled during upstream login
// and carried on every token derived from that session.
type UserInfo struct {
	Username string  `json:"username"`
	Name     string  `json:"name,omitempty"`
	Email    string  `json:"email,omitempty"`
	UID      int64   `json:"uid,omitempty"`
	Groups   []Group `json:"groups,omitempty"`
}

// Data is the full record behind a token: the token itself plus the
// identity, scopes, and lifetime. This is the value stored (encrypted)
// in the cache and used on the authentication fast path.
type Data struct {
	Token    Token      `json:"token"`
	Username string     `json:"username"`
	Kind     Kind       `json:"token_type"`
	Scopes   []string   `json:"scopes"`
	Created  time.Time  `json:"created"`
	Expires  *time.Time `json:"expires,omitempty"`
	Name     string     `json:"name,omitempty"`
	Email    string     `json:"email,omitempty"`
	UID      int64      `json:"uid,omitempty"`
	Groups   []Group    `json:"groups,omitempty"`
}

// UserInfo extracts the identity fields from the token data.
func (d *Data) UserInfo() UserInfo {
	return UserInfo{
		Username: d.Username,
		Name:     d.Name,
		Email:    d.Email,
		UID:      d.UID,
		Groups:   d.Groups,
	}
}

// Expired reports whether the token has expired as of now.
func (d *Data) Expired(now time.Time) bool {
	return d.Expires != nil && !d.Expires.After(now)
}

// HasScope reports whether the token carries the given scope.
func (d *Data) HasScope(scope string) bool {
	for _, s := range d.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Info is the public projection of a token: everything except the secret
// and the identity details.
type Info struct {
	Key       string     `json:"token"`
	Username  string     `json:"username"`
	Kind      Kind       `json:"token_type"`
	TokenName string     `json:"token_name,omitempty"`
	Scopes    []string   `json:"scopes"`
	Created   time.Time  `json:"created"`
	Expires   *time.Time `json:"expires,omitempty"`
	Parent    string     `json:"parent,omitempty"`
	Service   string     `json:"service,omitempty"`
}
