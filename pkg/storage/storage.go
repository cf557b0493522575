// Package storage defines the persistence contracts for tokens, token
// history, and admins. The SQL implementation lives in storage/sqlite
// and is the source of truth for enumeration and ownership; the cache
// implementation in storage/rediscache serves the authentication fast
// path.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateTokenName is returned when a user token name is
	// already taken by a live token of the same owner.
	ErrDuplicateTokenName = errors.New("token name already in use")
)

// TokenRecord is the SQL row behind a token. The secret itself is never
// stored; only its hash is.
type TokenRecord struct {
	Key        string
	SecretHash string
	Username   string
	Kind       token.Kind
	TokenName  string
	Scopes     []string
	Service    string
	Created    time.Time
	LastUsed   *time.Time
	Expires    *time.Time
	Parent     string
}

// Info converts the record to its public projection.
func (r *TokenRecord) Info() *token.Info {
	return &token.Info{
		Key:       r.Key,
		Username:  r.Username,
		Kind:      r.Kind,
		TokenName: r.TokenName,
		Scopes:    r.Scopes,
		Created:   r.Created,
		Expires:   r.Expires,
		Parent:    r.Parent,
		Service:   r.Service,
	}
}

// HistoryAction enumerates the recorded lifecycle events.
type HistoryAction string

// History actions
const (
	ActionCreate HistoryAction = "create"
	ActionEdit   HistoryAction = "edit"
	ActionRevoke HistoryAction = "revoke"
	ActionExpire HistoryAction = "expire"
)

// HistoryEntry is one row of the token change history.
type HistoryEntry struct {
	TokenKey     string         `json:"token"`
	Username     string         `json:"username"`
	Kind         token.Kind     `json:"token_type"`
	TokenName    string         `json:"token_name,omitempty"`
	Parent       string         `json:"parent,omitempty"`
	Scopes       []string       `json:"scopes"`
	Service      string         `json:"service,omitempty"`
	Expires      *time.Time     `json:"expires,omitempty"`
	Actor        string         `json:"actor"`
	Action       HistoryAction  `json:"action"`
	OldTokenName string         `json:"old_token_name,omitempty"`
	OldScopes    []string       `json:"old_scopes,omitempty"`
	OldExpires   *time.Time     `json:"old_expires,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	EventTime    time.Time      `json:"event_time"`
}

// HistoryFilter narrows a history listing. Zero values mean no
// constraint on that field.
type HistoryFilter struct {
	Username string
	Actor    string
	TokenKey string
	Kind     token.Kind
	Since    *time.Time
	Until    *time.Time
}

// Modification describes the mutable fields of a token. Nil pointers
// leave the field unchanged; ClearExpires removes the expiration.
type Modification struct {
	TokenName    *string
	Scopes       []string
	Expires      *time.Time
	ClearExpires bool
}

// ChildQuery selects a reusable child token for the minter: same
// parent, service, kind, and scope set, expiring no earlier than
// MinExpires (or not at all).
type ChildQuery struct {
	Parent     string
	Service    string
	Kind       token.Kind
	Scopes     []string
	MinExpires time.Time
}

// TokenStore is the SQL contract for token records. Mutating calls
// take the corresponding history entry and commit both in one
// transaction.
type TokenStore interface {
	Add(ctx context.Context, rec *TokenRecord, history *HistoryEntry) error
	Get(ctx context.Context, key string) (*TokenRecord, error)
	List(ctx context.Context, username string) ([]*TokenRecord, error)
	Modify(ctx context.Context, key string, mod *Modification, history *HistoryEntry) (*TokenRecord, error)
	Delete(ctx context.Context, key string, history *HistoryEntry) error
	Children(ctx context.Context, key string) ([]string, error)
	FindChild(ctx context.Context, q *ChildQuery) (*TokenRecord, error)
	UpdateLastUsed(ctx context.Context, key string, when time.Time) error
	Keys(ctx context.Context) ([]string, error)
}

// HistoryStore is the SQL contract for reading the change history.
type HistoryStore interface {
	List(ctx context.Context, filter *HistoryFilter) ([]*HistoryEntry, error)
}

// AdminStore is the SQL contract for the token administrator list.
type AdminStore interface {
	Add(ctx context.Context, username, actor, ip string) error
	Remove(ctx context.Context, username, actor, ip string) error
	List(ctx context.Context) ([]string, error)
	Contains(ctx context.Context, username string) (bool, error)
}

// TokenCache is the key-value contract for the authentication fast
// path and minter deduplication.
type TokenCache interface {
	// Get returns the cached data for a token key, or ErrNotFound.
	Get(ctx context.Context, key string) (*token.Data, error)

	// Store writes token data with TTL bounded by the token's
	// remaining lifetime.
	Store(ctx context.Context, data *token.Data) error

	// Delete evicts a token's cache entry.
	Delete(ctx context.Context, key string) error

	// GetInternal returns the wire form of a cached internal token for
	// a mint fingerprint, or ErrNotFound.
	GetInternal(ctx context.Context, parentKey, fingerprint string) (string, error)

	// StoreInternal records the wire form of an internal token under
	// its parent key and fingerprint.
	StoreInternal(ctx context.Context, parentKey, fingerprint, wire string, ttl time.Duration) error

	// GetNotebook returns the wire form of a cached notebook token for
	// a parent key, or ErrNotFound.
	GetNotebook(ctx context.Context, parentKey string) (string, error)

	// StoreNotebook records the wire form of a notebook token under its
	// parent's key.
	StoreNotebook(ctx context.Context, parentKey, wire string, ttl time.Duration) error

	// DeleteChild drops the mint dedup entries referring to the given
	// parent key.
	DeleteChild(ctx context.Context, parentKey string) error

	// Lock attempts to take a short-lived mint lock. It reports whether
	// the lock was acquired.
	Lock(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Unlock releases a mint lock.
	Unlock(ctx context.Context, name string) error

	// Keys lists the token keys currently cached, for audit scans.
	Keys(ctx context.Context) ([]string, error)
}
