// Package service implements the token lifecycle manager: creation,
// authentication lookup, modification, cascade revocation, and the
// on-demand minting of notebook and internal tokens.
package service

import (
	"context"
	"crypto/subtle"
	goerrors "errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Options configures a token Service.
type Options struct {
	// SessionLifetime bounds session and notebook tokens.
	SessionLifetime time.Duration

	// MintLifetime bounds internal tokens.
	MintLifetime time.Duration

	// KnownScopes is the set of recognized scopes.
	KnownScopes map[string]string
}

// Service is the token lifecycle manager. The cache serves the
// authentication fast path; SQL is the source of truth for
// enumeration, ownership, and history.
type Service struct {
	tokens  storage.TokenStore
	history storage.HistoryStore
	admins  storage.AdminStore
	cache   storage.TokenCache

	sessionLifetime time.Duration
	mintLifetime    time.Duration
	knownScopes     map[string]string

	mintGroup singleflight.Group
	now       func() time.Time
}

// New creates a token Service on the given stores.
func New(
	tokens storage.TokenStore,
	history storage.HistoryStore,
	admins storage.AdminStore,
	cache storage.TokenCache,
	opts Options,
) *Service {
	return &Service{
		tokens:          tokens,
		history:         history,
		admins:          admins,
		cache:           cache,
		sessionLifetime: opts.SessionLifetime,
		mintLifetime:    opts.MintLifetime,
		knownScopes:     opts.KnownScopes,
		now:             time.Now,
	}
}

// CreateSession creates the session token for a completed upstream
// login. The admin:token overlay is applied here, when the admin list
// is consulted.
func (s *Service) CreateSession(
	ctx context.Context, info *token.UserInfo, tokenScopes []string, ip string,
) (*token.Data, error) {
	isAdmin, err := s.admins.Contains(ctx, info.Username)
	if err != nil {
		return nil, fmt.Errorf("checking admin list: %w", err)
	}
	if isAdmin && !scopes.Contains(tokenScopes, scopes.AdminToken) {
		tokenScopes = append([]string{scopes.AdminToken}, tokenScopes...)
	}

	tok, err := token.New()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	expires := now.Add(s.sessionLifetime)
	data := &token.Data{
		Token:    tok,
		Username: info.Username,
		Kind:     token.KindSession,
		Scopes:   tokenScopes,
		Created:  now,
		Expires:  &expires,
		Name:     info.Name,
		Email:    info.Email,
		UID:      info.UID,
		Groups:   info.Groups,
	}

	if err := s.persist(ctx, data, "", "", "", info.Username, ip); err != nil {
		return nil, err
	}
	return data, nil
}

// CreateUser creates a named user token for scripted access. The
// caller is responsible for authorization; scopes must be a subset of
// the granting token's scopes.
func (s *Service) CreateUser(
	ctx context.Context, auth *token.Data, tokenName string, tokenScopes []string,
	expires *time.Time, actor, ip string,
) (*token.Data, error) {
	if tokenName == "" {
		return nil, errors.NewInvalidRequestError("token name is required", nil)
	}
	if err := s.checkScopes(tokenScopes); err != nil {
		return nil, err
	}
	if !scopes.Subset(tokenScopes, auth.Scopes) {
		return nil, errors.NewInsufficientScopeError("requested scopes exceed authenticating token", nil)
	}
	if err := s.checkExpires(expires); err != nil {
		return nil, err
	}

	tok, err := token.New()
	if err != nil {
		return nil, err
	}
	data := &token.Data{
		Token:    tok,
		Username: auth.Username,
		Kind:     token.KindUser,
		Scopes:   tokenScopes,
		Created:  s.now().UTC(),
		Expires:  expires,
		Name:     auth.Name,
		Email:    auth.Email,
		UID:      auth.UID,
		Groups:   auth.Groups,
	}

	if err := s.persist(ctx, data, tokenName, "", "", actor, ip); err != nil {
		return nil, err
	}
	return data, nil
}

// CreateService creates an admin-created service token for a
// standalone service identity.
func (s *Service) CreateService(
	ctx context.Context, username string, tokenScopes []string,
	expires *time.Time, actor, ip string,
) (*token.Data, error) {
	if !token.UsernameRegexp.MatchString(username) {
		return nil, errors.NewInvalidRequestError(fmt.Sprintf("invalid username %q", username), nil)
	}
	if err := s.checkScopes(tokenScopes); err != nil {
		return nil, err
	}
	if err := s.checkExpires(expires); err != nil {
		return nil, err
	}

	tok, err := token.New()
	if err != nil {
		return nil, err
	}
	data := &token.Data{
		Token:    tok,
		Username: username,
		Kind:     token.KindService,
		Scopes:   tokenScopes,
		Created:  s.now().UTC(),
		Expires:  expires,
	}

	if err := s.persist(ctx, data, "", "", "", actor, ip); err != nil {
		return nil, err
	}
	return data, nil
}

// Get resolves a presented token into its data, for the authentication
// fast path. The cache is consulted first; on a miss the SQL record is
// verified against the secret hash and the cache re-populated.
func (s *Service) Get(ctx context.Context, tok token.Token) (*token.Data, error) {
	now := s.now()

	data, err := retryRead(ctx, func() (*token.Data, error) {
		return s.cache.Get(ctx, tok.Key)
	})
	if err == nil {
		if subtle.ConstantTimeCompare([]byte(data.Token.Secret), []byte(tok.Secret)) != 1 {
			return nil, errors.NewInvalidCredentialsError("token secret mismatch", nil)
		}
		if data.Expired(now) {
			return nil, errors.NewTokenExpiredError("token has expired", nil)
		}
		s.touch(ctx, tok.Key, now)
		return data, nil
	}
	if !goerrors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("reading token cache: %w", err)
	}

	rec, err := retryRead(ctx, func() (*storage.TokenRecord, error) {
		return s.tokens.Get(ctx, tok.Key)
	})
	if err != nil {
		if goerrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewInvalidCredentialsError("unknown token", nil)
		}
		return nil, fmt.Errorf("reading token record: %w", err)
	}
	if !tok.VerifySecret(rec.SecretHash) {
		return nil, errors.NewInvalidCredentialsError("token secret mismatch", nil)
	}
	if rec.Expires != nil && !rec.Expires.After(now) {
		return nil, errors.NewTokenExpiredError("token has expired", nil)
	}

	data = &token.Data{
		Token:    tok,
		Username: rec.Username,
		Kind:     rec.Kind,
		Scopes:   rec.Scopes,
		Created:  rec.Created,
		Expires:  rec.Expires,
	}
	if err := s.cache.Store(ctx, data); err != nil {
		logger.Warnw("failed to re-populate token cache", "key", tok.Key, "error", err)
	}
	s.touch(ctx, tok.Key, now)
	return data, nil
}

// GetInfo returns the public projection of a token record.
func (s *Service) GetInfo(ctx context.Context, key string) (*token.Info, error) {
	rec, err := s.tokens.Get(ctx, key)
	if err != nil {
		if goerrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("token not found", nil)
		}
		return nil, fmt.Errorf("reading token record: %w", err)
	}
	return rec.Info(), nil
}

// List returns token info for all of a user's tokens, or every token
// when username is empty.
func (s *Service) List(ctx context.Context, username string) ([]*token.Info, error) {
	records, err := s.tokens.List(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	infos := make([]*token.Info, 0, len(records))
	for _, rec := range records {
		infos = append(infos, rec.Info())
	}
	return infos, nil
}

// Modify changes the mutable fields of a user token. Only user tokens
// may be modified. Shortening the expiration tightens any subtoken
// whose expiration would exceed the new one.
func (s *Service) Modify(
	ctx context.Context, key string, mod *storage.Modification, actor, ip string,
) (*token.Info, error) {
	rec, err := s.tokens.Get(ctx, key)
	if err != nil {
		if goerrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("token not found", nil)
		}
		return nil, fmt.Errorf("reading token record: %w", err)
	}
	if rec.Kind != token.KindUser {
		return nil, errors.NewInvalidRequestError(
			fmt.Sprintf("only user tokens may be modified, not %s tokens", rec.Kind), nil)
	}
	if mod.Scopes != nil {
		if err := s.checkScopes(mod.Scopes); err != nil {
			return nil, err
		}
	}
	if mod.Expires != nil && !mod.ClearExpires {
		if err := s.checkExpires(mod.Expires); err != nil {
			return nil, err
		}
	}

	history := &storage.HistoryEntry{
		TokenKey:  key,
		Username:  rec.Username,
		Kind:      rec.Kind,
		Actor:     actor,
		Action:    storage.ActionEdit,
		IPAddress: ip,
		EventTime: s.now().UTC(),
	}
	if mod.TokenName != nil && *mod.TokenName != rec.TokenName {
		history.OldTokenName = rec.TokenName
	}
	if mod.Scopes != nil {
		history.OldScopes = rec.Scopes
	}
	if mod.ClearExpires || mod.Expires != nil {
		history.OldExpires = rec.Expires
	}

	updated, err := s.tokens.Modify(ctx, key, mod, fillHistory(history, rec, mod))
	if err != nil {
		if goerrors.Is(err, storage.ErrDuplicateTokenName) {
			return nil, errors.NewDuplicateTokenNameError("token name already in use", err)
		}
		if goerrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("token not found", nil)
		}
		return nil, fmt.Errorf("modifying token: %w", err)
	}

	if err := s.cache.Delete(ctx, key); err != nil {
		logger.Warnw("failed to evict modified token from cache", "key", key, "error", err)
	}

	// Tightening the parent's expiration pulls in its descendants.
	if updated.Expires != nil && (rec.Expires == nil || updated.Expires.Before(*rec.Expires)) {
		if err := s.tightenChildren(ctx, key, *updated.Expires, actor, ip); err != nil {
			return nil, err
		}
	}

	return updated.Info(), nil
}

// Revoke deletes a token and all of its descendants. The cascade runs
// depth-first with cache eviction before SQL deletion on each
// descendant, so no live cache entry outlives its row.
func (s *Service) Revoke(ctx context.Context, key string, actor, ip string) error {
	rec, err := s.tokens.Get(ctx, key)
	if err != nil {
		if goerrors.Is(err, storage.ErrNotFound) {
			return errors.NewNotFoundError("token not found", nil)
		}
		return fmt.Errorf("reading token record: %w", err)
	}

	// Collect the subtree breadth-first, then delete in reverse so
	// children always go before their parents.
	order := []string{key}
	for i := 0; i < len(order); i++ {
		children, err := s.tokens.Children(ctx, order[i])
		if err != nil {
			return fmt.Errorf("listing children of %s: %w", order[i], err)
		}
		order = append(order, children...)
	}

	now := s.now().UTC()
	for i := len(order) - 1; i >= 0; i-- {
		nodeKey := order[i]
		node := rec
		if nodeKey != key {
			node, err = s.tokens.Get(ctx, nodeKey)
			if err != nil {
				if goerrors.Is(err, storage.ErrNotFound) {
					continue
				}
				return fmt.Errorf("reading token record: %w", err)
			}
		}

		if err := s.cache.Delete(ctx, nodeKey); err != nil {
			return fmt.Errorf("evicting token %s from cache: %w", nodeKey, err)
		}
		if err := s.cache.DeleteChild(ctx, nodeKey); err != nil {
			logger.Warnw("failed to drop mint dedup entries", "key", nodeKey, "error", err)
		}

		err = s.tokens.Delete(ctx, nodeKey, &storage.HistoryEntry{
			TokenKey:  nodeKey,
			Username:  node.Username,
			Kind:      node.Kind,
			TokenName: node.TokenName,
			Parent:    node.Parent,
			Scopes:    node.Scopes,
			Service:   node.Service,
			Expires:   node.Expires,
			Actor:     actor,
			Action:    storage.ActionRevoke,
			IPAddress: ip,
			EventTime: now,
		})
		if err != nil && !goerrors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("deleting token %s: %w", nodeKey, err)
		}
	}

	return nil
}

// History lists the change history matching the filter.
func (s *Service) History(ctx context.Context, filter *storage.HistoryFilter) ([]*storage.HistoryEntry, error) {
	entries, err := s.history.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return entries, nil
}

// persist runs the canonical creation sequence: cache write first, then
// the SQL row and its history entry in one transaction.
func (s *Service) persist(
	ctx context.Context, data *token.Data, tokenName, parent, service, actor, ip string,
) error {
	err := retryOp(ctx, func() error { return s.cache.Store(ctx, data) })
	if err != nil {
		return fmt.Errorf("caching token: %w", err)
	}

	rec := &storage.TokenRecord{
		Key:        data.Token.Key,
		SecretHash: data.Token.HashSecret(),
		Username:   data.Username,
		Kind:       data.Kind,
		TokenName:  tokenName,
		Scopes:     data.Scopes,
		Service:    service,
		Created:    data.Created,
		Expires:    data.Expires,
		Parent:     parent,
	}
	history := &storage.HistoryEntry{
		TokenKey:  data.Token.Key,
		Username:  data.Username,
		Kind:      data.Kind,
		TokenName: tokenName,
		Parent:    parent,
		Scopes:    data.Scopes,
		Service:   service,
		Expires:   data.Expires,
		Actor:     actor,
		Action:    storage.ActionCreate,
		IPAddress: ip,
		EventTime: data.Created,
	}

	if err := s.tokens.Add(ctx, rec, history); err != nil {
		// The cache entry must not outlive a failed SQL insert.
		if cacheErr := s.cache.Delete(ctx, data.Token.Key); cacheErr != nil {
			logger.Warnw("failed to evict token after insert failure",
				"key", data.Token.Key, "error", cacheErr)
		}
		if goerrors.Is(err, storage.ErrDuplicateTokenName) {
			return errors.NewDuplicateTokenNameError("token name already in use", err)
		}
		return fmt.Errorf("storing token: %w", err)
	}

	return nil
}

// tightenChildren walks the descendants of key and pulls any later
// expiration back to the parent's new one.
func (s *Service) tightenChildren(ctx context.Context, key string, expires time.Time, actor, ip string) error {
	children, err := s.tokens.Children(ctx, key)
	if err != nil {
		return fmt.Errorf("listing children of %s: %w", key, err)
	}

	for _, childKey := range children {
		child, err := s.tokens.Get(ctx, childKey)
		if err != nil {
			if goerrors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("reading token record: %w", err)
		}
		if child.Expires != nil && !child.Expires.After(expires) {
			continue
		}

		_, err = s.tokens.Modify(ctx, childKey, &storage.Modification{Expires: &expires},
			&storage.HistoryEntry{
				TokenKey:   childKey,
				Username:   child.Username,
				Kind:       child.Kind,
				Parent:     child.Parent,
				Scopes:     child.Scopes,
				Service:    child.Service,
				Expires:    &expires,
				Actor:      actor,
				Action:     storage.ActionEdit,
				OldExpires: child.Expires,
				IPAddress:  ip,
				EventTime:  s.now().UTC(),
			})
		if err != nil && !goerrors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("tightening child %s: %w", childKey, err)
		}
		if err := s.cache.Delete(ctx, childKey); err != nil {
			logger.Warnw("failed to evict tightened token from cache", "key", childKey, "error", err)
		}

		if err := s.tightenChildren(ctx, childKey, expires, actor, ip); err != nil {
			return err
		}
	}

	return nil
}

// touch records when the token last authenticated a request. Failures
// are logged, never surfaced: last-used is advisory.
func (s *Service) touch(ctx context.Context, key string, when time.Time) {
	if err := s.tokens.UpdateLastUsed(ctx, key, when); err != nil {
		logger.Debugw("failed to update last_used", "key", key, "error", err)
	}
}

func (s *Service) checkScopes(tokenScopes []string) error {
	for _, scope := range tokenScopes {
		if _, ok := s.knownScopes[scope]; !ok {
			return errors.NewInvalidRequestError(fmt.Sprintf("unknown scope %q", scope), nil)
		}
	}
	return nil
}

func (s *Service) checkExpires(expires *time.Time) error {
	if expires == nil {
		return nil
	}
	if expires.Before(s.now().Add(token.MinimumLifetime)) {
		return errors.NewInvalidRequestError(
			fmt.Sprintf("expiration must be at least %s away", token.MinimumLifetime), nil)
	}
	return nil
}

// fillHistory completes an edit history entry with the post-mutation
// values.
func fillHistory(history *storage.HistoryEntry, rec *storage.TokenRecord, mod *storage.Modification) *storage.HistoryEntry {
	history.TokenName = rec.TokenName
	if mod.TokenName != nil {
		history.TokenName = *mod.TokenName
	}
	history.Scopes = rec.Scopes
	if mod.Scopes != nil {
		history.Scopes = mod.Scopes
	}
	history.Expires = rec.Expires
	if mod.ClearExpires {
		history.Expires = nil
	} else if mod.Expires != nil {
		history.Expires = mod.Expires
	}
	return history
}
