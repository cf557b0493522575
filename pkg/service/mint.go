package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// mintLockTTL bounds how long a crashed worker can hold a mint lock.
const mintLockTTL = 5 * time.Second

// mintLockRetry is the poll interval while waiting on another worker's
// mint.
const mintLockRetry = 50 * time.Millisecond

// MintInternal returns an internal token delegated to a service,
// reusing a live one for the same (parent, service, scopes)
// fingerprint when possible. Concurrent requests for the same
// fingerprint produce a single token.
func (s *Service) MintInternal(
	ctx context.Context, parent *token.Data, serviceName string, requested []string, ip string,
) (*token.Data, error) {
	if serviceName == "" {
		return nil, errors.NewInvalidRequestError("service name is required", nil)
	}
	if !scopes.Subset(requested, parent.Scopes) {
		return nil, errors.NewInsufficientScopeError(
			"delegated scopes exceed the authenticating token", nil)
	}

	requested = scopes.Parse(scopes.Join(requested))
	return s.mint(ctx, parent, token.KindInternal, serviceName, requested, ip)
}

// MintNotebook returns a notebook token carrying the parent's full
// scopes.
func (s *Service) MintNotebook(ctx context.Context, parent *token.Data, ip string) (*token.Data, error) {
	return s.mint(ctx, parent, token.KindNotebook, "", parent.Scopes, ip)
}

// mint is the shared mint path. Deduplication runs at three levels:
// singleflight within the process, a Redis lock across workers, and a
// database lookup for a reusable live child.
func (s *Service) mint(
	ctx context.Context, parent *token.Data, kind token.Kind, serviceName string,
	tokenScopes []string, ip string,
) (*token.Data, error) {
	fp := fingerprint(parent.Token.Key, serviceName, tokenScopes)

	result, err, _ := s.mintGroup.Do(fp, func() (any, error) {
		return s.mintLocked(ctx, parent, kind, serviceName, tokenScopes, fp, ip)
	})
	if err != nil {
		return nil, err
	}
	return result.(*token.Data), nil
}

func (s *Service) mintLocked(
	ctx context.Context, parent *token.Data, kind token.Kind, serviceName string,
	tokenScopes []string, fp, ip string,
) (*token.Data, error) {
	if data, err := s.cachedChild(ctx, parent.Token.Key, kind, fp); err == nil {
		return data, nil
	}

	// Another worker may be minting the same fingerprint. Wait for its
	// result rather than minting a duplicate.
	deadline := s.now().Add(2 * time.Second)
	for {
		acquired, err := s.cache.Lock(ctx, fp, mintLockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquiring mint lock: %w", err)
		}
		if acquired {
			break
		}
		if s.now().After(deadline) {
			return nil, errors.NewInternalError("timed out waiting for concurrent mint", nil)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(mintLockRetry):
		}
		if data, err := s.cachedChild(ctx, parent.Token.Key, kind, fp); err == nil {
			return data, nil
		}
	}
	defer func() {
		if err := s.cache.Unlock(ctx, fp); err != nil {
			logger.Warnw("failed to release mint lock", "fingerprint", fp, "error", err)
		}
	}()

	// Winner of the lock: check the cache once more, then look for a
	// reusable child in the database.
	if data, err := s.cachedChild(ctx, parent.Token.Key, kind, fp); err == nil {
		return data, nil
	}
	if data, err := s.reusableChild(ctx, parent, kind, serviceName, tokenScopes); err == nil {
		s.cacheChild(ctx, parent.Token.Key, kind, fp, data)
		return data, nil
	}

	return s.mintNew(ctx, parent, kind, serviceName, tokenScopes, fp, ip)
}

// cachedChild resolves a cached child token wire form back into full
// token data, verifying it is still live.
func (s *Service) cachedChild(ctx context.Context, parentKey string, kind token.Kind, fp string) (*token.Data, error) {
	var wire string
	var err error
	if kind == token.KindNotebook {
		wire, err = s.cache.GetNotebook(ctx, parentKey)
	} else {
		wire, err = s.cache.GetInternal(ctx, parentKey, fp)
	}
	if err != nil {
		return nil, err
	}

	tok, err := token.FromString(wire)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, tok)
}

// reusableChild looks for a live child in the database with enough
// remaining lifetime, and recovers its secret from the cache. A child
// whose cache entry has lapsed cannot be reused.
func (s *Service) reusableChild(
	ctx context.Context, parent *token.Data, kind token.Kind, serviceName string, tokenScopes []string,
) (*token.Data, error) {
	minExpires := s.now().Add(s.mintLifetime / 2)
	if parent.Expires != nil && parent.Expires.Before(minExpires) {
		minExpires = *parent.Expires
	}

	rec, err := s.tokens.FindChild(ctx, &storage.ChildQuery{
		Parent:     parent.Token.Key,
		Service:    serviceName,
		Kind:       kind,
		Scopes:     tokenScopes,
		MinExpires: minExpires,
	})
	if err != nil {
		return nil, err
	}

	data, err := s.cache.Get(ctx, rec.Key)
	if err != nil {
		return nil, err
	}
	if data.Expired(s.now()) {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

// mintNew creates and persists a fresh child token.
func (s *Service) mintNew(
	ctx context.Context, parent *token.Data, kind token.Kind, serviceName string,
	tokenScopes []string, fp, ip string,
) (*token.Data, error) {
	now := s.now().UTC()

	expires := now.Add(s.mintLifetime)
	if parent.Expires != nil {
		// Stay inside the parent's lifetime with a safety margin, so a
		// delegated token never outlives the credential it came from.
		limit := parent.Expires.Add(-token.MinimumLifetime)
		if limit.Before(expires) {
			expires = limit
		}
		if !expires.After(now) {
			return nil, errors.NewTokenExpiredError(
				"authenticating token expires too soon to delegate", nil)
		}
	}

	tok, err := token.New()
	if err != nil {
		return nil, err
	}
	data := &token.Data{
		Token:    tok,
		Username: parent.Username,
		Kind:     kind,
		Scopes:   tokenScopes,
		Created:  now,
		Expires:  &expires,
		Name:     parent.Name,
		Email:    parent.Email,
		UID:      parent.UID,
		Groups:   parent.Groups,
	}

	if err := s.persist(ctx, data, "", parent.Token.Key, serviceName, parent.Username, ip); err != nil {
		return nil, err
	}

	s.cacheChild(ctx, parent.Token.Key, kind, fp, data)
	return data, nil
}

// cacheChild records the mint dedup entry for a child token.
func (s *Service) cacheChild(ctx context.Context, parentKey string, kind token.Kind, fp string, data *token.Data) {
	ttl := s.mintLifetime
	if data.Expires != nil {
		remaining := data.Expires.Sub(s.now()) - token.MinimumLifetime
		if remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}

	var err error
	if kind == token.KindNotebook {
		err = s.cache.StoreNotebook(ctx, parentKey, data.Token.String(), ttl)
	} else {
		err = s.cache.StoreInternal(ctx, parentKey, fp, data.Token.String(), ttl)
	}
	if err != nil {
		logger.Warnw("failed to cache child token", "parent", parentKey, "error", err)
	}
}

// fingerprint keys mint deduplication on the parent, service, and
// sorted scope set.
func fingerprint(parentKey, serviceName string, tokenScopes []string) string {
	sum := sha256.Sum256([]byte(parentKey + "\x00" + serviceName + "\x00" + scopes.Join(tokenScopes)))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
