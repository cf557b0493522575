package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/scopes"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/rediscache"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

type fixture struct {
	svc    *Service
	tokens *sqlite.TokenStore
	admins *sqlite.AdminStore
	cache  *rediscache.Cache
	redis  *miniredis.Miniredis
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

	tokens := sqlite.NewTokenStore(db)
	admins := sqlite.NewAdminStore(db)
	svc := New(tokens, sqlite.NewHistoryStore(db), admins, cache, Options{
		SessionLifetime: time.Hour,
		MintLifetime:    30 * time.Minute,
		KnownScopes: map[string]string{
			"admin:token":   "Can administer tokens",
			"exec:notebook": "Can spawn a notebook",
			"read:all":      "Can read anything",
			"user:token":    "Can manage one's own tokens",
		},
	})
	return &fixture{svc: svc, tokens: tokens, admins: admins, cache: cache, redis: mr}
}

func alice() *token.UserInfo {
	return &token.UserInfo{
		Username: "alice",
		Name:     "Alice Example",
		Email:    "alice@example.com",
		UID:      4510,
		Groups:   []token.Group{{Name: "science", ID: 200}},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	data, err := f.svc.CreateSession(ctx, alice(), []string{"read:all", "user:token"}, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, token.KindSession, data.Kind)
	require.NotNil(t, data.Expires)

	// Cache hit: identity travels with the token.
	got, err := f.svc.Get(ctx, data.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "Alice Example", got.Name)
	assert.Equal(t, []token.Group{{Name: "science", ID: 200}}, got.Groups)

	// Cache miss: the SQL record authenticates the token but carries no
	// identity details.
	f.redis.FlushAll()
	got, err = f.svc.Get(ctx, data.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, data.Scopes, got.Scopes)
	assert.Empty(t, got.Name)
	assert.Empty(t, got.Groups)

	// The read-through re-populated the cache.
	_, err = f.cache.Get(ctx, data.Token.Key)
	require.NoError(t, err)

	info, err := f.svc.GetInfo(ctx, data.Token.Key)
	require.NoError(t, err)
	assert.Equal(t, token.KindSession, info.Kind)
}

func TestSessionAdminOverlay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.admins.Add(ctx, "alice", "admin", "10.0.0.1"))

	data, err := f.svc.CreateSession(ctx, alice(), []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, data.HasScope(scopes.AdminToken))
}

func TestGetRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	data, err := f.svc.CreateSession(ctx, alice(), []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)

	// Wrong secret against the cached entry.
	wrong := token.Token{Key: data.Token.Key, Secret: "not-the-real-secret-xx"}
	_, err = f.svc.Get(ctx, wrong)
	assert.True(t, errors.IsInvalidCredentials(err))

	// Wrong secret against the SQL record.
	f.redis.FlushAll()
	_, err = f.svc.Get(ctx, wrong)
	assert.True(t, errors.IsInvalidCredentials(err))

	// Unknown token entirely.
	unknown, err := token.New()
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, unknown)
	assert.True(t, errors.IsInvalidCredentials(err))
}

func TestGetBackendUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	data, err := f.svc.CreateSession(ctx, alice(), []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)

	// A dead cache backend is an infrastructure failure, not a bad
	// credential.
	f.redis.Close()
	_, err = f.svc.Get(ctx, data.Token)
	require.Error(t, err)
	assert.True(t, errors.IsUnavailable(err))
	assert.False(t, errors.IsInvalidCredentials(err))
}

func TestGetExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	data, err := f.svc.CreateSession(ctx, alice(), []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = f.svc.Get(ctx, data.Token)
	assert.True(t, errors.IsTokenExpired(err))
}

func TestCreateUserValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"read:all", "user:token"}, "10.0.0.1")
	require.NoError(t, err)

	_, err = f.svc.CreateUser(ctx, session, "", []string{"read:all"}, nil, "alice", "10.0.0.1")
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = f.svc.CreateUser(ctx, session, "laptop", []string{"no:such"}, nil, "alice", "10.0.0.1")
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = f.svc.CreateUser(ctx, session, "laptop", []string{"exec:notebook"}, nil, "alice", "10.0.0.1")
	assert.True(t, errors.IsInsufficientScope(err))

	soon := time.Now().Add(time.Minute)
	_, err = f.svc.CreateUser(ctx, session, "laptop", []string{"read:all"}, &soon, "alice", "10.0.0.1")
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestCreateUserDuplicateName(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"read:all", "user:token"}, "10.0.0.1")
	require.NoError(t, err)

	first, err := f.svc.CreateUser(ctx, session, "laptop", []string{"read:all"}, nil, "alice", "10.0.0.1")
	require.NoError(t, err)

	_, err = f.svc.CreateUser(ctx, session, "laptop", []string{"read:all"}, nil, "alice", "10.0.0.1")
	assert.True(t, errors.IsDuplicateTokenName(err))

	// The failed insert must not leave a cache entry behind.
	f.redis.FlushAll()
	_, err = f.svc.Get(ctx, first.Token)
	require.NoError(t, err)
}

func TestMintInternalReuse(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"read:all", "user:token"}, "10.0.0.1")
	require.NoError(t, err)

	first, err := f.svc.MintInternal(ctx, session, "tap", []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, token.KindInternal, first.Kind)
	assert.Equal(t, []string{"read:all"}, first.Scopes)

	second, err := f.svc.MintInternal(ctx, session, "tap", []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token)

	// A different service gets its own token.
	other, err := f.svc.MintInternal(ctx, session, "cutouts", []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Token.Key, other.Token.Key)

	keys, err := f.tokens.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestMintInternalSingleFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"read:all", "user:token"}, "10.0.0.1")
	require.NoError(t, err)

	const workers = 10
	results := make([]*token.Data, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := f.svc.MintInternal(ctx, session, "tap", []string{"read:all"}, "10.0.0.1")
			assert.NoError(t, err)
			results[i] = data
		}()
	}
	wg.Wait()

	for _, data := range results {
		require.NotNil(t, data)
		assert.Equal(t, results[0].Token, data.Token)
	}

	// One session row plus exactly one minted child.
	keys, err := f.tokens.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestMintInternalScopeSubset(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)

	_, err = f.svc.MintInternal(ctx, session, "tap", []string{"exec:notebook"}, "10.0.0.1")
	assert.True(t, errors.IsInsufficientScope(err))
}

func TestMintNotebook(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"exec:notebook", "read:all", "user:token"}, "10.0.0.1")
	require.NoError(t, err)

	nb, err := f.svc.MintNotebook(ctx, session, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, token.KindNotebook, nb.Kind)
	assert.Equal(t, session.Scopes, nb.Scopes)
	assert.Equal(t, "alice", nb.Username)
	assert.Equal(t, "Alice Example", nb.Name)

	again, err := f.svc.MintNotebook(ctx, session, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, nb.Token, again.Token)
}

func TestMintExpiryCappedByParent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	f.svc.now = func() time.Time { return base }

	// Parent expires in 20 minutes; the mint lifetime of 30 minutes must
	// be pulled back to parent minus the safety margin.
	session, err := f.svc.CreateSession(ctx, alice(), []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)
	parentExpires := base.Add(20 * time.Minute)
	session.Expires = &parentExpires

	child, err := f.svc.MintInternal(ctx, session, "tap", []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, child.Expires)
	assert.Equal(t, parentExpires.Add(-token.MinimumLifetime), *child.Expires)
}

func TestMintParentExpiringSoon(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)
	soon := time.Now().Add(3 * time.Minute)
	session.Expires = &soon

	_, err = f.svc.MintInternal(ctx, session, "tap", []string{"read:all"}, "10.0.0.1")
	assert.True(t, errors.IsTokenExpired(err))
}

func TestRevokeCascade(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"exec:notebook", "read:all", "user:token"}, "10.0.0.1")
	require.NoError(t, err)
	nb, err := f.svc.MintNotebook(ctx, session, "10.0.0.1")
	require.NoError(t, err)
	internal, err := f.svc.MintInternal(ctx, nb, "tap", []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, session.Token.Key, "alice", "10.0.0.1"))

	for _, tok := range []token.Token{session.Token, nb.Token, internal.Token} {
		_, err := f.svc.Get(ctx, tok)
		assert.True(t, errors.IsInvalidCredentials(err))
	}
	keys, err := f.tokens.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	// The mint dedup entries are gone: a fresh session cannot collide.
	_, err = f.cache.GetNotebook(ctx, session.Token.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// One revoke history row per deleted token.
	entries, err := f.svc.History(ctx, &storage.HistoryFilter{Username: "alice"})
	require.NoError(t, err)
	revoked := 0
	for _, entry := range entries {
		if entry.Action == storage.ActionRevoke {
			revoked++
		}
	}
	assert.Equal(t, 3, revoked)
}

func TestRevokeNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.svc.Revoke(context.Background(), "nonexistent", "alice", "10.0.0.1")
	assert.True(t, errors.IsNotFound(err))
}

func TestModify(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"read:all", "user:token"}, "10.0.0.1")
	require.NoError(t, err)
	user, err := f.svc.CreateUser(ctx, session, "laptop", []string{"read:all"}, nil, "alice", "10.0.0.1")
	require.NoError(t, err)

	newName := "desktop"
	info, err := f.svc.Modify(ctx, user.Token.Key, &storage.Modification{
		TokenName: &newName,
		Scopes:    []string{"read:all", "user:token"},
	}, "alice", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "desktop", info.TokenName)
	assert.Equal(t, []string{"read:all", "user:token"}, info.Scopes)

	// Session tokens are not modifiable.
	_, err = f.svc.Modify(ctx, session.Token.Key, &storage.Modification{TokenName: &newName}, "alice", "10.0.0.1")
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestModifyDuplicateName(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"read:all", "user:token"}, "10.0.0.1")
	require.NoError(t, err)
	_, err = f.svc.CreateUser(ctx, session, "laptop", []string{"read:all"}, nil, "alice", "10.0.0.1")
	require.NoError(t, err)
	other, err := f.svc.CreateUser(ctx, session, "desktop", []string{"read:all"}, nil, "alice", "10.0.0.1")
	require.NoError(t, err)

	taken := "laptop"
	_, err = f.svc.Modify(ctx, other.Token.Key, &storage.Modification{TokenName: &taken}, "alice", "10.0.0.1")
	assert.True(t, errors.IsDuplicateTokenName(err))
}

func TestModifyTightensChildren(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"read:all", "user:token"}, "10.0.0.1")
	require.NoError(t, err)
	farOut := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	user, err := f.svc.CreateUser(ctx, session, "laptop", []string{"read:all"}, &farOut, "alice", "10.0.0.1")
	require.NoError(t, err)
	child, err := f.svc.MintInternal(ctx, user, "tap", []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)

	// Force the child's recorded expiration past the new parent one.
	longer := farOut.Add(-time.Hour)
	_, err = f.tokens.Modify(ctx, child.Token.Key, &storage.Modification{Expires: &farOut},
		&storage.HistoryEntry{
			TokenKey: child.Token.Key, Username: "alice", Kind: token.KindInternal,
			Actor: "alice", Action: storage.ActionEdit, EventTime: time.Now().UTC(),
		})
	require.NoError(t, err)

	_, err = f.svc.Modify(ctx, user.Token.Key, &storage.Modification{Expires: &longer}, "alice", "10.0.0.1")
	require.NoError(t, err)

	rec, err := f.tokens.Get(ctx, child.Token.Key)
	require.NoError(t, err)
	require.NotNil(t, rec.Expires)
	assert.Equal(t, longer, rec.Expires.UTC())
}

func TestAudit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)

	report, err := f.svc.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 1, report.Checked)

	// A cache entry whose row vanished underneath it is drift.
	orphan, err := token.New()
	require.NoError(t, err)
	require.NoError(t, f.cache.Store(ctx, &token.Data{
		Token:    orphan,
		Username: "alice",
		Kind:     token.KindSession,
		Scopes:   []string{"read:all"},
		Created:  time.Now().UTC(),
	}))

	report, err = f.svc.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan.Key}, report.OrphanedCache)

	// An expired row that was never purged is drift too.
	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	report, err = f.svc.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{session.Token.Key}, report.ExpiredRows)
}

func TestExpireTokens(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, alice(), []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)
	child, err := f.svc.MintInternal(ctx, session, "tap", []string{"read:all"}, "10.0.0.1")
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	// First pass removes the child; the parent still has a live row
	// referencing it at scan time, then goes on the second pass.
	n, err := f.svc.ExpireTokens(ctx)
	require.NoError(t, err)
	n2, err := f.svc.ExpireTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n+n2)

	keys, err := f.tokens.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	entries, err := f.svc.History(ctx, &storage.HistoryFilter{TokenKey: child.Token.Key})
	require.NoError(t, err)
	expired := 0
	for _, entry := range entries {
		if entry.Action == storage.ActionExpire {
			expired++
		}
	}
	assert.Equal(t, 1, expired)
}
