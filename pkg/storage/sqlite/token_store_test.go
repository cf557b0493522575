package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRecord(t *testing.T, username string, kind token.Kind) *storage.TokenRecord {
	t.Helper()
	tok, err := token.New()
	require.NoError(t, err)
	return &storage.TokenRecord{
		Key:        tok.Key,
		SecretHash: tok.HashSecret(),
		Username:   username,
		Kind:       kind,
		Scopes:     []string{"read:all", "user:token"},
		Created:    time.Now().UTC().Truncate(time.Millisecond),
	}
}

func createHistory(rec *storage.TokenRecord, actor string) *storage.HistoryEntry {
	return &storage.HistoryEntry{
		TokenKey:  rec.Key,
		Username:  rec.Username,
		Kind:      rec.Kind,
		TokenName: rec.TokenName,
		Parent:    rec.Parent,
		Scopes:    rec.Scopes,
		Expires:   rec.Expires,
		Actor:     actor,
		Action:    storage.ActionCreate,
		EventTime: time.Now().UTC(),
	}
}

func TestAddAndGet(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	rec := testRecord(t, "alice", token.KindSession)
	expires := rec.Created.Add(time.Hour)
	rec.Expires = &expires

	require.NoError(t, store.Add(ctx, rec, createHistory(rec, "alice")))

	got, err := store.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, rec.SecretHash, got.SecretHash)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, token.KindSession, got.Kind)
	assert.Equal(t, []string{"read:all", "user:token"}, got.Scopes)
	require.NotNil(t, got.Expires)
	assert.True(t, got.Expires.Equal(expires))
	assert.Nil(t, got.LastUsed)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)

	_, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDuplicateTokenName(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	first := testRecord(t, "bob", token.KindUser)
	first.TokenName = "ci"
	require.NoError(t, store.Add(ctx, first, createHistory(first, "bob")))

	second := testRecord(t, "bob", token.KindUser)
	second.TokenName = "ci"
	err := store.Add(ctx, second, createHistory(second, "bob"))
	assert.ErrorIs(t, err, storage.ErrDuplicateTokenName)

	// The same name under a different owner is fine.
	other := testRecord(t, "carol", token.KindUser)
	other.TokenName = "ci"
	assert.NoError(t, store.Add(ctx, other, createHistory(other, "carol")))

	records, err := store.List(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestModify(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	rec := testRecord(t, "alice", token.KindUser)
	rec.TokenName = "laptop"
	require.NoError(t, store.Add(ctx, rec, createHistory(rec, "alice")))

	newName := "desktop"
	expires := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Millisecond)
	updated, err := store.Modify(ctx, rec.Key, &storage.Modification{
		TokenName: &newName,
		Scopes:    []string{"read:all"},
		Expires:   &expires,
	}, &storage.HistoryEntry{
		TokenKey:     rec.Key,
		Username:     rec.Username,
		Kind:         rec.Kind,
		TokenName:    newName,
		Scopes:       []string{"read:all"},
		Expires:      &expires,
		Actor:        "alice",
		Action:       storage.ActionEdit,
		OldTokenName: "laptop",
		OldScopes:    rec.Scopes,
		EventTime:    time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "desktop", updated.TokenName)
	assert.Equal(t, []string{"read:all"}, updated.Scopes)
	require.NotNil(t, updated.Expires)
	assert.True(t, updated.Expires.Equal(expires))

	// ClearExpires removes the expiration entirely.
	cleared, err := store.Modify(ctx, rec.Key, &storage.Modification{ClearExpires: true}, nil)
	require.NoError(t, err)
	assert.Nil(t, cleared.Expires)

	_, err = store.Modify(ctx, "nonexistent", &storage.Modification{}, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteAndChildren(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	parent := testRecord(t, "alice", token.KindSession)
	require.NoError(t, store.Add(ctx, parent, createHistory(parent, "alice")))

	child := testRecord(t, "alice", token.KindNotebook)
	child.Parent = parent.Key
	require.NoError(t, store.Add(ctx, child, createHistory(child, "alice")))

	children, err := store.Children(ctx, parent.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{child.Key}, children)

	// The parent cannot be deleted while a child row references it.
	err = store.Delete(ctx, parent.Key, nil)
	assert.Error(t, err)

	require.NoError(t, store.Delete(ctx, child.Key, &storage.HistoryEntry{
		TokenKey:  child.Key,
		Username:  child.Username,
		Kind:      child.Kind,
		Scopes:    child.Scopes,
		Actor:     "alice",
		Action:    storage.ActionRevoke,
		EventTime: time.Now().UTC(),
	}))
	require.NoError(t, store.Delete(ctx, parent.Key, nil))

	_, err = store.Get(ctx, parent.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, parent.Key, nil), storage.ErrNotFound)
}

func TestFindChild(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	parent := testRecord(t, "alice", token.KindSession)
	require.NoError(t, store.Add(ctx, parent, nil))

	now := time.Now().UTC().Truncate(time.Millisecond)
	soon := now.Add(2 * time.Minute)
	later := now.Add(30 * time.Minute)

	expiring := testRecord(t, "alice", token.KindInternal)
	expiring.Parent = parent.Key
	expiring.Service = "nublado"
	expiring.Scopes = []string{"read:all"}
	expiring.Expires = &soon
	require.NoError(t, store.Add(ctx, expiring, nil))

	fresh := testRecord(t, "alice", token.KindInternal)
	fresh.Parent = parent.Key
	fresh.Service = "nublado"
	fresh.Scopes = []string{"read:all"}
	fresh.Expires = &later
	require.NoError(t, store.Add(ctx, fresh, nil))

	got, err := store.FindChild(ctx, &storage.ChildQuery{
		Parent:     parent.Key,
		Service:    "nublado",
		Kind:       token.KindInternal,
		Scopes:     []string{"read:all"},
		MinExpires: now.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, fresh.Key, got.Key)

	// No candidate lives long enough.
	_, err = store.FindChild(ctx, &storage.ChildQuery{
		Parent:     parent.Key,
		Service:    "nublado",
		Kind:       token.KindInternal,
		Scopes:     []string{"read:all"},
		MinExpires: now.Add(time.Hour),
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A different scope set never matches.
	_, err = store.FindChild(ctx, &storage.ChildQuery{
		Parent:     parent.Key,
		Service:    "nublado",
		Kind:       token.KindInternal,
		Scopes:     []string{"exec:admin"},
		MinExpires: now,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindChildFractionalSecondBoundary(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	parent := testRecord(t, "alice", token.KindSession)
	require.NoError(t, store.Add(ctx, parent, nil))

	// A whole-second expiry compared against a fractional cutoff in
	// the same second is where a variable-width timestamp encoding
	// breaks string ordering.
	expires := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	child := testRecord(t, "alice", token.KindInternal)
	child.Parent = parent.Key
	child.Service = "nublado"
	child.Scopes = []string{"read:all"}
	child.Expires = &expires
	require.NoError(t, store.Add(ctx, child, nil))

	q := &storage.ChildQuery{
		Parent:     parent.Key,
		Service:    "nublado",
		Kind:       token.KindInternal,
		Scopes:     []string{"read:all"},
		MinExpires: expires.Add(-500 * time.Millisecond),
	}
	got, err := store.FindChild(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, child.Key, got.Key)

	q.MinExpires = expires.Add(500 * time.Millisecond)
	_, err = store.FindChild(ctx, q)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateLastUsed(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	rec := testRecord(t, "alice", token.KindSession)
	require.NoError(t, store.Add(ctx, rec, nil))

	when := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.UpdateLastUsed(ctx, rec.Key, when))

	got, err := store.Get(ctx, rec.Key)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsed)
	assert.True(t, got.LastUsed.Equal(when))
}

func TestHistoryList(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	tokens := NewTokenStore(db)
	history := NewHistoryStore(db)
	ctx := context.Background()

	rec := testRecord(t, "alice", token.KindUser)
	rec.TokenName = "ci"
	require.NoError(t, tokens.Add(ctx, rec, createHistory(rec, "alice")))

	other := testRecord(t, "bob", token.KindSession)
	require.NoError(t, tokens.Add(ctx, other, createHistory(other, "bob")))

	require.NoError(t, tokens.Delete(ctx, rec.Key, &storage.HistoryEntry{
		TokenKey:  rec.Key,
		Username:  rec.Username,
		Kind:      rec.Kind,
		TokenName: rec.TokenName,
		Scopes:    rec.Scopes,
		Actor:     "admin",
		Action:    storage.ActionRevoke,
		IPAddress: "192.0.2.1",
		EventTime: time.Now().UTC(),
	}))

	entries, err := history.List(ctx, &storage.HistoryFilter{Username: "alice"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, storage.ActionRevoke, entries[0].Action)
	assert.Equal(t, "admin", entries[0].Actor)
	assert.Equal(t, "192.0.2.1", entries[0].IPAddress)
	assert.Equal(t, storage.ActionCreate, entries[1].Action)

	entries, err = history.List(ctx, &storage.HistoryFilter{Actor: "admin"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, rec.Key, entries[0].TokenKey)

	entries, err = history.List(ctx, &storage.HistoryFilter{TokenKey: other.Key})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].Username)

	past := time.Now().UTC().Add(-time.Hour)
	entries, err = history.List(ctx, &storage.HistoryFilter{Until: &past})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAdminStore(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewAdminStore(db)
	ctx := context.Background()

	admins, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, admins)

	require.NoError(t, store.Add(ctx, "alice", "<bootstrap>", ""))
	require.NoError(t, store.Add(ctx, "bob", "alice", "192.0.2.1"))
	// Re-adding is a no-op.
	require.NoError(t, store.Add(ctx, "alice", "bob", ""))

	admins, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, admins)

	isAdmin, err := store.Contains(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, isAdmin)
	isAdmin, err = store.Contains(ctx, "mallory")
	require.NoError(t, err)
	assert.False(t, isAdmin)

	require.NoError(t, store.Remove(ctx, "bob", "alice", ""))
	assert.ErrorIs(t, store.Remove(ctx, "bob", "alice", ""), storage.ErrNotFound)
}
