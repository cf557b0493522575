package session

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
)

func newTestStore(t *testing.T, lifetime time.Duration) *Store {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	store, err := NewStore(key, lifetime)
	require.NoError(t, err)
	return store
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, time.Hour)

	csrf, err := NewCSRF()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	state := State{
		Token:     "gt-abc.def",
		CSRF:      csrf,
		ReturnURL: "https://example.com/portal",
	}
	require.NoError(t, store.Write(rec, state))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	assert.Equal(t, CookieName, cookie.Name)
	assert.True(t, cookie.Secure)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	assert.Equal(t, state, store.Read(req))
}

func TestReadMissingCookie(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, State{}, store.Read(req))
}

func TestReadTamperedCookie(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "not-a-real-ciphertext"})
	assert.Equal(t, State{}, store.Read(req))
}

func TestReadWrongKey(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, time.Hour)
	other := newTestStore(t, time.Hour)

	rec := httptest.NewRecorder()
	require.NoError(t, store.Write(rec, State{Token: "gt-abc.def"}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(rec.Result().Cookies()[0])
	assert.Equal(t, State{}, other.Read(req))
}

func TestClear(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, time.Hour)

	rec := httptest.NewRecorder()
	store.Clear(rec)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieName, cookies[0].Name)
	assert.Empty(t, cookies[0].Value)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestNewCSRF(t *testing.T) {
	t.Parallel()

	state, err := NewCSRF()
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(state)
	require.NoError(t, err)
	assert.Len(t, raw, 16)

	other, err := NewCSRF()
	require.NoError(t, err)
	assert.NotEqual(t, state, other)
}

func TestVerifyCSRF(t *testing.T) {
	t.Parallel()

	state, err := NewCSRF()
	require.NoError(t, err)
	other, err := NewCSRF()
	require.NoError(t, err)

	assert.True(t, VerifyCSRF(state, state))
	assert.False(t, VerifyCSRF(state, other))
	assert.False(t, VerifyCSRF("", ""))
	assert.False(t, VerifyCSRF(state, ""))
}
