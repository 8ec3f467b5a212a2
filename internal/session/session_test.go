package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/t1p-app/companion/internal/clock"
	"github.com/t1p-app/companion/internal/store"
)

var now = time.Date(2026, time.October, 18, 10, 0, 0, 0, time.UTC)

type fakeRefresher struct {
	calls int
	out   *Session
	err   error
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (*Session, error) {
	f.calls++
	return f.out, f.err
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix(), "email": "a@b.c"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

func newManager(kv store.KV, r Refresher) *Manager {
	return NewManager(kv, r, clock.Fixed(now), time.Minute, nil)
}

func TestSyncPersistsFieldsVerbatim(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	exp := int64(1760000000)
	m := newManager(kv, nil)

	require.NoError(t, m.Sync(ctx, SyncRequest{Token: "tok", RefreshToken: "ref", Email: "a@b.c", Expiry: &exp}))

	for key, want := range map[string]string{
		store.KeyUserToken:     "tok",
		store.KeyRefreshToken:  "ref",
		store.KeyUserEmail:     "a@b.c",
		store.KeySessionExpiry: "1760000000",
	} {
		got, err := kv.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, want, got, key)
	}
}

func TestSyncOmitsAbsentOptionalFields(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, newManager(kv, nil).Sync(ctx, SyncRequest{Token: "tok"}))
	_, err := kv.Get(ctx, store.KeyRefreshToken)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = kv.Get(ctx, store.KeySessionExpiry)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncRequiresToken(t *testing.T) {
	err := newManager(store.NewMemory(), nil).Sync(context.Background(), SyncRequest{Email: "a@b.c"})
	require.ErrorIs(t, err, ErrTokenRequired)
}

func TestResyncWithoutOptionalFieldsDropsPreviousSession(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	refresher := &fakeRefresher{out: &Session{Token: "previous-account", Expiry: now.Add(time.Hour)}}
	m := newManager(kv, refresher)

	stale := now.Add(-time.Hour).Unix()
	require.NoError(t, m.Sync(ctx, SyncRequest{Token: signed(t, now.Add(-time.Hour)), RefreshToken: "old-ref", Email: "old@b.c", Expiry: &stale}))

	fresh := signed(t, now.Add(time.Hour))
	require.NoError(t, m.Sync(ctx, SyncRequest{Token: fresh}))

	s, err := m.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, fresh, s.Token)
	require.Equal(t, now.Add(time.Hour).Unix(), s.Expiry.Unix(), "expiry comes from the new token")
	require.Empty(t, s.Email)
	require.Zero(t, refresher.calls)

	for _, key := range []string{store.KeyRefreshToken, store.KeyUserEmail, store.KeySessionExpiry} {
		_, err := kv.Get(ctx, key)
		require.ErrorIs(t, err, store.ErrNotFound, key)
	}
	stored, err := kv.Get(ctx, store.KeyUserToken)
	require.NoError(t, err)
	require.Equal(t, fresh, stored)
}

func TestPeekHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	refresher := &fakeRefresher{err: errors.New("refresh endpoint down")}
	m := newManager(kv, refresher)

	_, err := m.Peek(ctx)
	require.ErrorIs(t, err, ErrNoSession)

	exp := now.Add(-time.Hour).Unix()
	require.NoError(t, m.Sync(ctx, SyncRequest{Token: "tok", RefreshToken: "ref", Email: "a@b.c", Expiry: &exp}))

	s, err := m.Peek(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok", s.Token)
	require.True(t, s.Expired(now, 0))
	require.True(t, m.Usable(s), "refreshable")
	require.Zero(t, refresher.calls)

	stored, err := kv.Get(ctx, store.KeyUserToken)
	require.NoError(t, err)
	require.Equal(t, "tok", stored)

	require.False(t, newManager(kv, nil).Usable(s))
}

func TestCurrentAbsent(t *testing.T) {
	_, err := newManager(store.NewMemory(), nil).Current(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
}

func TestCurrentValid(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, map[string]string{
		store.KeyUserToken:     "tok",
		store.KeyUserEmail:     "a@b.c",
		store.KeySessionExpiry: "1960000000",
	}))
	s, err := newManager(kv, nil).Current(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok", s.Token)
	require.Equal(t, "a@b.c", s.Email)
}

func TestCurrentOpaqueTokenWithoutExpiry(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, map[string]string{store.KeyUserToken: "opaque"}))
	s, err := newManager(kv, nil).Current(ctx)
	require.NoError(t, err)
	require.True(t, s.Expiry.IsZero())
}

func TestCurrentReadsExpiryFromJWT(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, map[string]string{store.KeyUserToken: signed(t, now.Add(30*time.Second))}))

	// inside the 60s buffer and nothing to refresh with
	_, err := newManager(kv, nil).Current(ctx)
	require.ErrorIs(t, err, ErrNoSession)
	_, err = kv.Get(ctx, store.KeyUserToken)
	require.ErrorIs(t, err, store.ErrNotFound, "expired session must be cleared")
}

func TestCurrentRefreshesExpiredSession(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, map[string]string{
		store.KeyUserToken:     "old",
		store.KeyRefreshToken:  "ref",
		store.KeyUserEmail:     "a@b.c",
		store.KeySessionExpiry: "1000",
	}))
	r := &fakeRefresher{out: &Session{Token: "new", RefreshToken: "ref2", Expiry: now.Add(time.Hour)}}

	s, err := newManager(kv, r).Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, r.calls)
	require.Equal(t, "new", s.Token)
	require.Equal(t, "a@b.c", s.Email, "email carried over when refresh omits it")

	tok, _ := kv.Get(ctx, store.KeyUserToken)
	require.Equal(t, "new", tok)
	ref, _ := kv.Get(ctx, store.KeyRefreshToken)
	require.Equal(t, "ref2", ref)
}

func TestCurrentRefreshFailureClears(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, map[string]string{
		store.KeyUserToken:     "old",
		store.KeyRefreshToken:  "ref",
		store.KeySessionExpiry: "1000",
	}))
	r := &fakeRefresher{err: errors.New("invalid refresh token")}

	_, err := newManager(kv, r).Current(ctx)
	require.ErrorIs(t, err, ErrNoSession)
	_, err = kv.Get(ctx, store.KeyRefreshToken)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCurrentRefreshOnlySession(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, map[string]string{store.KeyRefreshToken: "ref"}))
	r := &fakeRefresher{out: &Session{Token: "new"}}

	s, err := newManager(kv, r).Current(ctx)
	require.NoError(t, err)
	require.Equal(t, "new", s.Token)
}

func TestTokenExpiry(t *testing.T) {
	exp := now.Add(time.Hour).Truncate(time.Second)
	require.True(t, TokenExpiry(signed(t, exp)).Equal(exp))
	require.True(t, TokenExpiry("not-a-jwt").IsZero())
}
