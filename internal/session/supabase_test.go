package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupabaseRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ref", body["refresh_token"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new","refresh_token":"ref2","expires_at":1960000000,"user":{"email":"a@b.c"}}`))
	}))
	defer srv.Close()

	s, err := NewSupabaseRefresher(srv.URL, "anon", 5*time.Second).Refresh(context.Background(), "ref")
	require.NoError(t, err)
	require.Equal(t, "new", s.Token)
	require.Equal(t, "ref2", s.RefreshToken)
	require.Equal(t, "a@b.c", s.Email)
	require.Equal(t, int64(1960000000), s.Expiry.Unix())
}

func TestSupabaseRefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid Refresh Token: Already Used"}`))
	}))
	defer srv.Close()

	_, err := NewSupabaseRefresher(srv.URL, "anon", 0).Refresh(context.Background(), "ref")
	require.ErrorContains(t, err, "Already Used")
}
