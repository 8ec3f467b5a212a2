package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, KeyUserToken)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, map[string]string{KeyUserToken: "tok", KeyUserEmail: "a@b.c"}))
	v, err := m.Get(ctx, KeyUserToken)
	require.NoError(t, err)
	require.Equal(t, "tok", v)

	require.NoError(t, m.Set(ctx, map[string]string{KeyUserToken: "tok2"}))
	v, _ = m.Get(ctx, KeyUserToken)
	require.Equal(t, "tok2", v, "last writer wins")

	require.NoError(t, m.Delete(ctx, SessionKeys...))
	_, err = m.Get(ctx, KeyUserEmail)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetOptional(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	v, err := GetOptional(ctx, m, KeyLastCollectDay)
	require.NoError(t, err)
	require.Empty(t, v)

	require.NoError(t, m.Set(ctx, map[string]string{KeyLastCollectDay: "2026-10-17"}))
	v, err = GetOptional(ctx, m, KeyLastCollectDay)
	require.NoError(t, err)
	require.Equal(t, "2026-10-17", v)
}
