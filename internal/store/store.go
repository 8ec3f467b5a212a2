// Package store is the single shared key-value store holding session and
// day-marker state. Writes are last-writer-wins; there is no transactional
// isolation between keys.
package store

import (
	"context"
	"errors"
)

// Persisted keys owned by the agent.
const (
	KeyUserToken      = "userToken"
	KeyRefreshToken   = "refreshToken"
	KeyUserEmail      = "userEmail"
	KeySessionExpiry  = "sessionExpiry"
	KeyLastCollectDay = "lastCollectDay"
)

// SessionKeys are cleared together on logout or a failed refresh.
var SessionKeys = []string{KeyUserToken, KeyRefreshToken, KeyUserEmail, KeySessionExpiry}

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// KV is the storage capability handed to components at construction.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// GetOptional returns "" instead of ErrNotFound for an absent key.
func GetOptional(ctx context.Context, kv KV, key string) (string, error) {
	v, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}
