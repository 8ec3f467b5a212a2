// Package session keeps the bearer session synced from the companion web app
// and refreshes it before it is handed to the dispatch gate.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/t1p-app/companion/internal/clock"
	"github.com/t1p-app/companion/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNoSession means no usable session exists; the user must log in again.
	ErrNoSession = errors.New("session: no active session")
	// ErrTokenRequired is returned when a sync carries no token.
	ErrTokenRequired = errors.New("session: token required")
)

// Session is either absent or carries a non-empty token.
type Session struct {
	Token        string
	RefreshToken string
	Email        string
	Expiry       time.Time // zero when unknown
}

// Expired reports whether the session is expired or will be within buffer.
func (s Session) Expired(now time.Time, buffer time.Duration) bool {
	if s.Expiry.IsZero() {
		return false
	}
	return !s.Expiry.After(now.Add(buffer))
}

// SyncRequest mirrors the sync_auth message. Absent optional fields clear any stored value.
type SyncRequest struct {
	Token        string
	RefreshToken string
	Email        string
	Expiry       *int64 // unix seconds
}

// Refresher exchanges a refresh token for a new session.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
}

type Manager struct {
	kv        store.KV
	refresher Refresher
	clock     clock.Clock
	buffer    time.Duration
	logger    *zap.Logger
}

// NewManager wires a session manager. refresher may be nil, in which case
// expired sessions are always cleared.
func NewManager(kv store.KV, refresher Refresher, clk clock.Clock, buffer time.Duration, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{kv: kv, refresher: refresher, clock: clk, buffer: buffer, logger: logger}
}

// Sync persists the fields of a sync_auth message verbatim. Optional fields
// the message omits are removed, so nothing of a previous session survives
// next to the new token.
func (m *Manager) Sync(ctx context.Context, req SyncRequest) error {
	if strings.TrimSpace(req.Token) == "" {
		return ErrTokenRequired
	}
	values := map[string]string{store.KeyUserToken: req.Token}
	var stale []string
	if req.RefreshToken != "" {
		values[store.KeyRefreshToken] = req.RefreshToken
	} else {
		stale = append(stale, store.KeyRefreshToken)
	}
	if req.Email != "" {
		values[store.KeyUserEmail] = req.Email
	} else {
		stale = append(stale, store.KeyUserEmail)
	}
	if req.Expiry != nil {
		values[store.KeySessionExpiry] = strconv.FormatInt(*req.Expiry, 10)
	} else {
		stale = append(stale, store.KeySessionExpiry)
	}
	if len(stale) > 0 {
		if err := m.kv.Delete(ctx, stale...); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	}
	if err := m.kv.Set(ctx, values); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	m.logger.Info("auth token synced", zap.String("email", req.Email), zap.Bool("has_refresh_token", req.RefreshToken != ""))
	return nil
}

// Current returns a non-expired session, refreshing it when needed. An
// expired session that cannot be refreshed is cleared and ErrNoSession returned.
func (m *Manager) Current(ctx context.Context) (*Session, error) {
	s, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if s.Token == "" && s.RefreshToken == "" {
		return nil, ErrNoSession
	}

	now := m.clock.Now()
	if s.Token != "" && !s.Expired(now, m.buffer) {
		return s, nil
	}

	if s.RefreshToken == "" || m.refresher == nil {
		m.logger.Info("session expired and cannot be refreshed")
		m.clear(ctx)
		return nil, ErrNoSession
	}

	m.logger.Info("session expired, attempting refresh")
	fresh, err := m.refresher.Refresh(ctx, s.RefreshToken)
	if err != nil || fresh == nil || fresh.Token == "" {
		m.logger.Warn("session refresh failed", zap.Error(err))
		m.clear(ctx)
		return nil, ErrNoSession
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = s.RefreshToken
	}
	if fresh.Email == "" {
		fresh.Email = s.Email
	}
	if fresh.Expiry.IsZero() {
		fresh.Expiry = TokenExpiry(fresh.Token)
	}
	if err := m.kv.Set(ctx, encode(fresh)); err != nil {
		return nil, fmt.Errorf("persist refreshed session: %w", err)
	}
	m.logger.Info("session refreshed", zap.Time("expiry", fresh.Expiry))
	return fresh, nil
}

// Peek returns the stored session as is. Unlike Current it never refreshes
// or clears anything; the returned session may be expired.
func (m *Manager) Peek(ctx context.Context) (*Session, error) {
	s, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if s.Token == "" && s.RefreshToken == "" {
		return nil, ErrNoSession
	}
	return s, nil
}

// Usable reports whether Current would hand out a token for s, either
// directly or after a refresh.
func (m *Manager) Usable(s *Session) bool {
	if s == nil {
		return false
	}
	if s.Token != "" && !s.Expired(m.clock.Now(), m.buffer) {
		return true
	}
	return s.RefreshToken != "" && m.refresher != nil
}

// Clear removes every session key.
func (m *Manager) Clear(ctx context.Context) error {
	return m.kv.Delete(ctx, store.SessionKeys...)
}

func (m *Manager) clear(ctx context.Context) {
	if err := m.Clear(ctx); err != nil {
		m.logger.Error("clear session", zap.Error(err))
	}
}

func (m *Manager) load(ctx context.Context) (*Session, error) {
	get := func(key string) (string, error) { return store.GetOptional(ctx, m.kv, key) }
	var s Session
	var err error
	if s.Token, err = get(store.KeyUserToken); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s.RefreshToken, err = get(store.KeyRefreshToken); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s.Email, err = get(store.KeyUserEmail); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	raw, err := get(store.KeySessionExpiry)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if raw != "" {
		if secs, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			s.Expiry = time.Unix(secs, 0)
		}
	}
	if s.Expiry.IsZero() && s.Token != "" {
		s.Expiry = TokenExpiry(s.Token)
	}
	return &s, nil
}

func encode(s *Session) map[string]string {
	values := map[string]string{store.KeyUserToken: s.Token}
	if s.RefreshToken != "" {
		values[store.KeyRefreshToken] = s.RefreshToken
	}
	if s.Email != "" {
		values[store.KeyUserEmail] = s.Email
	}
	if !s.Expiry.IsZero() {
		values[store.KeySessionExpiry] = strconv.FormatInt(s.Expiry.Unix(), 10)
	}
	return values
}

// TokenExpiry reads the exp claim of a JWT without verifying the signature;
// the token is only ever presented back to the server that issued it.
// It returns the zero time for opaque tokens or tokens without exp.
func TokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
