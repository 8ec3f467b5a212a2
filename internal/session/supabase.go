package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// SupabaseRefresher refreshes sessions against the Supabase auth API.
type SupabaseRefresher struct {
	client *resty.Client
}

type supabaseTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		Email string `json:"email"`
	} `json:"user"`
}

type supabaseError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"msg"`
}

func NewSupabaseRefresher(baseURL, anonKey string, timeout time.Duration) *SupabaseRefresher {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetHeader("apikey", anonKey)
	client.SetHeader("Content-Type", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &SupabaseRefresher{client: client}
}

func (r *SupabaseRefresher) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	var out supabaseTokenResponse
	var apiErr supabaseError
	res, err := r.client.R().
		SetContext(ctx).
		SetQueryParam("grant_type", "refresh_token").
		SetBody(map[string]string{"refresh_token": refreshToken}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/auth/v1/token")
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if res.IsError() {
		msg := apiErr.ErrorDescription
		if msg == "" {
			msg = apiErr.Message
		}
		if msg == "" {
			msg = strings.TrimSpace(res.String())
		}
		return nil, fmt.Errorf("refresh session: %d: %s", res.StatusCode(), msg)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("refresh session: response carried no access token")
	}

	s := &Session{
		Token:        out.AccessToken,
		RefreshToken: out.RefreshToken,
		Email:        out.User.Email,
	}
	switch {
	case out.ExpiresAt > 0:
		s.Expiry = time.Unix(out.ExpiresAt, 0)
	case out.ExpiresIn > 0:
		s.Expiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return s, nil
}
