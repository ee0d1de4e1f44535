// Package identity resolves the caller behind a bearer token. The
// actual authentication lives with the external provider; this package
// only asks it who the token belongs to.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthenticated means the token is missing, expired, or unknown
// to the provider.
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver maps a bearer token to a stable identity key (the user's
// email).
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

type httpResolver struct {
	verifyURL  string
	httpClient *http.Client
}

// NewHTTPResolver verifies tokens against the provider's verify
// endpoint.
func NewHTTPResolver(verifyURL string, timeout time.Duration) Resolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpResolver{
		verifyURL: verifyURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (r *httpResolver) Resolve(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.verifyURL, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrUnauthenticated
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("verify token: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode verify response: %w", err)
	}
	if out.Email == "" {
		return "", ErrUnauthenticated
	}
	return strings.ToLower(out.Email), nil
}

// Static resolves every token through a fixed map, for tests and local
// development.
type Static map[string]string

func (s Static) Resolve(_ context.Context, token string) (string, error) {
	email, ok := s[token]
	if !ok {
		return "", ErrUnauthenticated
	}
	return email, nil
}
