package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenSource fetches a client-credentials bearer token and caches it
// until shortly before it expires. Each instance owns its cache.
type TokenSource struct {
	URL          string
	ClientID     string
	ClientSecret string
	Client       *http.Client
	// Leeway renews the token this long before expiry.
	Leeway time.Duration
	Now    func() time.Time

	mu  sync.Mutex
	tok cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

func (c cachedToken) valid(now time.Time) bool {
	return c.token != "" && now.Before(c.expiresAt)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token returns the cached token or refreshes it.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok.valid(now) {
		return s.tok.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.ClientID)
	form.Set("client_secret", s.ClientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("token endpoint HTTP %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token")
	}
	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	leeway := s.Leeway
	if leeway <= 0 || leeway >= ttl {
		leeway = ttl / 10
	}
	s.tok = cachedToken{token: tr.AccessToken, expiresAt: now.Add(ttl - leeway)}
	return s.tok.token, nil
}

func (s *TokenSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
