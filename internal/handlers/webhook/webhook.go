package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client posts workflow events to an automation endpoint.
type Client struct {
	URL     string
	Tokens  *TokenSource // optional
	Headers map[string]string
	Timeout time.Duration
	Now     func() time.Time
}

type Request struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	SentAt  time.Time      `json:"sent_at"`
}

// Invoke sends one event and returns the response body. It does not retry.
func (c *Client) Invoke(ctx context.Context, event string, payload map[string]any) (string, error) {
	if c.URL == "" {
		return "", fmt.Errorf("workflow URL is required")
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	body, err := json.Marshal(Request{Event: event, Payload: payload, SentAt: now().UTC()})
	if err != nil {
		return "", fmt.Errorf("invalid workflow payload: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create workflow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.Headers {
		req.Header.Set(key, value)
	}
	if c.Tokens != nil {
		tok, err := c.Tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("workflow auth: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("workflow request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read workflow response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("workflow endpoint HTTP %d: %s", resp.StatusCode, snippet(respBody))
	}
	return snippet(respBody), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if r := []rune(s); len(r) > 200 {
		s = string(r[:200])
	}
	return s
}
