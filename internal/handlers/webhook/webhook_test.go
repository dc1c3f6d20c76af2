package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokePostsEvent(t *testing.T) {
	var got Request
	var auth, custom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		custom = r.Header.Get("X-Hub")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("  queued\n"))
	}))
	defer srv.Close()

	sent := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := &Client{URL: srv.URL, Headers: map[string]string{"X-Hub": "1"}, Now: func() time.Time { return sent }}
	out, err := c.Invoke(context.Background(), "send_email", map[string]any{"to": "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "queued", out)
	assert.Equal(t, "send_email", got.Event)
	assert.Equal(t, "ada@example.com", got.Payload["to"])
	assert.True(t, got.SentAt.Equal(sent))
	assert.Empty(t, auth)
	assert.Equal(t, "1", custom)
}

func TestInvokeErrorStatusClipsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 500)))
	}))
	defer srv.Close()

	_, err := (&Client{URL: srv.URL}).Invoke(context.Background(), "e", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.Less(t, len(err.Error()), 260)
}

func TestInvokeClipsMultibyteReplyOnRuneBoundary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("a" + strings.Repeat("é", 300)))
	}))
	defer srv.Close()

	out, err := (&Client{URL: srv.URL}).Invoke(context.Background(), "e", nil)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, 200, utf8.RuneCountInString(out))
	assert.Equal(t, "a"+strings.Repeat("é", 199), out)
}

func TestInvokeRequiresURL(t *testing.T) {
	_, err := (&Client{}).Invoke(context.Background(), "e", nil)
	assert.Error(t, err)
}

func TestTokenCachedUntilExpiry(t *testing.T) {
	var hits atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "hub", r.Form.Get("client_id"))
		n := hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok" + string(rune('0'+n)), "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ts := &TokenSource{URL: tokenSrv.URL, ClientID: "hub", ClientSecret: "s", Now: func() time.Time { return now }}
	c := &Client{URL: srv.URL, Tokens: ts}

	for i := 0; i < 3; i++ {
		_, err := c.Invoke(context.Background(), "e", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(2 * time.Hour)
	_, err := c.Invoke(context.Background(), "e", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, []string{"Bearer tok1", "Bearer tok1", "Bearer tok1", "Bearer tok2"}, auths)
}

func TestTokenSourcesDoNotShareCache(t *testing.T) {
	var hits atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"t","expires_in":60}`))
	}))
	defer tokenSrv.Close()

	a := &TokenSource{URL: tokenSrv.URL}
	b := &TokenSource{URL: tokenSrv.URL}
	_, err := a.Token(context.Background())
	require.NoError(t, err)
	_, err = b.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestTokenEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := &Client{URL: srv.URL, Tokens: &TokenSource{URL: srv.URL}}
	_, err := c.Invoke(context.Background(), "e", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow auth")
}
