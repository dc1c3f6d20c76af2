package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsPreferUserKey(t *testing.T) {
	creds := Credentials{Admin: "admin"}
	k, err := creds.Resolve(" mine ")
	require.NoError(t, err)
	assert.Equal(t, "mine", k)

	k, err = creds.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "admin", k)

	_, err = Credentials{}.Resolve("")
	assert.ErrorIs(t, err, ErrNoCredential)
}

type slowProvider struct{}

func (slowProvider) Name() string { return "slow" }

func (slowProvider) Complete(ctx context.Context, apiKey string, req Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	p := WithTimeout(slowProvider{}, 20*time.Millisecond)
	_, err := p.Complete(context.Background(), "k", Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "timed out")

	assert.Equal(t, slowProvider{}, WithTimeout(slowProvider{}, 0))
}

func TestNewByName(t *testing.T) {
	for name, want := range map[string]string{"": "openai", "OpenAI": "openai", "gemini": "gemini", "genai": "gemini"} {
		p, err := New(name, "", "")
		require.NoError(t, err)
		assert.Equal(t, want, p.Name())
	}
	_, err := New("claude", "", "")
	assert.Error(t, err)
}

func TestOpenAIChatCompletion(t *testing.T) {
	var body struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","created":1,"model":"test-model",
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"actions\":[]}"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAI("test-model", srv.URL+"/v1/")
	out, err := p.Complete(context.Background(), "sk-test", Request{
		System: "sys",
		Turns:  []Turn{{Role: RoleUser, Text: "hi"}, {Role: RoleAssistant, Text: "x"}, {Role: RoleUser, Text: "again"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"actions":[]}`, out)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "test-model", body.Model)
	require.Len(t, body.Messages, 4)
	assert.Equal(t, "system", body.Messages[0].Role)
	assert.Equal(t, "assistant", body.Messages[2].Role)
}

func TestOpenAIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI("nope", srv.URL+"/v1/").Complete(context.Background(), "k", Request{Turns: []Turn{{Role: RoleUser, Text: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai completion")
}
