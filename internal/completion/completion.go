// Package completion wraps the hosted language models used by the chat
// turn and the agent. Providers receive the API key per call so one
// process can serve users with their own keys next to a shared one.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNoCredential = errors.New("no completion credential configured")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role Role
	Text string
}

// Media is an inline attachment passed to providers that accept one.
type Media struct {
	MIMEType string
	Data     []byte
}

type Request struct {
	System string
	Turns  []Turn
	Media  []Media
}

type Provider interface {
	Name() string
	Complete(ctx context.Context, apiKey string, req Request) (string, error)
}

// Credentials resolves which key pays for a call: the user's own key when
// set, otherwise the shared admin key.
type Credentials struct {
	Admin string
}

func (c Credentials) Resolve(userKey string) (string, error) {
	if k := strings.TrimSpace(userKey); k != "" {
		return k, nil
	}
	if k := strings.TrimSpace(c.Admin); k != "" {
		return k, nil
	}
	return "", ErrNoCredential
}

// WithTimeout bounds every call of p.
func WithTimeout(p Provider, d time.Duration) Provider {
	if d <= 0 {
		return p
	}
	return timed{p: p, d: d}
}

type timed struct {
	p Provider
	d time.Duration
}

func (t timed) Name() string { return t.p.Name() }

func (t timed) Complete(ctx context.Context, apiKey string, req Request) (string, error) {
	c, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	out, err := t.p.Complete(c, apiKey, req)
	if err != nil && errors.Is(c.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%s: timed out after %s: %w", t.p.Name(), t.d, err)
	}
	return out, err
}

// New builds the provider named in configuration.
func New(name, model, baseURL string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "openai":
		return NewOpenAI(model, baseURL), nil
	case "gemini", "genai":
		return NewGemini(model), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", name)
	}
}
