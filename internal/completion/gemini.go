package completion

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"hubflow/internal/metrics"
)

// Gemini generates content through Google's GenAI API and asks for a JSON
// response body. Media parts are attached to the last user turn.
type Gemini struct {
	model string
}

func NewGemini(model string) *Gemini {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Gemini{model: model}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Complete(ctx context.Context, apiKey string, req Request) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("create genai client: %w", err)
	}

	contents := make([]*genai.Content, 0, len(req.Turns))
	for _, t := range req.Turns {
		role := genai.Role(genai.RoleUser)
		if t.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	if len(req.Media) > 0 {
		parts := make([]*genai.Part, 0, len(req.Media))
		for _, m := range req.Media {
			parts = append(parts, genai.NewPartFromBytes(m.Data, m.MIMEType))
		}
		if n := len(contents); n > 0 && contents[n-1].Role == string(genai.RoleUser) {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
		} else {
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		metrics.CompletionCalls.WithLabelValues(g.Name(), "error").Inc()
		return "", fmt.Errorf("genai generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		metrics.CompletionCalls.WithLabelValues(g.Name(), "empty").Inc()
		return "", errors.New("genai generate: empty response")
	}
	metrics.CompletionCalls.WithLabelValues(g.Name(), "ok").Inc()
	return text, nil
}
