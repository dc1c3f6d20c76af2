package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"hubflow/internal/metrics"
)

// OpenAI talks to the Chat Completions API or any compatible endpoint.
// Media parts are ignored.
type OpenAI struct {
	model   string
	baseURL string
}

func NewOpenAI(model, baseURL string) *OpenAI {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{model: model, baseURL: baseURL}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Complete(ctx context.Context, apiKey string, req Request) (string, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if o.baseURL != "" {
		opts = append(opts, option.WithBaseURL(o.baseURL))
	}
	client := openai.NewClient(opts...)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Turns)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, t := range req.Turns {
		if t.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(t.Text))
		} else {
			messages = append(messages, openai.UserMessage(t.Text))
		}
	}

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: messages,
	})
	if err != nil {
		metrics.CompletionCalls.WithLabelValues(o.Name(), "error").Inc()
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.CompletionCalls.WithLabelValues(o.Name(), "empty").Inc()
		return "", errors.New("openai completion: no choices returned")
	}
	metrics.CompletionCalls.WithLabelValues(o.Name(), "ok").Inc()
	return resp.Choices[0].Message.Content, nil
}
