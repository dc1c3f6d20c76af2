package notify

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

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram delivers text through the Bot API sendMessage method.
type Telegram struct {
	token   string
	apiRoot string
	client  *http.Client
}

func NewTelegram(token, apiRoot string) *Telegram {
	if strings.TrimSpace(apiRoot) == "" {
		apiRoot = defaultTelegramAPI
	}
	return &Telegram{token: token, apiRoot: strings.TrimRight(apiRoot, "/"), client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Deliver(ctx context.Context, chatID, text string) error {
	if t.token == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	if chatID == "" {
		return fmt.Errorf("telegram chat id is required")
	}
	return t.call(ctx, "sendMessage", map[string]any{"chat_id": chatID, "text": text})
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) call(ctx context.Context, method string, payload any) error {
	url := t.apiRoot + "/bot" + t.token + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("telegram %s: HTTP %d", method, resp.StatusCode)
	}
	if !out.OK {
		return fmt.Errorf("telegram %s: %s", method, out.Description)
	}
	return nil
}

// Update is the subset of a Bot API update the webhook reads.
type Update struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Caption   string `json:"caption"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Text returns the message text or, for media messages, the caption.
func (u Update) Text() string {
	if s := strings.TrimSpace(u.Message.Text); s != "" {
		return s
	}
	return strings.TrimSpace(u.Message.Caption)
}
