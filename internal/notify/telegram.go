package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramSender sends alerts through the Telegram Bot API.
type TelegramSender struct {
	api    string
	token  string
	chatID string
	client *http.Client
}

// NewTelegramSender creates a TelegramSender. An empty api uses
// DefaultTelegramAPI.
func NewTelegramSender(api, token, chatID string) *TelegramSender {
	if api == "" {
		api = DefaultTelegramAPI
	}
	return &TelegramSender{
		api:    strings.TrimRight(api, "/"),
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send calls sendMessage with the title in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.api, t.token)
	return postJSON(ctx, t.client, "telegram", url, map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	})
}

func (t *TelegramSender) Name() string { return "telegram" }
