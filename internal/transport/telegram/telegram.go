// Package telegram delivers payloads through the Telegram Bot API. One
// adapter serves the whole telegram transport family (channel, group,
// direct message); they differ only in the chat identifier.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ienone/VaultStream-sub000/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Transport sends messages via the Bot API.
type Transport struct {
	api telegramAPI
}

// New creates a Transport with the given bot token. The HTTP client
// carries its own timeout; the Bot API offers no per-call deadline.
func New(token string, timeout time.Duration) (*Transport, error) {
	client := &http.Client{Timeout: timeout}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Transport{api: api}, nil
}

// Send delivers the payload as a text message to the destination's chat.
func (t *Transport) Send(ctx context.Context, dest model.Destination, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chatID, err := strconv.ParseInt(dest.ChatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", dest.ChatID, err)
	}

	msg := tgbotapi.NewMessage(chatID, string(payload))
	msg.DisableWebPagePreview = true

	sent, err := t.api.Send(msg)
	if err != nil {
		return "", fmt.Errorf("send to chat %d: %w", chatID, err)
	}
	return strconv.Itoa(sent.MessageID), nil
}
