package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Notifier alerts the staff about a contact that needs a person right away.
type Notifier interface {
	NotifyEmergency(ctx context.Context, phone, text string) error
}

// Nop is used when no staff channel is configured.
type Nop struct{}

func (Nop) NotifyEmergency(context.Context, string, string) error { return nil }

type Option func(*options)

type options struct {
	endpoint string
}

// WithAPIEndpoint points the client at another Bot API server; the format is
// the one of tgbotapi.APIEndpoint.
func WithAPIEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// TelegramNotifier posts alerts into the staff chat.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

func NewTelegramNotifier(token string, chatID int64, logger *zap.Logger, opts ...Option) (*TelegramNotifier, error) {
	o := options{endpoint: tgbotapi.APIEndpoint}
	for _, opt := range opts {
		opt(&o)
	}
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, o.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Info("Telegram staff notifier ready",
		zap.String("bot", api.Self.UserName),
		zap.Int64("chat_id", chatID))
	return &TelegramNotifier{api: api, chatID: chatID, logger: logger}, nil
}

func (n *TelegramNotifier) NotifyEmergency(ctx context.Context, phone, text string) error {
	body := fmt.Sprintf("🚨 *Acil mesaj*\n*Telefon:* %s\n\n_%s_", escapeMarkdown(phone), escapeMarkdown(text))
	if err := n.send(n.chatID, body, tgbotapi.ModeMarkdownV2); err != nil {
		n.logger.Error("Failed to send emergency alert",
			zap.Error(err),
			zap.Int64("chat_id", n.chatID),
			zap.String("phone", phone))
		return err
	}
	return nil
}

func (n *TelegramNotifier) send(chatID int64, text, parseMode string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	_, err := n.api.Send(msg)
	return err
}

// escapeMarkdown escapes the characters MarkdownV2 reserves.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}
