package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/wa-responder/internal/models"
	"github.com/xaenox/wa-responder/internal/storage"
	"go.uber.org/zap"
)

const historyCommandLimit = 5

// Console answers staff commands in the staff chat: /stats and /history <phone>.
// Messages from any other chat are ignored.
type Console struct {
	notifier *TelegramNotifier
	store    storage.Storage
}

func NewConsole(notifier *TelegramNotifier, store storage.Storage) *Console {
	return &Console{notifier: notifier, store: store}
}

// Run polls for updates until ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	api := c.notifier.api
	updates := api.GetUpdatesChan(u)
	defer api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			c.handleCommand(ctx, update.Message)
		}
	}
}

func (c *Console) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	if message.Chat == nil || message.Chat.ID != c.notifier.chatID {
		return
	}
	switch message.Command() {
	case "start", "help":
		c.reply(message.Chat.ID, "Commands:\n/stats - conversation statistics\n/history <phone> - last messages of a contact", "")
	case "stats":
		c.handleStats(ctx, message)
	case "history":
		c.handleHistory(ctx, message)
	default:
		c.reply(message.Chat.ID, "Unknown command. Use /help to see available commands.", "")
	}
}

func (c *Console) handleStats(ctx context.Context, message *tgbotapi.Message) {
	stats, err := c.store.Statistics(ctx)
	if err != nil {
		c.notifier.logger.Error("Failed to get statistics", zap.Error(err))
		c.reply(message.Chat.ID, "⚠️ Failed to load statistics.", "")
		return
	}
	text := fmt.Sprintf(
		"Conversations: %d\nMessages: %d\nAI responses: %d\nHuman responses: %d\nSystem responses: %d\nPending: %d\nAI cost: $%.4f",
		stats.TotalConversations, stats.TotalMessages, stats.AIResponses,
		stats.HumanResponses, stats.SystemResponses, stats.PendingResponses, stats.TotalAICost)
	c.reply(message.Chat.ID, text, "")
}

func (c *Console) handleHistory(ctx context.Context, message *tgbotapi.Message) {
	phone := strings.TrimSpace(message.CommandArguments())
	if phone == "" {
		c.reply(message.Chat.ID, "Usage: /history <phone>", "")
		return
	}
	msgs, err := c.store.History(ctx, phone, historyCommandLimit)
	if err != nil {
		c.notifier.logger.Error("Failed to get history", zap.Error(err), zap.String("phone", phone))
		c.reply(message.Chat.ID, "⚠️ Failed to load history.", "")
		return
	}
	if len(msgs) == 0 {
		c.reply(message.Chat.ID, "No messages for "+phone, "")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n", escapeMarkdown(phone))
	for _, m := range msgs {
		label := "⬅️"
		if m.Direction == models.Outgoing {
			label = "➡️ " + string(m.Origin)
		}
		fmt.Fprintf(&b, "%s _%s_\n%s\n\n",
			label,
			escapeMarkdown(m.ReceivedAt.Format("2006-01-02 15:04")),
			escapeMarkdown(m.Text))
	}
	c.reply(message.Chat.ID, b.String(), tgbotapi.ModeMarkdownV2)
}

func (c *Console) reply(chatID int64, text, parseMode string) {
	if err := c.notifier.send(chatID, text, parseMode); err != nil {
		c.notifier.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
