package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/maltedev/catalog-monitor/internal/models"
)

// telegram rejects messages above 4096 characters
const telegramLimit = 4000

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramNotifier struct {
	bot           sender
	chatID        int64
	subjectPrefix string
	logger        *slog.Logger
}

func NewTelegramNotifier(token string, chatID int64, subjectPrefix string, logger *slog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return newTelegramNotifier(bot, chatID, subjectPrefix, logger), nil
}

func newTelegramNotifier(bot sender, chatID int64, subjectPrefix string, logger *slog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:           bot,
		chatID:        chatID,
		subjectPrefix: subjectPrefix,
		logger:        logger.With("component", "telegram"),
	}
}

func (n *TelegramNotifier) Notify(ctx context.Context, added []models.ProductRecord, matches []models.WatchMatch) error {
	if len(added) == 0 && len(matches) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := Compose(added, matches, ComposeOptions{SubjectPrefix: n.subjectPrefix})
	if err != nil {
		return err
	}

	text := msg.Subject + "\n\n" + msg.Text
	if len(text) > telegramLimit {
		text = strings.ToValidUTF8(text[:telegramLimit], "") + "\n..."
	}

	out := tgbotapi.NewMessage(n.chatID, text)
	out.DisableWebPagePreview = true
	if _, err := n.bot.Send(out); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	n.logger.Info("telegram message sent", "new", len(added), "matches", len(matches))
	return nil
}
