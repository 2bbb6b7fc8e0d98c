package notify

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramNotifier sends messages to a fixed chat. Delivery is best
// effort: failures are logged and reported as false, never retried.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.Logger
}

// NewTelegramNotifier returns a disabled notifier (Send always false)
// when the token is empty, so callers never need a nil check.
func NewTelegramNotifier(token string, chatID int64, log *zap.Logger) *TelegramNotifier {
	n := &TelegramNotifier{chatID: chatID, log: log}
	if token == "" || chatID == 0 {
		log.Info("Telegram notifications disabled")
		return n
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Error("Failed to init telegram bot", zap.Error(err))
		return n
	}
	n.bot = bot
	log.Info("Telegram notifications enabled", zap.String("bot", bot.Self.UserName))
	return n
}

func (n *TelegramNotifier) Send(message string) bool {
	if n.bot == nil {
		return false
	}
	msg := tgbotapi.NewMessage(n.chatID, message)
	if _, err := n.bot.Send(msg); err != nil {
		n.log.Error("Failed to send telegram message", zap.Error(err))
		return false
	}
	return true
}
