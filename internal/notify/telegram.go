package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"copytrade/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const queueSize = 100

// Sender - часть tgbotapi.BotAPI, нужная для отправки
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram отправляет оператору уведомления о неуспешных копиях.
// Publish не блокирует: сообщения уходят из отдельной горутины Run.
type Telegram struct {
	sender Sender
	chatID int64
	logger *slog.Logger
	queue  chan string
}

// New авторизует бота по токену
func New(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize telegram bot: %w", err)
	}

	logger.Info("✅ Bot authorized", slog.String("username", bot.Self.UserName))

	return NewWithSender(bot, chatID, logger), nil
}

func NewWithSender(sender Sender, chatID int64, logger *slog.Logger) *Telegram {
	return &Telegram{
		sender: sender,
		chatID: chatID,
		logger: logger,
		queue:  make(chan string, queueSize),
	}
}

// Run отправляет сообщения из очереди до отмены ctx
func (t *Telegram) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-t.queue:
			if err := t.send(text); err != nil {
				t.logger.Error("Failed to send telegram notification", slog.Any("error", err))
			}
		}
	}
}

// Publish ставит в очередь уведомление о записи, если оно нужно оператору
func (t *Telegram) Publish(_ context.Context, rec models.CopyTradeRecord) {
	if !shouldNotify(rec) {
		return
	}

	select {
	case t.queue <- FormatRecord(rec):
	default:
		t.logger.Warn("Notification queue full, dropping", slog.Int64("record_id", rec.ID))
	}
}

// SendText отправляет произвольное сообщение сразу
func (t *Telegram) SendText(text string) error {
	return t.send(html.EscapeString(text))
}

func (t *Telegram) send(text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "HTML"
	_, err := t.sender.Send(msg)

	return err
}

// below_minimum - штатный пропуск для маленьких аккаунтов, не ошибка
func shouldNotify(rec models.CopyTradeRecord) bool {
	return rec.Status == models.StatusFailed && rec.Reason != models.ReasonBelowMinimum
}

// FormatRecord - HTML текст уведомления о записи
func FormatRecord(rec models.CopyTradeRecord) string {
	var b strings.Builder

	if rec.Reason == models.ReasonCircuitOpen {
		fmt.Fprintf(&b, "⛔ <b>Follower #%d skipped: circuit open</b>\n", rec.FollowerID)
	} else {
		b.WriteString("❌ <b>Copy trade failed</b>\n")
		fmt.Fprintf(&b, "Follower: #%d\n", rec.FollowerID)
	}

	fmt.Fprintf(&b, "Master: #%d\n", rec.MasterAccountID)
	fmt.Fprintf(&b, "Symbol: <code>%s</code> %s\n", html.EscapeString(rec.Symbol), rec.Direction)
	if rec.OriginalSize.IsPositive() {
		fmt.Fprintf(&b, "Master size: %s %s @ %s\n", rec.OriginalSide, rec.OriginalSize, rec.OriginalPrice)
	}
	fmt.Fprintf(&b, "Reason: <code>%s</code>\n", html.EscapeString(rec.Reason))
	fmt.Fprintf(&b, "Trade: <code>%s</code>", html.EscapeString(rec.MasterTradeID))

	return b.String()
}
