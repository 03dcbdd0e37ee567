// Package providers holds alert sinks that reach outside the dashboard.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"ops-notification-service/internal/alert"
	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/utils"
)

// messageSender is the part of *bot.Bot the sink needs.
type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// TelegramSink mirrors local alerts to an operations chat.
type TelegramSink struct {
	sender  messageSender
	chatID  int64
	limiter *rate.Limiter
	logger  *logging.Logger
	backoff utils.Backoff
}

var _ alert.Sink = (*TelegramSink)(nil)

// NewTelegramSink builds a sink for chatID, sending at most ratePerSecond
// messages per second.
func NewTelegramSink(token string, chatID int64, ratePerSecond int, logger *logging.Logger) (*TelegramSink, error) {
	if token == "" {
		return nil, fmt.Errorf("missing Telegram bot token")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("missing Telegram chat id")
	}
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	return newTelegramSink(b, chatID, ratePerSecond, logger), nil
}

func newTelegramSink(sender messageSender, chatID int64, ratePerSecond int, logger *logging.Logger) *TelegramSink {
	if ratePerSecond < 1 {
		ratePerSecond = 1
	}
	return &TelegramSink{
		sender:  sender,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerSecond)), ratePerSecond),
		logger:  logger,
		backoff: utils.Backoff{MaxAttempts: 3, BaseDelay: time.Second},
	}
}

func (s *TelegramSink) Name() string { return "telegram" }

// Alert sends a, waiting for the rate limiter and retrying failed sends.
func (s *TelegramSink) Alert(ctx context.Context, a alert.Alert) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit wait aborted: %w", err)
	}

	text := composeMessage(a)
	return utils.Retry(ctx, s.logger, s.backoff, func(ctx context.Context, attempt int) error {
		params := &bot.SendMessageParams{
			ChatID:    s.chatID,
			Text:      text,
			ParseMode: tgmodels.ParseModeMarkdownV1,
		}
		if _, err := s.sender.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("failed to send Telegram message to chat_id %d: %w", s.chatID, err)
		}
		return nil
	})
}

func composeMessage(a alert.Alert) string {
	n := a.Notification
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s*\n", a.Message.Title)
	if a.Message.Body != "" {
		sb.WriteString(a.Message.Body)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\n*Plant:* %s\n*Recipient:* %s\n*Raised:* %s", n.TenantID, n.RecipientID, n.CreatedAt.UTC().Format(time.RFC3339))
	if a.Message.Link != "" {
		fmt.Fprintf(&sb, "\n%s", a.Message.Link)
	}
	return sb.String()
}
