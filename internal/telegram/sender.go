// Package telegram отправляет сообщения через Bot API с ограничением частоты.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/kovalyov-valentin/infra-bot/internal/botkit/markup"
	"github.com/kovalyov-valentin/infra-bot/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRejected - Bot API отклонил сообщение (4xx кроме 429): бот заблокирован,
// чат не найден или текст не разобрался. Повтор ничего не изменит.
var ErrRejected = errors.New("telegram rejected message")

// API - часть tgbotapi.BotAPI, которая нужна для отправки
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Sender struct {
	api     API
	limiter *rate.Limiter
	policy  retry.Policy
	logger  *zap.Logger
}

// perSecond - сколько сообщений в секунду разрешает Bot API
func NewSender(api API, perSecond float64, logger *zap.Logger) *Sender {
	if perSecond <= 0 {
		perSecond = 25
	}

	s := &Sender{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		policy:  retry.Policy{Attempts: 3, Backoff: time.Second},
		logger:  logger.Named("telegram"),
	}
	s.policy.OnRetry = func(attempt int, err error) {
		s.logger.Warn("telegram rate limited, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return s
}

// Send отправляет MarkdownV2 сообщение и возвращает его id.
// Повторяет только ответы 429, чтобы не задвоить уже доставленное сообщение.
func (s *Sender) Send(ctx context.Context, chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if keyboard != nil {
		msg.ReplyMarkup = *keyboard
	}

	var messageID int
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}

		sent, err := s.api.Send(msg)
		if err != nil {
			return classify(err)
		}

		messageID = sent.MessageID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("send message to chat %d: %w", chatID, err)
	}

	return messageID, nil
}

func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return &retry.StatusError{StatusCode: apiErr.Code, Body: apiErr.Message}
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return retry.Permanent(fmt.Errorf("%w: %w", ErrRejected, err))
		}
	}
	return retry.Permanent(err)
}

// AlertNotifier пересылает операционные алерты в чат дежурных
type AlertNotifier struct {
	sender *Sender
	chatID int64
}

// chatID 0 отключает отправку
func NewAlertNotifier(sender *Sender, chatID int64) *AlertNotifier {
	return &AlertNotifier{sender: sender, chatID: chatID}
}

func (n *AlertNotifier) NotifyAlert(ctx context.Context, text string) error {
	if n.chatID == 0 {
		return nil
	}

	_, err := n.sender.Send(ctx, n.chatID, "🚨 "+markup.EscapeForMarkdown(text), nil)
	return err
}
