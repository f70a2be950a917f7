package bot

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kovalyov-valentin/infra-bot/internal/botkit"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/usage"
)

type UsageLimiter interface {
	CheckAndRecord(ctx context.Context, userID int64, purpose string) error
}

type Assistant interface {
	Answer(ctx context.Context, question string) string
	DeepDive(ctx context.Context, item model.Item, clarification string) string
}

// ViewCmdAsk отвечает на вопрос пользователя с учетом лимитов тарифа
func ViewCmdAsk(users UserStorage, limiter UsageLimiter, assistant Assistant) botkit.ViewFunc {
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		question := strings.TrimSpace(update.Message.CommandArguments())
		if question == "" {
			return reply(bot, update, "Напишите вопрос после команды: /ask что нового в Kubernetes?")
		}

		allowed, err := meter(ctx, bot, update, users, limiter, model.PurposeQA)
		if err != nil || !allowed {
			return err
		}

		return reply(bot, update, assistant.Answer(ctx, question))
	}
}

// meter учитывает запрос к AI. При отказе по лимиту отвечает пользователю и возвращает false
func meter(
	ctx context.Context,
	bot *tgbotapi.BotAPI,
	update tgbotapi.Update,
	users UserStorage,
	limiter UsageLimiter,
	purpose string,
) (bool, error) {
	from := update.SentFrom()
	user, err := users.EnsureUser(ctx, from.ID, from.UserName)
	if err != nil {
		return false, err
	}

	err = limiter.CheckAndRecord(ctx, user.ID, purpose)

	var limitErr *usage.LimitError
	if errors.As(err, &limitErr) {
		return false, reply(bot, update, limitErr.Message)
	}
	if err != nil {
		return false, err
	}

	return true, nil
}
