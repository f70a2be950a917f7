package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kovalyov-valentin/infra-bot/internal/assistant"
	"github.com/kovalyov-valentin/infra-bot/internal/botkit"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/notifier"
	"github.com/kovalyov-valentin/infra-bot/internal/storage"
)

const deepDiveUsage = "Формат: /deepdive <id материала> <что хотите понять глубже>"

type ItemStorage interface {
	ItemByID(ctx context.Context, id int64) (*model.Item, error)
}

type DeepDiveDeps struct {
	Users     UserStorage
	Items     ItemStorage
	Limiter   UsageLimiter
	Assistant Assistant
}

// ViewCallbackDeepDive обрабатывает кнопку DeepDive под карточкой материала
func ViewCallbackDeepDive(deps DeepDiveDeps) botkit.ViewFunc {
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		query := update.CallbackQuery

		itemID, ok := notifier.ParseDeepDive(query.Data)
		if !ok {
			_, err := bot.Request(tgbotapi.NewCallback(query.ID, "Некорректная кнопка."))
			return err
		}

		if _, err := bot.Request(tgbotapi.NewCallback(query.ID, "Готовлю отчет...")); err != nil {
			return err
		}

		return deepDive(ctx, bot, update, deps, itemID, "")
	}
}

// ViewCmdDeepDive - то же, что кнопка, но с уточнением от пользователя
func ViewCmdDeepDive(deps DeepDiveDeps) botkit.ViewFunc {
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		idArg, clarification, _ := strings.Cut(strings.TrimSpace(update.Message.CommandArguments()), " ")

		itemID, err := strconv.ParseInt(idArg, 10, 64)
		if err != nil {
			return reply(bot, update, deepDiveUsage+"\n\n"+assistant.ClarificationQuestion)
		}

		return deepDive(ctx, bot, update, deps, itemID, strings.TrimSpace(clarification))
	}
}

func deepDive(
	ctx context.Context,
	bot *tgbotapi.BotAPI,
	update tgbotapi.Update,
	deps DeepDiveDeps,
	itemID int64,
	clarification string,
) error {
	item, err := deps.Items.ItemByID(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return reply(bot, update, "Материал не найден.")
	}
	if err != nil {
		return err
	}

	allowed, err := meter(ctx, bot, update, deps.Users, deps.Limiter, model.PurposeDeepDive)
	if err != nil || !allowed {
		return err
	}

	return reply(bot, update, deps.Assistant.DeepDive(ctx, *item, clarification))
}
