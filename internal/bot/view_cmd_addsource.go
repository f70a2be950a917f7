package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/samber/lo"

	"github.com/kovalyov-valentin/infra-bot/internal/botkit"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/storage"
)

const addSourceUsage = `Формат: /addsource {"name": "CNCF", "type": "rss", "url": "https://www.cncf.io/feed/", "trust": 70}`

type SourceStorage interface {
	AddSource(ctx context.Context, source model.Source) (int64, error)
}

var sourceTypes = []string{model.SourceTypeRSS, model.SourceTypeTelegram, model.SourceTypeReddit}

// Метод для добавления источника в БД
func ViewCmdAddSource(sources SourceStorage) botkit.ViewFunc {
	type addSourceArgs struct {
		Name  string `json:"name"`
		Type  string `json:"type"`
		URL   string `json:"url"`
		Trust *int   `json:"trust"`
	}
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		args, err := botkit.ParseJSON[addSourceArgs](update.Message.CommandArguments())
		if err != nil || args.URL == "" {
			return reply(bot, update, addSourceUsage)
		}

		args.Type = lo.Ternary(args.Type == "", model.SourceTypeRSS, args.Type)
		if !lo.Contains(sourceTypes, args.Type) {
			return reply(bot, update, fmt.Sprintf("Неизвестный тип источника %q. Доступны: rss, telegram, reddit.", args.Type))
		}

		// Воссоздаем метаинформацию об источнике из аргументов
		source := model.Source{
			Name:        lo.Ternary(args.Name == "", args.URL, args.Name),
			Type:        args.Type,
			URL:         args.URL,
			TrustManual: lo.Clamp(lo.FromPtrOr(args.Trust, 50), 0, 100),
		}

		sourceID, err := sources.AddSource(ctx, source)
		if errors.Is(err, storage.ErrAlreadyExists) {
			return reply(bot, update, "Такой источник уже есть.")
		}
		if err != nil {
			return err
		}

		msg := tgbotapi.NewMessage(update.Message.Chat.ID, fmt.Sprintf(
			"Источник добавлен с ID: `%d`\\. Используйте этот ID для управления источником\\.",
			sourceID,
		))
		msg.ParseMode = tgbotapi.ModeMarkdownV2

		_, err = bot.Send(msg)
		return err
	}
}

func reply(bot *tgbotapi.BotAPI, update tgbotapi.Update, text string) error {
	_, err := bot.Send(tgbotapi.NewMessage(update.FromChat().ID, text))
	return err
}
