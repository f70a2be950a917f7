package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/samber/lo"

	"github.com/kovalyov-valentin/infra-bot/internal/botkit"
	"github.com/kovalyov-valentin/infra-bot/internal/botkit/markup"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
)

type SourceLister interface {
	Sources(ctx context.Context) ([]model.Source, error)
}

var sourceIcons = map[string]string{
	model.SourceTypeRSS:      "🌐",
	model.SourceTypeTelegram: "✈️",
	model.SourceTypeReddit:   "👽",
}

func ViewCmdListSources(lister SourceLister) botkit.ViewFunc {
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		// Получаем список источников от листера
		sources, err := lister.Sources(ctx)
		if err != nil {
			return err
		}

		if len(sources) == 0 {
			return reply(bot, update, "Источников пока нет.")
		}

		var (
			// Складываем в нее сформатированные тексты с метаинформацией об источниках
			sourceInfos = lo.Map(sources, func(source model.Source, _ int) string {
				return formatSource(source)
			})
			msgText = fmt.Sprintf(
				"Список источников \\(всего %d\\):\n\n%s",
				len(sources),
				strings.Join(sourceInfos, "\n\n"),
			)
		)

		msg := tgbotapi.NewMessage(update.Message.Chat.ID, msgText)
		msg.ParseMode = tgbotapi.ModeMarkdownV2

		_, err = bot.Send(msg)
		return err
	}
}

// Вывод форматированной информации об источниках
func formatSource(source model.Source) string {
	return fmt.Sprintf(
		"%s %s\nID: %s\nТип: %s\nАдрес: %s\nДоверие: %d",
		lo.ValueOr(sourceIcons, source.Type, "📰"),
		markup.Bold(source.Name),
		markup.Code(fmt.Sprint(source.ID)),
		markup.EscapeForMarkdown(source.Type),
		markup.EscapeForMarkdown(source.URL),
		source.TrustManual,
	)
}
