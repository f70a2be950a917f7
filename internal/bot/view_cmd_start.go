package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kovalyov-valentin/infra-bot/internal/botkit"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
)

const (
	startText = "Добро пожаловать в INFRA! Откройте мини-приложение, чтобы выбрать темы и режим доставки."
	helpText  = "Доступные команды:\n" +
		"/start - регистрация\n" +
		"/help - эта справка\n" +
		"/ask <вопрос> - спросить ассистента\n" +
		"/deepdive <id> <уточнение> - подробный отчет по материалу\n" +
		"/listsources - список источников"
)

type UserStorage interface {
	EnsureUser(ctx context.Context, telegramID int64, username string) (*model.User, error)
}

// ViewCmdStart регистрирует пользователя при первом обращении
func ViewCmdStart(users UserStorage) botkit.ViewFunc {
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		from := update.Message.From
		if _, err := users.EnsureUser(ctx, from.ID, from.UserName); err != nil {
			return err
		}

		_, err := bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, startText))
		return err
	}
}

func ViewCmdHelp() botkit.ViewFunc {
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		_, err := bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, helpText))
		return err
	}
}

