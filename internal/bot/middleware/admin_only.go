package middleware

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kovalyov-valentin/infra-bot/internal/botkit"
)

// AdminOnly пропускает к view только пользователей, для которых isAdmin вернул true
func AdminOnly(isAdmin func(telegramID int64) bool, next botkit.ViewFunc) botkit.ViewFunc {
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		// Проверка на то, что тот кто отправил команду находится в списке администраторов
		if from := update.SentFrom(); from != nil && isAdmin(from.ID) {
			return next(ctx, bot, update)
		}

		if _, err := bot.Send(tgbotapi.NewMessage(update.FromChat().ID, "У вас нет прав для выполнения этой команды")); err != nil {
			return err
		}
		return nil
	}
}
