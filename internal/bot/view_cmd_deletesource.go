package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kovalyov-valentin/infra-bot/internal/botkit"
	"github.com/kovalyov-valentin/infra-bot/internal/storage"
)

const deleteSourceUsage = "Формат: /deletesource <id>"

type SourceDeleter interface {
	DeleteSource(ctx context.Context, id int64) error
}

// ViewCmdDeleteSource удаляет источник вместе с его материалами
func ViewCmdDeleteSource(sources SourceDeleter) botkit.ViewFunc {
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		id, err := strconv.ParseInt(strings.TrimSpace(update.Message.CommandArguments()), 10, 64)
		if err != nil {
			return reply(bot, update, deleteSourceUsage)
		}

		err = sources.DeleteSource(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return reply(bot, update, fmt.Sprintf("Источник %d не найден.", id))
		}
		if err != nil {
			return err
		}

		return reply(bot, update, fmt.Sprintf("Источник %d удален.", id))
	}
}
