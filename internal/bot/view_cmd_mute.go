package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kovalyov-valentin/infra-bot/internal/botkit"
	"github.com/kovalyov-valentin/infra-bot/internal/fetcher"
	"github.com/kovalyov-valentin/infra-bot/internal/storage"
)

const (
	muteUsage        = "Формат: /mute <id источника> [часы]"
	defaultMuteHours = 24
	maxMuteHours     = 24 * 7
)

type AlertMuter interface {
	Mute(ctx context.Context, key string, duration time.Duration) error
}

// ViewCmdMute глушит алерты сбора по источнику. Повторы схлопываются
// до конца срока, а сообщение о восстановлении все равно приходит.
func ViewCmdMute(alerts AlertMuter) botkit.ViewFunc {
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		fields := strings.Fields(update.Message.CommandArguments())
		if len(fields) == 0 || len(fields) > 2 {
			return reply(bot, update, muteUsage)
		}

		sourceID, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return reply(bot, update, muteUsage)
		}

		hours := defaultMuteHours
		if len(fields) == 2 {
			hours, err = strconv.Atoi(fields[1])
			if err != nil || hours < 1 || hours > maxMuteHours {
				return reply(bot, update, fmt.Sprintf("Часы должны быть от 1 до %d.", maxMuteHours))
			}
		}

		err = alerts.Mute(ctx, fetcher.AlertKey(sourceID), time.Duration(hours)*time.Hour)
		if errors.Is(err, storage.ErrNotFound) {
			return reply(bot, update, fmt.Sprintf("По источнику %d алертов нет.", sourceID))
		}
		if err != nil {
			return err
		}

		return reply(bot, update, fmt.Sprintf("Алерты источника %d заглушены на %d ч.", sourceID, hours))
	}
}
