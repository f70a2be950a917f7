package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kovalyov-valentin/infra-bot/internal/botkit"
	"github.com/kovalyov-valentin/infra-bot/internal/fetcher"
)

type Ingester interface {
	Fetch(ctx context.Context) ([]fetcher.Report, error)
}

// ViewCmdIngest запускает внеочередной сбор по всем источникам
func ViewCmdIngest(ingester Ingester) botkit.ViewFunc {
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		reports, err := ingester.Fetch(ctx)
		if err != nil {
			return err
		}

		return reply(bot, update, FormatIngestReports(reports))
	}
}

func FormatIngestReports(reports []fetcher.Report) string {
	if len(reports) == 0 {
		return "Источников нет, собирать нечего."
	}

	var (
		b       strings.Builder
		created int
	)
	b.WriteString("Сбор завершен.\n")
	for _, r := range reports {
		created += r.Count(fetcher.OutcomeCreated)

		if r.Err != nil {
			fmt.Fprintf(&b, "\n#%d: ошибка: %v", r.SourceID, r.Err)
			continue
		}
		fmt.Fprintf(&b, "\n#%d: новых %d, дублей %d, пропущено %d, с ошибкой %d",
			r.SourceID,
			r.Count(fetcher.OutcomeCreated),
			r.Count(fetcher.OutcomeDuplicate),
			r.Count(fetcher.OutcomeSkipped),
			r.Count(fetcher.OutcomeFailed),
		)
	}
	fmt.Fprintf(&b, "\n\nВсего новых материалов: %d", created)

	return b.String()
}
