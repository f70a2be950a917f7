package notifier

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/kovalyov-valentin/infra-bot/internal/botkit/markup"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/samber/lo"
)

// Префикс callback-данных кнопки DeepDive
const DeepDivePrefix = "deepdive:"

const snippetRunes = 420

var (
	trustLabels = map[string]string{
		"confirmed": "ПОДТВЕРЖДЕНО",
		"mixed":     "СМЕШАННО",
		"unclear":   "НЕЯСНО",
		"hype":      "ХАЙП",
	}
	impactLabels = map[string]string{
		model.ImpactLow:    "НИЗКОЕ",
		model.ImpactMedium: "СРЕДНЕЕ",
		model.ImpactHigh:   "ВЫСОКОЕ",
	}
)

// FormatCard собирает карточку материала в MarkdownV2:
// заголовок, ссылка, отрывок текста и строка с оценками
func FormatCard(item model.Item) string {
	lines := []string{markup.Bold(strings.TrimSpace(item.Title))}

	if item.URL != "" {
		lines = append(lines, markup.EscapeForMarkdown(item.URL))
	}

	if snippet := Snippet(item.Text); snippet != "" {
		lines = append(lines, markup.EscapeForMarkdown(snippet))
	}

	trust, ok := trustLabels[item.TrustStatus]
	if !ok {
		trust = trustLabels["unclear"]
	}
	impact, ok := impactLabels[item.Impact]
	if !ok {
		impact = impactLabels[model.ImpactMedium]
	}

	lines = append(lines, markup.EscapeForMarkdown(fmt.Sprintf(
		"Доверие %d | Статус %s | Влияние %s",
		lo.FromPtrOr(item.TrustScore, 0), trust, impact,
	)))

	return strings.Join(lines, "\n\n")
}

// Snippet обрезает текст до 420 символов с многоточием
func Snippet(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= snippetRunes {
		return text
	}
	return strings.TrimRight(string(runes[:snippetRunes]), " \n\t") + "…"
}

func DeepDiveKeyboard(itemID int64) *tgbotapi.InlineKeyboardMarkup {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔎 DeepDive", DeepDivePrefix+strconv.FormatInt(itemID, 10)),
		),
	)
	return &keyboard
}

// ParseDeepDive достает id материала из callback-данных кнопки
func ParseDeepDive(data string) (int64, bool) {
	raw, ok := strings.CutPrefix(data, DeepDivePrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
