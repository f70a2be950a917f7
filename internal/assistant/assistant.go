// Package assistant отвечает на вопросы пользователей и готовит DeepDive отчеты.
package assistant

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kovalyov-valentin/infra-bot/internal/llm"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	minBullets = 2
	maxBullets = 6

	minReportRunes = 1500
	maxReportRunes = 2500
)

const (
	answerFallback = "Ответ будет доступен позже."
	bulletFiller   = "Подробности уточняются."
	reportFiller   = "Дополнительные детали. "

	ClarificationQuestion = "Что именно хотите понять глубже по этой новости?"
)

const (
	answerSystemPrompt = "Ты аналитик. Отвечай на русском, только списком 2-6 буллетов."
	reportSystemPrompt = "Ты опытный аналитик."
	reportPrompt       = "Составь структурированный отчёт на русском (1500–2500 символов). " +
		"Структура: 1) Резюме 2) Ключевые факты 3) Риски и последствия " +
		"4) Что наблюдать дальше. Используй связный текст и подзаголовки."
)

var (
	bulletMarkers = "•-*—"
	bulletSplit   = regexp.MustCompile(`[•\n]`)
	sentenceSplit = regexp.MustCompile(`[.!?]+`)
)

type Assistant struct {
	provider llm.Provider
	logger   *zap.Logger
}

func New(provider llm.Provider, logger *zap.Logger) *Assistant {
	return &Assistant{provider: provider, logger: logger.Named("assistant")}
}

// Answer отвечает на вопрос списком из 2-6 пунктов.
// Без модели или при ее ошибке возвращается заглушка.
func (a *Assistant) Answer(ctx context.Context, question string) string {
	if !a.enabled() {
		return FormatBullets(answerFallback)
	}

	reply, err := a.provider.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: answerSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Вопрос: %s\nОтветь 2-6 буллетами, без лишнего текста.", question)},
	})
	if err != nil {
		a.logger.Error("failed to generate answer", zap.Error(err))
		return FormatBullets(answerFallback)
	}

	return FormatBullets(reply)
}

// DeepDive готовит отчет по материалу длиной 1500-2500 символов
func (a *Assistant) DeepDive(ctx context.Context, item model.Item, clarification string) string {
	fallback := fmt.Sprintf("Материал: %s\n\n%s", item.Title, item.Text)
	filler := lo.Ternary(item.Text != "", item.Text, item.Title)

	if !a.enabled() {
		return fitReport(fallback, filler)
	}

	reply, err := a.provider.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: reportSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"%s\n\nНовость: %s\n%s\n\nУточнение пользователя: %s",
			reportPrompt, item.Title, item.Text, clarification,
		)},
	})
	if err != nil {
		a.logger.Error("failed to generate deepdive", zap.Int64("item_id", item.ID), zap.Error(err))
		reply = fallback
	}

	return fitReport(reply, filler)
}

func (a *Assistant) enabled() bool {
	return a.provider != nil && a.provider.Enabled()
}

// FormatBullets приводит ответ модели к списку из 2-6 пунктов
func FormatBullets(text string) string {
	lines := lo.FilterMap(strings.Split(text, "\n"), func(line string, _ int) (string, bool) {
		line = strings.TrimSpace(line)
		return line, line != ""
	})

	bullets := lo.FilterMap(lines, func(line string, _ int) (string, bool) {
		if !strings.ContainsRune(bulletMarkers, []rune(line)[0]) {
			return "", false
		}
		line = strings.TrimSpace(strings.TrimLeft(line, bulletMarkers))
		return line, line != ""
	})

	if len(bullets) == 0 {
		if parts := splitNonEmpty(bulletSplit, text); len(parts) > 1 {
			bullets = parts
		}
	}
	if len(bullets) == 0 {
		bullets = splitNonEmpty(sentenceSplit, text)
	}

	if len(bullets) < minBullets {
		bullets = append(bullets, bulletFiller)
	}
	if len(bullets) > maxBullets {
		bullets = bullets[:maxBullets]
	}

	return strings.Join(lo.Map(bullets, func(b string, _ int) string { return "• " + b }), "\n")
}

func splitNonEmpty(re *regexp.Regexp, text string) []string {
	return lo.FilterMap(re.Split(text, -1), func(part string, _ int) (string, bool) {
		part = strings.TrimSpace(part)
		return part, part != ""
	})
}

// fitReport обрезает длинный отчет и дополняет короткий текстом материала
func fitReport(text, filler string) string {
	report := []rune(strings.TrimSpace(text))
	if len(report) > maxReportRunes {
		return strings.TrimRightFunc(string(report[:maxReportRunes]), isSpace)
	}

	fill := []rune(strings.TrimSpace(filler))
	for len(report) < minReportRunes && len(fill) > 0 {
		need := minReportRunes - len(report) - 2
		if need <= 0 {
			break
		}
		chunk := fill[:min(need, len(fill))]
		report = []rune(strings.TrimSpace(string(report) + "\n\n" + string(chunk)))
		if len(fill) <= need {
			break
		}
	}

	if len(report) < minReportRunes {
		padded := []rune(string(report) + "\n\n" + strings.Repeat(reportFiller, 80))
		return string(padded[:minReportRunes])
	}

	return string(report)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t'
}
