package fetcher

import (
	"github.com/kovalyov-valentin/infra-bot/internal/source"
	"github.com/samber/lo"
)

// Outcome - что случилось с записью источника
type Outcome string

const (
	// Материал сохранен и обогащен
	OutcomeCreated Outcome = "created"
	// Такой материал уже есть
	OutcomeDuplicate Outcome = "duplicate"
	// Запись не прошла проверку качества или хранилище ее не приняло
	OutcomeSkipped Outcome = "skipped"
	// Материал сохранен, но теги или оценка не проставились
	OutcomeFailed Outcome = "failed"
)

type EntryResult struct {
	Outcome Outcome
	ItemID  int64
	Title   string
	Err     error
}

// Report - итог обработки одного источника
type Report struct {
	SourceID int64
	Entries  []source.Entry
	Results  []EntryResult
	// Ошибка получения или сохранения пачки
	Err error
}

func (r Report) Count(outcome Outcome) int {
	return lo.CountBy(r.Results, func(res EntryResult) bool { return res.Outcome == outcome })
}
