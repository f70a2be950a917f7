package tagging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kovalyov-valentin/infra-bot/internal/llm"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/samber/lo"
)

const (
	// Сколько тем каталога отдаем модели
	maxCatalogTopics = 50
	// Сколько символов текста отдаем модели
	maxExcerptRunes = 1200
)

const (
	classifierSystemPrompt = "Ты помощник, который выбирает темы."
	classifierUserPrompt   = "Выбери 1-3 темы, которые лучше всего подходят к материалу. " +
		"Ответь JSON-массивом идентификаторов тем, например: [1,2]."
)

// LLMClassifier просит языковую модель выбрать темы из каталога
type LLMClassifier struct {
	provider llm.Provider
}

func NewLLMClassifier(provider llm.Provider) *LLMClassifier {
	return &LLMClassifier{provider: provider}
}

type catalogEntry struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Classify возвращает до трех тем. Отключенная модель или ответ, который
// не удалось разобрать, дают пустой результат без ошибки.
func (c *LLMClassifier) Classify(ctx context.Context, topics []model.Topic, title, text string) ([]int64, error) {
	if c.provider == nil || !c.provider.Enabled() {
		return nil, nil
	}

	if len(topics) > maxCatalogTopics {
		topics = topics[:maxCatalogTopics]
	}

	catalog, err := json.Marshal(lo.Map(topics, func(t model.Topic, _ int) catalogEntry {
		return catalogEntry{ID: t.ID, Name: t.Name, Description: t.Description}
	}))
	if err != nil {
		return nil, err
	}

	excerpt := []rune(text)
	if len(excerpt) > maxExcerptRunes {
		excerpt = excerpt[:maxExcerptRunes]
	}

	reply, err := c.provider.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: classifierSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("%s\n\nТемы: %s\n\nТекст: %s\n\n%s", classifierUserPrompt, catalog, title, string(excerpt))},
	})
	if err != nil {
		return nil, fmt.Errorf("classify topics: %w", err)
	}

	return parseSelection(reply, topics), nil
}

// parseSelection принимает массив id или имен тем, либо объект
// с ключом topics или topic_ids.
func parseSelection(reply string, topics []model.Topic) []int64 {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.Trim(reply, "`\n ")

	var values []any
	if err := json.Unmarshal([]byte(reply), &values); err != nil {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal([]byte(reply), &wrapped); err != nil {
			return nil
		}
		raw, ok := wrapped["topics"]
		if !ok {
			raw = wrapped["topic_ids"]
		}
		if raw == nil || json.Unmarshal(raw, &values) != nil {
			return nil
		}
	}

	byName := lo.SliceToMap(topics, func(t model.Topic) (string, int64) { return strings.ToLower(t.Name), t.ID })
	valid := lo.SliceToMap(topics, func(t model.Topic) (int64, bool) { return t.ID, true })

	var selected []int64
	for _, value := range values {
		var id int64
		switch v := value.(type) {
		case float64:
			if v == float64(int64(v)) && valid[int64(v)] {
				id = int64(v)
			}
		case string:
			id = byName[strings.ToLower(strings.TrimSpace(v))]
		}

		if id != 0 && !lo.Contains(selected, id) {
			selected = append(selected, id)
		}
		if len(selected) >= maxTopics {
			break
		}
	}

	return selected
}
