package tagging

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Сколько тем максимум назначается одному материалу
const maxTopics = 3

type TopicStorage interface {
	Topics(ctx context.Context) ([]model.Topic, error)
	ItemTopics(ctx context.Context, itemID int64) ([]model.ItemTopic, error)
	ReplaceAutoTopics(ctx context.Context, itemID int64, topics []model.ItemTopic) error
}

// Classifier выбирает темы, когда по ключевым словам явного лидера нет
type Classifier interface {
	Classify(ctx context.Context, topics []model.Topic, title, text string) ([]int64, error)
}

type Tagger struct {
	topics     TopicStorage
	classifier Classifier
	logger     *zap.Logger
}

// classifier может быть nil, тогда используется только скоринг по словам
func New(topics TopicStorage, classifier Classifier, logger *zap.Logger) *Tagger {
	return &Tagger{
		topics:     topics,
		classifier: classifier,
		logger:     logger.Named("tagging"),
	}
}

type scoredTopic struct {
	topic model.Topic
	score float64
}

// Assign подбирает темы материалу и заменяет его автоматические привязки.
// Залоченные привязки остаются как есть.
func (t *Tagger) Assign(ctx context.Context, item model.Item) ([]model.ItemTopic, error) {
	topics, err := t.topics.Topics(ctx)
	if err != nil {
		return nil, fmt.Errorf("load topics: %w", err)
	}
	if len(topics) == 0 {
		return nil, nil
	}

	existing, err := t.topics.ItemTopics(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("load topics of item %d: %w", item.ID, err)
	}
	locked := lo.SliceToMap(
		lo.Filter(existing, func(row model.ItemTopic, _ int) bool { return row.Locked }),
		func(row model.ItemTopic) (int64, bool) { return row.TopicID, true },
	)

	scored := scoreTopics(topics, item.Title+" "+item.Text)

	var selected []int64
	if isClearLeader(scored) {
		selected = topIDs(scored)
	} else if t.classifier != nil {
		selected, err = t.classifier.Classify(ctx, topics, item.Title, item.Text)
		if err != nil {
			t.logger.Warn("topic classifier failed", zap.Int64("item_id", item.ID), zap.Error(err))
			selected = nil
		}
	}

	if len(selected) == 0 {
		selected = topIDs(scored)
	}
	if len(selected) == 0 {
		return nil, nil
	}

	scores := lo.SliceToMap(scored, func(s scoredTopic) (int64, float64) { return s.topic.ID, s.score })

	rows := lo.FilterMap(selected, func(topicID int64, _ int) (model.ItemTopic, bool) {
		if locked[topicID] {
			return model.ItemTopic{}, false
		}
		row := model.ItemTopic{ItemID: item.ID, TopicID: topicID, AssignedBy: model.AssignedByAuto}
		if score, ok := scores[topicID]; ok {
			row.Score = lo.ToPtr(score)
		}
		return row, true
	})

	if err := t.topics.ReplaceAutoTopics(ctx, item.ID, rows); err != nil {
		return nil, fmt.Errorf("replace topics of item %d: %w", item.ID, err)
	}

	return rows, nil
}

// scoreTopics считает для каждой темы число вхождений ее ключевых слов в текст.
// Темы без совпадений отбрасываются, результат отсортирован по убыванию,
// при равенстве сохраняется порядок каталога.
func scoreTopics(topics []model.Topic, text string) []scoredTopic {
	normalized := normalize(text)

	scored := lo.FilterMap(topics, func(topic model.Topic, _ int) (scoredTopic, bool) {
		var score float64
		for _, keyword := range topic.Keywords {
			keyword = strings.ToLower(strings.TrimSpace(keyword))
			if keyword == "" {
				continue
			}
			score += float64(strings.Count(normalized, keyword))
		}
		return scoredTopic{topic: topic, score: score}, score > 0
	})

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	return scored
}

func isClearLeader(scored []scoredTopic) bool {
	switch len(scored) {
	case 0:
		return false
	case 1:
		return true
	}
	return scored[0].score >= scored[1].score+1
}

func topIDs(scored []scoredTopic) []int64 {
	if len(scored) > maxTopics {
		scored = scored[:maxTopics]
	}
	return lo.Map(scored, func(s scoredTopic, _ int) int64 { return s.topic.ID })
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
