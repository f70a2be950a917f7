package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/lib/pq"
	"github.com/samber/lo"
)

func (s *Postgres) Topics(ctx context.Context) ([]model.Topic, error) {
	var topics []dbTopic
	if err := sqlx.SelectContext(
		ctx,
		s.ext(ctx),
		&topics,
		`SELECT id, name, description, keywords, sort_order FROM topics ORDER BY sort_order NULLS LAST, id`,
	); err != nil {
		return nil, fmt.Errorf("select topics: %w", err)
	}

	return lo.Map(topics, func(topic dbTopic, _ int) model.Topic { return topic.toModel() }), nil
}

// UpsertTopic создает тему или обновляет существующую с тем же именем
func (s *Postgres) UpsertTopic(ctx context.Context, topic model.Topic) (int64, error) {
	var id int64
	if err := sqlx.GetContext(
		ctx,
		s.ext(ctx),
		&id,
		`INSERT INTO topics (name, description, keywords, sort_order) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			keywords = EXCLUDED.keywords,
			sort_order = EXCLUDED.sort_order
		RETURNING id`,
		topic.Name, topic.Description, pq.StringArray(lo.Ternary(topic.Keywords == nil, []string{}, topic.Keywords)), topic.Order,
	); err != nil {
		return 0, fmt.Errorf("upsert topic %q: %w", topic.Name, err)
	}

	return id, nil
}

func (s *Postgres) ItemTopics(ctx context.Context, itemID int64) ([]model.ItemTopic, error) {
	var rows []dbItemTopic
	if err := sqlx.SelectContext(
		ctx,
		s.ext(ctx),
		&rows,
		`SELECT item_id, topic_id, locked, score, assigned_by FROM item_topics WHERE item_id = $1 ORDER BY topic_id`,
		itemID,
	); err != nil {
		return nil, fmt.Errorf("select item %d topics: %w", itemID, err)
	}

	return lo.Map(rows, func(row dbItemTopic, _ int) model.ItemTopic { return model.ItemTopic(row) }), nil
}

// ReplaceAutoTopics заменяет все незалоченные привязки материала на новые.
// Темы, залоченные вручную, не удаляются и не перезаписываются.
func (s *Postgres) ReplaceAutoTopics(ctx context.Context, itemID int64, topics []model.ItemTopic) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.ext(ctx).ExecContext(ctx, `DELETE FROM item_topics WHERE item_id = $1 AND NOT locked`, itemID); err != nil {
			return fmt.Errorf("delete auto topics of item %d: %w", itemID, err)
		}

		for _, topic := range topics {
			if _, err := s.ext(ctx).ExecContext(
				ctx,
				`INSERT INTO item_topics (item_id, topic_id, locked, score, assigned_by)
				VALUES ($1, $2, false, $3, $4)
				ON CONFLICT (item_id, topic_id) DO NOTHING`,
				itemID, topic.TopicID, topic.Score, lo.Ternary(topic.AssignedBy == "", model.AssignedByAuto, topic.AssignedBy),
			); err != nil {
				return fmt.Errorf("insert topic %d of item %d: %w", topic.TopicID, itemID, err)
			}
		}

		return nil
	})
}

// LockItemTopic вручную привязывает тему к материалу и защищает ее от автотеггинга
func (s *Postgres) LockItemTopic(ctx context.Context, itemID, topicID int64) error {
	if _, err := s.ext(ctx).ExecContext(
		ctx,
		`INSERT INTO item_topics (item_id, topic_id, locked, assigned_by) VALUES ($1, $2, true, 'manual')
		ON CONFLICT (item_id, topic_id) DO UPDATE SET locked = true, assigned_by = 'manual'`,
		itemID, topicID,
	); err != nil {
		return fmt.Errorf("lock topic %d of item %d: %w", topicID, itemID, err)
	}

	return nil
}

type dbTopic struct {
	ID          int64          `db:"id"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	Keywords    pq.StringArray `db:"keywords"`
	Order       *int           `db:"sort_order"`
}

func (t dbTopic) toModel() model.Topic {
	return model.Topic{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Keywords:    []string(t.Keywords),
		Order:       t.Order,
	}
}

type dbItemTopic struct {
	ItemID     int64    `db:"item_id"`
	TopicID    int64    `db:"topic_id"`
	Locked     bool     `db:"locked"`
	Score      *float64 `db:"score"`
	AssignedBy string   `db:"assigned_by"`
}
