package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/lib/pq"
	"github.com/samber/lo"
)

const itemColumns = `i.id, i.source_id, i.external_id, i.url, i.title, i.text, i.published_at, i.content_hash,
	i.lang, i.is_job, i.impact, i.trust_score, i.trust_status, i.sentinel_json, i.created_at`

func (s *Postgres) ItemExists(ctx context.Context, contentHash string) (bool, error) {
	var exists bool
	if err := sqlx.GetContext(ctx, s.ext(ctx), &exists, `SELECT EXISTS(SELECT 1 FROM items WHERE content_hash = $1)`, contentHash); err != nil {
		return false, fmt.Errorf("check item hash: %w", err)
	}

	return exists, nil
}

// CreateItem сохраняет материал. Если материал с таким же ключом уже есть,
// возвращает created=false без ошибки, транзакция при этом не ломается.
func (s *Postgres) CreateItem(ctx context.Context, item model.Item) (int64, bool, error) {
	var id int64
	err := sqlx.GetContext(
		ctx,
		s.ext(ctx),
		&id,
		`INSERT INTO items (source_id, external_id, url, title, text, published_at, content_hash, lang, is_job)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING id`,
		item.SourceID, item.ExternalID, item.URL, item.Title, item.Text, item.PublishedAt, item.ContentHash, item.Lang, item.IsJob,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("insert item: %w", err)
	}

	return id, true, nil
}

func (s *Postgres) ItemByID(ctx context.Context, id int64) (*model.Item, error) {
	var item dbItem
	if err := sqlx.GetContext(ctx, s.ext(ctx), &item, `SELECT `+itemColumns+` FROM items i WHERE i.id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}

	return lo.ToPtr(item.toModel()), nil
}

// UpdateItemEnrichment перезаписывает результаты Sentinel
func (s *Postgres) UpdateItemEnrichment(ctx context.Context, item model.Item) error {
	// jsonb передаем строкой, []byte драйвер отправил бы как bytea
	var sentinel *string
	if len(item.Sentinel) > 0 {
		sentinel = lo.ToPtr(string(item.Sentinel))
	}

	if _, err := s.ext(ctx).ExecContext(
		ctx,
		`UPDATE items SET impact = $1, trust_score = $2, trust_status = $3, sentinel_json = $4 WHERE id = $5`,
		item.Impact, item.TrustScore, item.TrustStatus, sentinel, item.ID,
	); err != nil {
		return fmt.Errorf("update item %d enrichment: %w", item.ID, err)
	}

	return nil
}

// DigestItems возвращает материалы по темам пользователя, созданные после since
// и еще не доставленные ему. Свежие по дате публикации идут первыми.
func (s *Postgres) DigestItems(ctx context.Context, userID int64, topicIDs []int64, since time.Time) ([]model.Item, error) {
	if len(topicIDs) == 0 {
		return nil, nil
	}

	var items []dbItem
	if err := sqlx.SelectContext(
		ctx,
		s.ext(ctx),
		&items,
		`SELECT `+itemColumns+` FROM items i
		WHERE i.created_at > $1
			AND EXISTS (SELECT 1 FROM item_topics it WHERE it.item_id = i.id AND it.topic_id = ANY($2))
			AND NOT EXISTS (SELECT 1 FROM delivery_messages d WHERE d.item_id = i.id AND d.user_id = $3)
		ORDER BY i.published_at DESC NULLS LAST, i.id DESC`,
		since, pq.Array(topicIDs), userID,
	); err != nil {
		return nil, fmt.Errorf("select digest items: %w", err)
	}

	return lo.Map(items, func(item dbItem, _ int) model.Item { return item.toModel() }), nil
}

// RecentItems - последние материалы по темам, для ленты в мини-приложении
func (s *Postgres) RecentItems(ctx context.Context, topicIDs []int64, limit int) ([]model.Item, error) {
	if len(topicIDs) == 0 {
		return nil, nil
	}

	var items []dbItem
	if err := sqlx.SelectContext(
		ctx,
		s.ext(ctx),
		&items,
		`SELECT `+itemColumns+` FROM items i
		WHERE EXISTS (SELECT 1 FROM item_topics it WHERE it.item_id = i.id AND it.topic_id = ANY($1))
		ORDER BY i.published_at DESC NULLS LAST, i.id DESC
		LIMIT $2`,
		pq.Array(topicIDs), limit,
	); err != nil {
		return nil, fmt.Errorf("select recent items: %w", err)
	}

	return lo.Map(items, func(item dbItem, _ int) model.Item { return item.toModel() }), nil
}

func (s *Postgres) JobItems(ctx context.Context, limit int) ([]model.Item, error) {
	var items []dbItem
	if err := sqlx.SelectContext(
		ctx,
		s.ext(ctx),
		&items,
		`SELECT `+itemColumns+` FROM items i WHERE i.is_job ORDER BY i.published_at DESC NULLS LAST, i.id DESC LIMIT $1`,
		limit,
	); err != nil {
		return nil, fmt.Errorf("select job items: %w", err)
	}

	return lo.Map(items, func(item dbItem, _ int) model.Item { return item.toModel() }), nil
}

type dbItem struct {
	ID          int64      `db:"id"`
	SourceID    int64      `db:"source_id"`
	ExternalID  string     `db:"external_id"`
	URL         string     `db:"url"`
	Title       string     `db:"title"`
	Text        string     `db:"text"`
	PublishedAt *time.Time `db:"published_at"`
	ContentHash string     `db:"content_hash"`
	Lang        string     `db:"lang"`
	IsJob       bool       `db:"is_job"`
	Impact      string     `db:"impact"`
	TrustScore  *int       `db:"trust_score"`
	TrustStatus string     `db:"trust_status"`
	Sentinel    []byte     `db:"sentinel_json"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (i dbItem) toModel() model.Item {
	return model.Item{
		ID:          i.ID,
		SourceID:    i.SourceID,
		ExternalID:  i.ExternalID,
		URL:         i.URL,
		Title:       i.Title,
		Text:        i.Text,
		PublishedAt: i.PublishedAt,
		ContentHash: i.ContentHash,
		Lang:        i.Lang,
		IsJob:       i.IsJob,
		Impact:      i.Impact,
		TrustScore:  i.TrustScore,
		TrustStatus: i.TrustStatus,
		Sentinel:    json.RawMessage(i.Sentinel),
		CreatedAt:   i.CreatedAt,
	}
}
