package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/samber/lo"
)

// LatestAlert возвращает последний алерт с данным ключом дедупликации
func (s *Postgres) LatestAlert(ctx context.Context, dedupKey string) (*model.Alert, error) {
	var alert dbAlert
	if err := sqlx.GetContext(
		ctx,
		s.ext(ctx),
		&alert,
		`SELECT id, dedup_key, title, message, severity, status, acknowledged, muted_until, last_sent_at, created_at
		FROM alerts WHERE dedup_key = $1 ORDER BY id DESC LIMIT 1`,
		dedupKey,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest alert %q: %w", dedupKey, err)
	}

	return lo.ToPtr(model.Alert(alert)), nil
}

func (s *Postgres) CreateAlert(ctx context.Context, alert model.Alert) (int64, error) {
	var id int64
	if err := sqlx.GetContext(
		ctx,
		s.ext(ctx),
		&id,
		`INSERT INTO alerts (dedup_key, title, message, severity, status, acknowledged, muted_until, last_sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		alert.DedupKey, alert.Title, alert.Message, alert.Severity, alert.Status,
		alert.Acknowledged, alert.MutedUntil, alert.LastSentAt, alert.CreatedAt,
	); err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}

	return id, nil
}

func (s *Postgres) MuteAlert(ctx context.Context, id int64, until time.Time) error {
	if _, err := s.ext(ctx).ExecContext(ctx, `UPDATE alerts SET muted_until = $1 WHERE id = $2`, until, id); err != nil {
		return fmt.Errorf("mute alert %d: %w", id, err)
	}

	return nil
}

type dbAlert struct {
	ID           int64      `db:"id"`
	DedupKey     string     `db:"dedup_key"`
	Title        string     `db:"title"`
	Message      string     `db:"message"`
	Severity     string     `db:"severity"`
	Status       string     `db:"status"`
	Acknowledged bool       `db:"acknowledged"`
	MutedUntil   *time.Time `db:"muted_until"`
	LastSentAt   *time.Time `db:"last_sent_at"`
	CreatedAt    time.Time  `db:"created_at"`
}
