package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CountAIUsage считает запросы пользователя к AI в полуинтервале [from, to)
func (s *Postgres) CountAIUsage(ctx context.Context, userID int64, from, to time.Time) (int, error) {
	var count int
	if err := sqlx.GetContext(
		ctx,
		s.ext(ctx),
		&count,
		`SELECT COUNT(*) FROM ai_usage WHERE user_id = $1 AND created_at >= $2 AND created_at < $3`,
		userID, from, to,
	); err != nil {
		return 0, fmt.Errorf("count ai usage: %w", err)
	}

	return count, nil
}

// RecordAIUsage добавляет запись в журнал и обновляет время последнего запроса пользователя
func (s *Postgres) RecordAIUsage(ctx context.Context, userID int64, purpose string, at time.Time) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.ext(ctx).ExecContext(
			ctx,
			`INSERT INTO ai_usage (user_id, purpose, created_at) VALUES ($1, $2, $3)`,
			userID, purpose, at,
		); err != nil {
			return fmt.Errorf("insert ai usage: %w", err)
		}

		if _, err := s.ext(ctx).ExecContext(ctx, `UPDATE users SET last_ai_request_at = $1 WHERE id = $2`, at, userID); err != nil {
			return fmt.Errorf("update user %d last ai request: %w", userID, err)
		}

		return nil
	})
}
