package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

func (s *Postgres) IsDelivered(ctx context.Context, userID, itemID int64) (bool, error) {
	var exists bool
	if err := sqlx.GetContext(
		ctx,
		s.ext(ctx),
		&exists,
		`SELECT EXISTS(SELECT 1 FROM delivery_messages WHERE user_id = $1 AND item_id = $2)`,
		userID, itemID,
	); err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}

	return exists, nil
}

// ClaimDelivery резервирует пару (пользователь, материал) до отправки.
// false означает, что пару уже забрал другой путь доставки и отправлять не нужно.
func (s *Postgres) ClaimDelivery(ctx context.Context, userID, itemID, chatID int64, at time.Time) (bool, error) {
	res, err := s.ext(ctx).ExecContext(
		ctx,
		`INSERT INTO delivery_messages (user_id, item_id, chat_id, delivered_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, item_id) DO NOTHING`,
		userID, itemID, chatID, at,
	)
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim delivery rows: %w", err)
	}

	return n == 1, nil
}

// ConfirmDelivery записывает id отправленного сообщения
func (s *Postgres) ConfirmDelivery(ctx context.Context, userID, itemID int64, messageID int) error {
	if _, err := s.ext(ctx).ExecContext(
		ctx,
		`UPDATE delivery_messages SET message_id = $1 WHERE user_id = $2 AND item_id = $3`,
		messageID, userID, itemID,
	); err != nil {
		return fmt.Errorf("confirm delivery: %w", err)
	}

	return nil
}

// ReleaseDelivery снимает резерв после неудачной отправки
func (s *Postgres) ReleaseDelivery(ctx context.Context, userID, itemID int64) error {
	if _, err := s.ext(ctx).ExecContext(
		ctx,
		`DELETE FROM delivery_messages WHERE user_id = $1 AND item_id = $2 AND message_id IS NULL`,
		userID, itemID,
	); err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}

	return nil
}
