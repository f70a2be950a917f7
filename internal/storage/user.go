package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/lib/pq"
	"github.com/samber/lo"
)

const userColumns = `u.id, u.tg_id, u.username, u.plan_tier, u.jobs_enabled, u.delivery_mode, u.batch_interval_hours,
	u.quiet_hours_start, u.quiet_hours_end, u.only_important, u.last_ai_request_at, u.last_digest_at, u.created_at`

// EnsureUser находит пользователя по telegram id или регистрирует нового
func (s *Postgres) EnsureUser(ctx context.Context, telegramID int64, username string) (*model.User, error) {
	var user dbUser
	if err := sqlx.GetContext(
		ctx,
		s.ext(ctx),
		&user,
		`INSERT INTO users AS u (tg_id, username) VALUES ($1, $2)
		ON CONFLICT (tg_id) DO UPDATE SET username = COALESCE(NULLIF(EXCLUDED.username, ''), u.username)
		RETURNING `+userColumns,
		telegramID, username,
	); err != nil {
		return nil, fmt.Errorf("ensure user %d: %w", telegramID, err)
	}

	return lo.ToPtr(user.toModel()), nil
}

func (s *Postgres) UserByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users u WHERE u.tg_id = $1`, telegramID)
}

func (s *Postgres) UserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id)
}

func (s *Postgres) getUser(ctx context.Context, query string, arg int64) (*model.User, error) {
	var user dbUser
	if err := sqlx.GetContext(ctx, s.ext(ctx), &user, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return lo.ToPtr(user.toModel()), nil
}

// UpdateUserSettings сохраняет настройки доставки и тариф
func (s *Postgres) UpdateUserSettings(ctx context.Context, user model.User) error {
	if _, err := s.ext(ctx).ExecContext(
		ctx,
		`UPDATE users SET plan_tier = $1, jobs_enabled = $2, delivery_mode = $3, batch_interval_hours = $4,
			quiet_hours_start = $5, quiet_hours_end = $6, only_important = $7
		WHERE id = $8`,
		user.Plan, user.JobsEnabled, user.DeliveryMode, user.DigestIntervalHours,
		user.QuietHoursStart, user.QuietHoursEnd, user.OnlyImportant, user.ID,
	); err != nil {
		return fmt.Errorf("update user %d settings: %w", user.ID, err)
	}

	return nil
}

func (s *Postgres) UsersByMode(ctx context.Context, mode string) ([]model.User, error) {
	var users []dbUser
	if err := sqlx.SelectContext(ctx, s.ext(ctx), &users, `SELECT `+userColumns+` FROM users u WHERE u.delivery_mode = $1 ORDER BY u.id`, mode); err != nil {
		return nil, fmt.Errorf("select users by mode: %w", err)
	}

	return lo.Map(users, func(user dbUser, _ int) model.User { return user.toModel() }), nil
}

// InstantSubscribers - пользователи в режиме instant, подписанные хотя бы на одну из тем
func (s *Postgres) InstantSubscribers(ctx context.Context, topicIDs []int64) ([]model.User, error) {
	if len(topicIDs) == 0 {
		return nil, nil
	}

	var users []dbUser
	if err := sqlx.SelectContext(
		ctx,
		s.ext(ctx),
		&users,
		`SELECT `+userColumns+` FROM users u
		WHERE u.delivery_mode = $1
			AND EXISTS (SELECT 1 FROM user_topics ut WHERE ut.user_id = u.id AND ut.topic_id = ANY($2))
		ORDER BY u.id`,
		model.DeliveryInstant, pq.Array(topicIDs),
	); err != nil {
		return nil, fmt.Errorf("select instant subscribers: %w", err)
	}

	return lo.Map(users, func(user dbUser, _ int) model.User { return user.toModel() }), nil
}

func (s *Postgres) UserTopicIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	if err := sqlx.SelectContext(ctx, s.ext(ctx), &ids, `SELECT topic_id FROM user_topics WHERE user_id = $1 ORDER BY topic_id`, userID); err != nil {
		return nil, fmt.Errorf("select user %d topics: %w", userID, err)
	}

	return ids, nil
}

// SetUserTopics полностью заменяет подписки пользователя
func (s *Postgres) SetUserTopics(ctx context.Context, userID int64, topicIDs []int64) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.ext(ctx).ExecContext(ctx, `DELETE FROM user_topics WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete user %d topics: %w", userID, err)
		}

		for _, topicID := range lo.Uniq(topicIDs) {
			if _, err := s.ext(ctx).ExecContext(
				ctx,
				`INSERT INTO user_topics (user_id, topic_id) SELECT $1, id FROM topics WHERE id = $2 ON CONFLICT DO NOTHING`,
				userID, topicID,
			); err != nil {
				return fmt.Errorf("insert user %d topic %d: %w", userID, topicID, err)
			}
		}

		return nil
	})
}

func (s *Postgres) SetLastDigestAt(ctx context.Context, userID int64, at time.Time) error {
	if _, err := s.ext(ctx).ExecContext(ctx, `UPDATE users SET last_digest_at = $1 WHERE id = $2`, at, userID); err != nil {
		return fmt.Errorf("update user %d last digest: %w", userID, err)
	}

	return nil
}

type dbUser struct {
	ID                  int64      `db:"id"`
	TelegramID          int64      `db:"tg_id"`
	Username            string     `db:"username"`
	Plan                string     `db:"plan_tier"`
	JobsEnabled         bool       `db:"jobs_enabled"`
	DeliveryMode        string     `db:"delivery_mode"`
	DigestIntervalHours int        `db:"batch_interval_hours"`
	QuietHoursStart     *int       `db:"quiet_hours_start"`
	QuietHoursEnd       *int       `db:"quiet_hours_end"`
	OnlyImportant       bool       `db:"only_important"`
	LastAIRequestAt     *time.Time `db:"last_ai_request_at"`
	LastDigestAt        *time.Time `db:"last_digest_at"`
	CreatedAt           time.Time  `db:"created_at"`
}

func (u dbUser) toModel() model.User {
	return model.User(u)
}
