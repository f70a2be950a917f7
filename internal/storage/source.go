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

const sourceColumns = `id, name, type, url, trust_manual, job_keywords, job_regex, state, created_at`

// Метод для получения списка источников
func (s *Postgres) Sources(ctx context.Context) ([]model.Source, error) {
	var sources []dbSource
	if err := sqlx.SelectContext(ctx, s.ext(ctx), &sources, `SELECT `+sourceColumns+` FROM sources ORDER BY id`); err != nil {
		return nil, fmt.Errorf("select sources: %w", err)
	}

	return lo.Map(sources, func(source dbSource, _ int) model.Source {
		return source.toModel()
	}), nil
}

// Метод для получения источника по его id
func (s *Postgres) SourceByID(ctx context.Context, id int64) (*model.Source, error) {
	var source dbSource
	if err := sqlx.GetContext(ctx, s.ext(ctx), &source, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get source %d: %w", id, err)
	}

	return lo.ToPtr(source.toModel()), nil
}

// Метод для добавления источника
func (s *Postgres) AddSource(ctx context.Context, source model.Source) (int64, error) {
	row, err := newDBSource(source)
	if err != nil {
		return 0, err
	}

	var id int64
	err = sqlx.GetContext(
		ctx,
		s.ext(ctx),
		&id,
		`INSERT INTO sources (name, type, url, trust_manual, job_keywords, job_regex, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		row.Name, row.Type, row.URL, row.TrustManual, row.JobKeywords, row.JobRegex, string(row.State),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("source %s %s: %w", source.Type, source.URL, ErrAlreadyExists)
		}
		return 0, fmt.Errorf("insert source: %w", err)
	}

	return id, nil
}

// UpsertSource обновляет метаданные источника с тем же типом и урлом, не трогая его курсоры
func (s *Postgres) UpsertSource(ctx context.Context, source model.Source) (int64, error) {
	row, err := newDBSource(source)
	if err != nil {
		return 0, err
	}

	var id int64
	err = sqlx.GetContext(
		ctx,
		s.ext(ctx),
		&id,
		`INSERT INTO sources (name, type, url, trust_manual, job_keywords, job_regex, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (type, url) DO UPDATE SET
			name = EXCLUDED.name,
			trust_manual = EXCLUDED.trust_manual,
			job_keywords = EXCLUDED.job_keywords,
			job_regex = EXCLUDED.job_regex
		RETURNING id`,
		row.Name, row.Type, row.URL, row.TrustManual, row.JobKeywords, row.JobRegex, string(row.State),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert source: %w", err)
	}

	return id, nil
}

// Метод для удаления источника
func (s *Postgres) DeleteSource(ctx context.Context, id int64) error {
	res, err := s.ext(ctx).ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source %d: %w", id, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateSourceState сохраняет курсоры коннектора
func (s *Postgres) UpdateSourceState(ctx context.Context, id int64, state map[string]any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal source state: %w", err)
	}

	if _, err := s.ext(ctx).ExecContext(ctx, `UPDATE sources SET state = $1 WHERE id = $2`, string(raw), id); err != nil {
		return fmt.Errorf("update source %d state: %w", id, err)
	}

	return nil
}

// Внутренняя модель для работы с БД, чтобы правильно мапить его на колонки в таблице
type dbSource struct {
	ID          int64          `db:"id"`
	Name        string         `db:"name"`
	Type        string         `db:"type"`
	URL         string         `db:"url"`
	TrustManual int            `db:"trust_manual"`
	JobKeywords pq.StringArray `db:"job_keywords"`
	JobRegex    string         `db:"job_regex"`
	State       []byte         `db:"state"`
	CreatedAt   time.Time      `db:"created_at"`
}

func newDBSource(source model.Source) (dbSource, error) {
	state := source.State
	if state == nil {
		state = map[string]any{}
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return dbSource{}, fmt.Errorf("marshal source state: %w", err)
	}

	return dbSource{
		ID:          source.ID,
		Name:        source.Name,
		Type:        lo.Ternary(source.Type == "", model.SourceTypeRSS, source.Type),
		URL:         source.URL,
		TrustManual: source.TrustManual,
		JobKeywords: pq.StringArray(lo.Ternary(source.JobKeywords == nil, []string{}, source.JobKeywords)),
		JobRegex:    source.JobRegex,
		State:       raw,
		CreatedAt:   source.CreatedAt,
	}, nil
}

func (s dbSource) toModel() model.Source {
	// Битое состояние трактуем как отсутствие курсоров
	state := map[string]any{}
	if len(s.State) > 0 {
		if err := json.Unmarshal(s.State, &state); err != nil || state == nil {
			state = map[string]any{}
		}
	}

	return model.Source{
		ID:          s.ID,
		Name:        s.Name,
		Type:        s.Type,
		URL:         s.URL,
		TrustManual: s.TrustManual,
		JobKeywords: []string(s.JobKeywords),
		JobRegex:    s.JobRegex,
		State:       state,
		CreatedAt:   s.CreatedAt,
	}
}
